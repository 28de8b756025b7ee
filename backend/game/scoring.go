package game

import (
	"sort"

	"github.com/adwski/song-guess/backend/model"
)

const (
	CorrectGuessReward          = 5
	CorrectGuessRecipientReward = 10
)

// CalculateScores returns the absolute score table after a round given the
// scores before it. Only players present in scores are awarded. Votes for a
// song nobody submitted are skipped. The input map is not modified.
func CalculateScores(scores map[int]int, votes []model.Vote, songs []model.Song) []model.Score {
	updated := make(map[int]int, len(scores))
	for id, score := range scores {
		updated[id] = score
	}

	for _, vote := range votes {
		submitter, ok := findSubmitter(songs, vote.SongID)
		if !ok || submitter != vote.VoteRecipientID {
			continue
		}
		if _, ok = updated[vote.VoterID]; ok {
			updated[vote.VoterID] += CorrectGuessReward
		}
		if _, ok = updated[vote.VoteRecipientID]; ok {
			updated[vote.VoteRecipientID] += CorrectGuessRecipientReward
		}
	}

	table := make([]model.Score, 0, len(updated))
	for id, score := range updated {
		table = append(table, model.Score{PlayerID: id, NewScore: score})
	}
	sort.Slice(table, func(i, j int) bool {
		return table[i].PlayerID < table[j].PlayerID
	})
	return table
}

func findSubmitter(songs []model.Song, songID int) (int, bool) {
	for _, song := range songs {
		if song.SongID == songID {
			return song.SubmitterID, true
		}
	}
	return 0, false
}
