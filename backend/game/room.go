package game

import (
	"sort"
	"sync"

	"github.com/adwski/song-guess/backend/model"
)

// Player is a room member. It is owned by its room and must only be touched
// under the room lock.
type Player struct {
	ID            int
	Name          string
	Score         int
	Wire          model.Wire
	SubmittedSong bool
	Votes         []model.Vote
	DoneReveal    bool
}

// Room is the state of one game session.
//
// Room does no locking on its own: callers take Lock for the whole
// read-check-write-broadcast sequence of one inbound message and release it
// afterwards. Different rooms never share a lock.
type Room struct {
	mx *sync.Mutex

	id           string
	rounds       int
	currentRound int
	stage        model.Stage
	genre        string
	players      map[int]*Player
	songs        []model.Song
	votes        []model.Vote
	nextPlayerID int

	// restarted is set by Restart and cleared by the next transition, the
	// song aggregate then starts over regardless of the stage the room was
	// left in.
	restarted bool
	closed    bool

	pickGenre GenrePicker
}

// RoundResult is what a completed voting phase produces.
type RoundResult struct {
	Scores []model.Score
	Genre  string
}

func NewRoom(id string, rounds int, pickGenre GenrePicker) *Room {
	if pickGenre == nil {
		pickGenre = RandomGenre
	}
	return &Room{
		mx:           &sync.Mutex{},
		id:           id,
		rounds:       rounds,
		currentRound: 1,
		stage:        model.StageSongSelect,
		genre:        pickGenre(),
		players:      make(map[int]*Player),
		pickGenre:    pickGenre,
	}
}

func (r *Room) Lock()   { r.mx.Lock() }
func (r *Room) Unlock() { r.mx.Unlock() }

func (r *Room) ID() string               { return r.id }
func (r *Room) Rounds() int              { return r.rounds }
func (r *Room) CurrentRound() int        { return r.currentRound }
func (r *Room) Stage() model.Stage       { return r.stage }
func (r *Room) GenreRestriction() string { return r.genre }
func (r *Room) Len() int                 { return len(r.players) }

// Closed reports whether the room lost its last player. A closed room
// accepts no new players.
func (r *Room) Closed() bool { return r.closed }

func (r *Room) Player(id int) (*Player, bool) {
	p, ok := r.players[id]
	return p, ok
}

// NewPlayer allocates the next player id. The player is not a member until
// AddPlayer is called.
func (r *Room) NewPlayer(name string, wire model.Wire) *Player {
	p := &Player{
		ID:   r.nextPlayerID,
		Name: name,
		Wire: wire,
	}
	r.nextPlayerID++
	return p
}

func (r *Room) AddPlayer(p *Player) {
	r.players[p.ID] = p
}

// RemovePlayer deletes player and reports whether it was a member and
// whether the room is now empty. An emptied room is closed for good.
func (r *Room) RemovePlayer(id int) (removed, empty bool) {
	if _, ok := r.players[id]; !ok {
		return false, len(r.players) == 0
	}
	delete(r.players, id)
	if len(r.players) == 0 {
		r.closed = true
		return true, true
	}
	return true, false
}

// Snapshot returns current members ordered by id.
func (r *Room) Snapshot() []model.PlayerInfo {
	infos := make([]model.PlayerInfo, 0, len(r.players))
	for _, p := range r.sortedPlayers() {
		infos = append(infos, model.PlayerInfo{
			PlayerID:   p.ID,
			PlayerName: p.Name,
			Score:      p.Score,
		})
	}
	return infos
}

// Wires returns connection handles of all members keyed by player id.
func (r *Room) Wires() map[int]model.Wire {
	wires := make(map[int]model.Wire, len(r.players))
	for id, p := range r.players {
		wires[id] = p.Wire
	}
	return wires
}

// SubmitSong records a submission. It reports whether the submitter is a
// member and whether every member has now submitted, in which case the room
// has moved to Voting.
func (r *Room) SubmitSong(song model.Song) (recorded, voting bool) {
	p, ok := r.players[song.SubmitterID]
	if !ok {
		return false, false
	}
	p.SubmittedSong = true
	r.songs = append(r.songs, song)

	if !r.allSubmitted() {
		return true, false
	}
	return true, r.advance(model.StageVoting)
}

// SubmitVote records a vote. When every member has cast one vote per other
// member, the round is scored, the room moves to Reveal, a new genre is
// drawn, per-round state is cleared and the round counter advances.
//
// The aggregate is checked on every vote from a member, including one that
// exceeds the voter's bound, so a round whose votes arrived early or whose
// quota shrank after a departure still closes.
func (r *Room) SubmitVote(vote model.Vote) (recorded bool, result *RoundResult) {
	p, ok := r.players[vote.VoterID]
	if !ok {
		return false, nil
	}
	// A solo player still casts one vote to close the round.
	if len(p.Votes) == 0 || len(p.Votes) < r.votesPerPlayer() {
		p.Votes = append(p.Votes, vote)
		r.votes = append(r.votes, vote)
		recorded = true
	}

	if !r.allVoted() || !r.advance(model.StageReveal) {
		return recorded, nil
	}

	scores := CalculateScores(r.scores(), r.votes, r.songs)
	for _, s := range scores {
		r.players[s.PlayerID].Score = s.NewScore
	}
	r.genre = r.pickGenre()
	r.clearRound()
	r.currentRound++

	return recorded, &RoundResult{
		Scores: scores,
		Genre:  r.genre,
	}
}

// DoneReveal marks player as finished with the reveal. When everyone is done
// the flags are reset and the next stage is returned.
func (r *Room) DoneReveal(playerID int) (recorded bool, next *model.Stage) {
	p, ok := r.players[playerID]
	if !ok {
		return false, nil
	}
	p.DoneReveal = true

	for _, p = range r.players {
		if !p.DoneReveal {
			return true, nil
		}
	}
	for _, p = range r.players {
		p.DoneReveal = false
	}

	stage := model.StageSongSelect
	if r.currentRound >= r.rounds {
		stage = model.StageResults
	}
	if !r.advance(stage) {
		return true, nil
	}
	return true, &stage
}

// Restart zeroes round counter and scores and sets new round limit.
// Stage and genre restriction are left as they are.
func (r *Room) Restart(rounds int) {
	r.clearRound()
	r.currentRound = 0
	r.rounds = rounds
	for _, p := range r.players {
		p.Score = 0
	}
	r.restarted = true
}

var transitions = map[model.Stage][]model.Stage{
	model.StageSongSelect: {model.StageVoting},
	model.StageVoting:     {model.StageReveal},
	model.StageReveal:     {model.StageSongSelect, model.StageResults},
}

func (r *Room) advance(to model.Stage) bool {
	from := r.stage
	if r.restarted {
		from = model.StageSongSelect
	}
	for _, allowed := range transitions[from] {
		if allowed == to {
			r.stage = to
			r.restarted = false
			return true
		}
	}
	return false
}

func (r *Room) votesPerPlayer() int {
	return len(r.players) - 1
}

func (r *Room) allSubmitted() bool {
	for _, p := range r.players {
		if !p.SubmittedSong {
			return false
		}
	}
	return true
}

func (r *Room) allVoted() bool {
	for _, p := range r.players {
		if len(p.Votes) < r.votesPerPlayer() {
			return false
		}
	}
	return true
}

func (r *Room) clearRound() {
	for _, p := range r.players {
		p.SubmittedSong = false
		p.Votes = nil
	}
	r.songs = nil
	r.votes = nil
}

func (r *Room) scores() map[int]int {
	scores := make(map[int]int, len(r.players))
	for id, p := range r.players {
		scores[id] = p.Score
	}
	return scores
}

func (r *Room) sortedPlayers() []*Player {
	players := make([]*Player, 0, len(r.players))
	for _, p := range r.players {
		players = append(players, p)
	}
	sort.Slice(players, func(i, j int) bool {
		return players[i].ID < players[j].ID
	})
	return players
}
