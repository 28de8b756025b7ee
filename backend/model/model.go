package model

import "encoding/json"

// Stage is the room-global phase of the current round.
type Stage int

const (
	StageSongSelect Stage = iota
	StageVoting
	StageReveal
	StageResults
)

func (s Stage) String() string {
	switch s {
	case StageSongSelect:
		return "SongSelect"
	case StageVoting:
		return "Voting"
	case StageReveal:
		return "Reveal"
	case StageResults:
		return "Results"
	}
	return "Unknown"
}

// Inbound message types sent by clients after the join handshake.
const (
	MessageTypeSubmitSong       = "submitSong"
	MessageTypeSubmitVote       = "submitVote"
	MessageTypeSubmitDoneReveal = "submitDoneReveal"
	MessageTypeSubmitRestart    = "submitRestart"
)

// Event types sent by server.
const (
	EventTypeError                  = "error"
	EventTypeJoin                   = "join"
	EventTypeOtherJoin              = "otherJoin"
	EventTypeSongSubmitted          = "songSubmitted"
	EventTypeVote                   = "vote"
	EventTypeUpdateStage            = "updateStage"
	EventTypeUpdateScores           = "updateScores"
	EventTypeUpdateGenreRestriction = "updateGenreRestriction"
	EventTypeRestart                = "restart"
	EventTypeQuit                   = "quit"
)

// Message is an inbound envelope. Data is decoded lazily by the action it is
// dispatched to.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Event is an outbound envelope.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// JoinRequest is the bare first message of every connection.
type JoinRequest struct {
	Name string `json:"name"`
}

type ErrorData struct {
	Message string `json:"message"`
}

type PlayerInfo struct {
	PlayerID   int    `json:"playerID"`
	PlayerName string `json:"playerName"`
	Score      int    `json:"score"`
}

type JoinData struct {
	PlayerID         int          `json:"playerID"`
	Host             bool         `json:"host"`
	Rounds           int          `json:"rounds"`
	GenreRestriction string       `json:"genreRestriction"`
	ExistingPlayers  []PlayerInfo `json:"existingPlayers"`
}

type OtherJoinData struct {
	PlayerName string `json:"playerName"`
	PlayerID   int    `json:"playerID"`
}

type StageData struct {
	NewStage Stage `json:"newStage"`
}

type Score struct {
	PlayerID int `json:"playerID"`
	NewScore int `json:"newScore"`
}

type ScoresData struct {
	NewScores []Score `json:"newScores"`
}

type GenreData struct {
	GenreRestriction string `json:"genreRestriction"`
}

type RestartData struct {
	Rounds int `json:"rounds"`
}

type QuitData struct {
	PlayerID int `json:"playerID"`
}

type DoneRevealData struct {
	PlayerID int `json:"playerID"`
}

// Song is a submission. Only the ids are interpreted by the server, the rest
// of the payload is relayed to peers untouched via Raw.
type Song struct {
	SongID      int             `json:"songID"`
	SubmitterID int             `json:"submitterID"`
	Raw         json.RawMessage `json:"-"`
}

// Vote is a guess that VoteRecipientID submitted SongID.
type Vote struct {
	VoterID         int             `json:"voterID"`
	VoteRecipientID int             `json:"voteRecipientID"`
	SongID          int             `json:"songID"`
	Raw             json.RawMessage `json:"-"`
}

// NewErrorEvent builds an error event. The message is carried in the data
// envelope, {"type":"error","data":{"message":...}}, not at the top level.
func NewErrorEvent(msg string) Event {
	return Event{Type: EventTypeError, Data: ErrorData{Message: msg}}
}

func NewStageEvent(s Stage) Event {
	return Event{Type: EventTypeUpdateStage, Data: StageData{NewStage: s}}
}

// Wire is a connection handle. Events pushed to TX are written to the
// client in order by the connection's sender. Two wires are the same handle
// iff they share TX.
type Wire struct {
	TX chan Event
}

func NewWire(size int) Wire {
	return Wire{
		TX: make(chan Event, size),
	}
}
