package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/adwski/song-guess/backend/game"
	"github.com/adwski/song-guess/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrGet              = errors.New("unable to get room")
	ErrJoin             = errors.New("unable to join room")
	ErrInvalidRounds    = errors.New("rounds must be positive")
	ErrInvalidName      = errors.New("player name is required")
	ErrRoomClosed       = errors.New("room is closed")
	ErrMalformedMessage = errors.New("malformed message")
)

type (
	RoomStore interface {
		CreateRoom(rounds int) string
		GetRoom(roomID string) (*game.Room, error)
		DeleteRoom(roomID string)
	}

	Switch interface {
		Broadcast(ctx context.Context, ev model.Event, wires map[int]model.Wire, exclude model.Wire) int
		Send(ctx context.Context, ev model.Event, wire model.Wire) error
	}

	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}

	// Session binds a connection to its player.
	Session struct {
		RoomID   string
		PlayerID int
		Host     bool

		room *game.Room
		wire model.Wire
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

func (svc *Service) CreateRoom(rounds int) (string, error) {
	if rounds <= 0 {
		return "", ErrInvalidRounds
	}
	roomID := svc.store.CreateRoom(rounds)
	svc.logger.Debug().
		Str("roomID", roomID).
		Int("rounds", rounds).
		Msg("room created")
	return roomID, nil
}

func (svc *Service) GetRoom(roomID string) (*game.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return room, nil
}

// Join performs the join handshake: the new player gets the pre-insertion
// snapshot of the room, the others get otherJoin, and only then the player
// becomes a member.
func (svc *Service) Join(ctx context.Context, roomID string, req model.JoinRequest, wire model.Wire) (*Session, error) {
	if req.Name == "" {
		return nil, ErrInvalidName
	}
	room, err := svc.GetRoom(roomID)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}

	room.Lock()
	defer room.Unlock()

	if room.Closed() {
		return nil, errors.Join(ErrJoin, ErrRoomClosed)
	}

	player := room.NewPlayer(req.Name, wire)
	host := room.Len() == 0

	err = svc.sw.Send(ctx, model.Event{
		Type: model.EventTypeJoin,
		Data: model.JoinData{
			PlayerID:         player.ID,
			Host:             host,
			Rounds:           room.Rounds(),
			GenreRestriction: room.GenreRestriction(),
			ExistingPlayers:  room.Snapshot(),
		},
	}, wire)
	if err != nil {
		return nil, errors.Join(ErrJoin, err)
	}

	svc.sw.Broadcast(ctx, model.Event{
		Type: model.EventTypeOtherJoin,
		Data: model.OtherJoinData{
			PlayerName: player.Name,
			PlayerID:   player.ID,
		},
	}, room.Wires(), wire)

	room.AddPlayer(player)

	svc.logger.Debug().
		Str("roomID", roomID).
		Int("playerID", player.ID).
		Bool("host", host).
		Msg("player joined room")

	return &Session{
		RoomID:   roomID,
		PlayerID: player.ID,
		Host:     host,
		room:     room,
		wire:     wire,
	}, nil
}

// Dispatch processes one inbound message under the room lock. Unknown
// message types are ignored. ErrMalformedMessage is returned if the payload
// cannot be decoded, the room state is untouched in that case.
func (svc *Service) Dispatch(ctx context.Context, sess *Session, msg model.Message) error {
	room := sess.room

	room.Lock()
	defer room.Unlock()

	switch msg.Type {
	case model.MessageTypeSubmitSong:
		return svc.submitSong(ctx, sess, msg.Data)
	case model.MessageTypeSubmitVote:
		return svc.submitVote(ctx, sess, msg.Data)
	case model.MessageTypeSubmitDoneReveal:
		return svc.submitDoneReveal(ctx, sess, msg.Data)
	case model.MessageTypeSubmitRestart:
		return svc.submitRestart(ctx, sess, msg.Data)
	default:
		svc.logger.Trace().
			Str("roomID", sess.RoomID).
			Int("playerID", sess.PlayerID).
			Str("type", msg.Type).
			Msg("ignoring message of unknown type")
	}
	return nil
}

// Leave removes the session's player, notifies the rest of the room and
// deletes the room once it is empty. It is safe to call more than once.
// The quit broadcast ignores ctx cancellation; each recipient is bounded by
// the switch send timeout instead.
func (svc *Service) Leave(ctx context.Context, sess *Session) {
	ctx = context.WithoutCancel(ctx)
	room := sess.room

	room.Lock()
	defer room.Unlock()

	removed, empty := room.RemovePlayer(sess.PlayerID)
	if !removed {
		return
	}
	svc.logger.Debug().
		Str("roomID", sess.RoomID).
		Int("playerID", sess.PlayerID).
		Msg("player left room")

	svc.sw.Broadcast(ctx, model.Event{
		Type: model.EventTypeQuit,
		Data: model.QuitData{PlayerID: sess.PlayerID},
	}, room.Wires(), model.Wire{})

	if empty {
		svc.store.DeleteRoom(sess.RoomID)
		svc.logger.Debug().Str("roomID", sess.RoomID).Msg("room closed")
	}
}

func (svc *Service) submitSong(ctx context.Context, sess *Session, data json.RawMessage) error {
	var song model.Song
	if err := decode(data, &song, "submitterID", "songID"); err != nil {
		return err
	}
	song.Raw = data

	recorded, voting := sess.room.SubmitSong(song)
	if !recorded {
		return nil
	}
	svc.sw.Broadcast(ctx, model.Event{
		Type: model.EventTypeSongSubmitted,
		Data: song.Raw,
	}, sess.room.Wires(), sess.wire)

	if voting {
		svc.broadcastStage(ctx, sess, model.StageVoting)
	}
	return nil
}

func (svc *Service) submitVote(ctx context.Context, sess *Session, data json.RawMessage) error {
	var vote model.Vote
	if err := decode(data, &vote, "voterID", "voteRecipientID", "songID"); err != nil {
		return err
	}
	vote.Raw = data

	room := sess.room
	recorded, result := room.SubmitVote(vote)
	if recorded {
		svc.sw.Broadcast(ctx, model.Event{
			Type: model.EventTypeVote,
			Data: vote.Raw,
		}, room.Wires(), sess.wire)
	}

	if result == nil {
		return nil
	}

	// Clients rely on scores, stage, genre arriving in this order.
	wires := room.Wires()
	svc.sw.Broadcast(ctx, model.Event{
		Type: model.EventTypeUpdateScores,
		Data: model.ScoresData{NewScores: result.Scores},
	}, wires, model.Wire{})
	svc.sw.Broadcast(ctx, model.NewStageEvent(model.StageReveal), wires, model.Wire{})
	svc.sw.Broadcast(ctx, model.Event{
		Type: model.EventTypeUpdateGenreRestriction,
		Data: model.GenreData{GenreRestriction: result.Genre},
	}, wires, model.Wire{})

	svc.logger.Debug().
		Str("roomID", sess.RoomID).
		Int("round", room.CurrentRound()).
		Msg("round scored")
	return nil
}

func (svc *Service) submitDoneReveal(ctx context.Context, sess *Session, data json.RawMessage) error {
	var done model.DoneRevealData
	if err := decode(data, &done, "playerID"); err != nil {
		return err
	}
	if _, next := sess.room.DoneReveal(done.PlayerID); next != nil {
		svc.broadcastStage(ctx, sess, *next)
	}
	return nil
}

func (svc *Service) submitRestart(ctx context.Context, sess *Session, data json.RawMessage) error {
	var restart model.RestartData
	if err := decode(data, &restart, "rounds"); err != nil {
		return err
	}
	if restart.Rounds <= 0 {
		return errors.Join(ErrMalformedMessage, ErrInvalidRounds)
	}
	sess.room.Restart(restart.Rounds)
	svc.sw.Broadcast(ctx, model.Event{
		Type: model.EventTypeRestart,
		Data: restart,
	}, sess.room.Wires(), model.Wire{})

	svc.logger.Debug().
		Str("roomID", sess.RoomID).
		Int("rounds", restart.Rounds).
		Msg("room restarted")
	return nil
}

func (svc *Service) broadcastStage(ctx context.Context, sess *Session, stage model.Stage) {
	svc.sw.Broadcast(ctx, model.NewStageEvent(stage), sess.room.Wires(), model.Wire{})
	svc.logger.Debug().
		Str("roomID", sess.RoomID).
		Stringer("stage", stage).
		Msg("stage changed")
}

// decode unmarshals data into v. Every named field must be present.
func decode(data json.RawMessage, v any, required ...string) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.Join(ErrMalformedMessage, err)
	}
	if fields == nil {
		return ErrMalformedMessage
	}
	for _, name := range required {
		if _, ok := fields[name]; !ok {
			return fmt.Errorf("%w: missing %q", ErrMalformedMessage, name)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Join(ErrMalformedMessage, err)
	}
	return nil
}
