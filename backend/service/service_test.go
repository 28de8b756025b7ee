package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/adwski/song-guess/backend/model"
	store "github.com/adwski/song-guess/backend/storage/memory"
	sw "github.com/adwski/song-guess/backend/switch"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

type testEnv struct {
	svc   *Service
	store *store.MemStore
}

func newTestEnv() *testEnv {
	logger := zerolog.Nop()
	genres := []string{"rock", "pop", "film"}
	var n int
	ms := store.NewMemStore(func() string {
		g := genres[n%len(genres)]
		n++
		return g
	})
	return &testEnv{
		store: ms,
		svc: NewService(Config{
			RoomStore: ms,
			Switch: sw.NewSwitch(sw.Config{
				Logger:  &logger,
				Timeout: 50 * time.Millisecond,
			}),
			Logger: &logger,
		}),
	}
}

type client struct {
	sess *Session
	wire model.Wire
}

func (env *testEnv) join(t *testing.T, roomID, name string) *client {
	t.Helper()
	wire := model.NewWire(32)
	sess, err := env.svc.Join(context.Background(), roomID, model.JoinRequest{Name: name}, wire)
	if err != nil {
		t.Fatalf("Join(%q) failed: %v", name, err)
	}
	return &client{sess: sess, wire: wire}
}

func (env *testEnv) send(t *testing.T, c *client, typ string, data any) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err = env.svc.Dispatch(context.Background(), c.sess, model.Message{Type: typ, Data: b}); err != nil {
		t.Fatalf("Dispatch(%s) failed: %v", typ, err)
	}
}

// events drains everything queued for the client.
func (c *client) events() []model.Event {
	var evs []model.Event
	for {
		select {
		case ev := <-c.wire.TX:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
}

func types(evs []model.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func expectTypes(t *testing.T, who string, got []model.Event, want ...string) {
	t.Helper()
	if fmt.Sprint(types(got)) != fmt.Sprint(want) {
		t.Errorf("%s got events %v, want %v\n%s", who, types(got), want, spew.Sdump(got))
	}
}

func expectStage(t *testing.T, ev model.Event, want model.Stage) {
	t.Helper()
	data, ok := ev.Data.(model.StageData)
	if !ok || data.NewStage != want {
		t.Errorf("stage event = %s, want %v", spew.Sdump(ev), want)
	}
}

func song(submitter, id int) map[string]any {
	return map[string]any{
		"songID":      id,
		"submitterID": submitter,
		"name":        "Song " + fmt.Sprint(id),
		"artist":      "Artist",
	}
}

func vote(voter, recipient, songID int) map[string]any {
	return map[string]any{"voterID": voter, "voteRecipientID": recipient, "songID": songID}
}

func TestService_CreateRoom(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.CreateRoom(0); !errors.Is(err, ErrInvalidRounds) {
		t.Errorf("CreateRoom(0) error = %v, want %v", err, ErrInvalidRounds)
	}
	id, err := env.svc.CreateRoom(2)
	if err != nil || id != "0" {
		t.Errorf("CreateRoom(2) = %q, %v, want \"0\", nil", id, err)
	}
}

func TestService_JoinHandshake(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)

	a := env.join(t, roomID, "A")
	evs := a.events()
	expectTypes(t, "A", evs, model.EventTypeJoin)
	join := evs[0].Data.(model.JoinData)
	if join.PlayerID != 0 || !join.Host || join.Rounds != 2 || join.GenreRestriction != "rock" {
		t.Errorf("A join = %s", spew.Sdump(join))
	}
	if len(join.ExistingPlayers) != 0 {
		t.Errorf("A snapshot = %s, want empty", spew.Sdump(join.ExistingPlayers))
	}

	b := env.join(t, roomID, "B")
	evs = b.events()
	expectTypes(t, "B", evs, model.EventTypeJoin)
	join = evs[0].Data.(model.JoinData)
	if join.PlayerID != 1 || join.Host {
		t.Errorf("B join = %s", spew.Sdump(join))
	}
	want := []model.PlayerInfo{{PlayerID: 0, PlayerName: "A", Score: 0}}
	if spew.Sdump(join.ExistingPlayers) != spew.Sdump(want) {
		t.Errorf("B snapshot = %s, want %s", spew.Sdump(join.ExistingPlayers), spew.Sdump(want))
	}

	evs = a.events()
	expectTypes(t, "A", evs, model.EventTypeOtherJoin)
	other := evs[0].Data.(model.OtherJoinData)
	if other.PlayerName != "B" || other.PlayerID != 1 {
		t.Errorf("otherJoin = %s", spew.Sdump(other))
	}
}

func TestService_JoinRejected(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(1)

	_, err := env.svc.Join(context.Background(), roomID, model.JoinRequest{}, model.NewWire(1))
	if !errors.Is(err, ErrInvalidName) {
		t.Errorf("Join(empty name) error = %v, want %v", err, ErrInvalidName)
	}
	_, err = env.svc.Join(context.Background(), "404", model.JoinRequest{Name: "A"}, model.NewWire(1))
	if !errors.Is(err, ErrGet) || !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("Join(unknown room) error = %v", err)
	}
}

func TestService_SongSelectToVoting(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")
	b := env.join(t, roomID, "B")
	a.events()
	b.events()

	env.send(t, a, model.MessageTypeSubmitSong, song(0, 10))
	expectTypes(t, "A", a.events())
	evs := b.events()
	expectTypes(t, "B", evs, model.EventTypeSongSubmitted)
	var relayed map[string]any
	if err := json.Unmarshal(evs[0].Data.(json.RawMessage), &relayed); err != nil || relayed["name"] != "Song 10" {
		t.Errorf("relayed song = %v, %v", relayed, err)
	}

	env.send(t, b, model.MessageTypeSubmitSong, song(1, 11))
	evs = a.events()
	expectTypes(t, "A", evs, model.EventTypeSongSubmitted, model.EventTypeUpdateStage)
	expectStage(t, evs[1], model.StageVoting)
	evs = b.events()
	expectTypes(t, "B", evs, model.EventTypeUpdateStage)
	expectStage(t, evs[0], model.StageVoting)
}

func TestService_SubmitSongNonMemberIgnored(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")
	b := env.join(t, roomID, "B")
	a.events()
	b.events()

	env.send(t, a, model.MessageTypeSubmitSong, song(7, 10))
	expectTypes(t, "B", b.events())
}

func TestService_VotingRound(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")
	b := env.join(t, roomID, "B")
	env.send(t, a, model.MessageTypeSubmitSong, song(0, 10))
	env.send(t, b, model.MessageTypeSubmitSong, song(1, 11))
	a.events()
	b.events()

	env.send(t, a, model.MessageTypeSubmitVote, vote(0, 1, 11))
	expectTypes(t, "A", a.events())
	expectTypes(t, "B", b.events(), model.EventTypeVote)

	env.send(t, b, model.MessageTypeSubmitVote, vote(1, 0, 10))
	for _, c := range []*client{a, b} {
		evs := c.events()
		want := []string{
			model.EventTypeUpdateScores,
			model.EventTypeUpdateStage,
			model.EventTypeUpdateGenreRestriction,
		}
		if c == a {
			want = append([]string{model.EventTypeVote}, want...)
		}
		expectTypes(t, fmt.Sprint(c.sess.PlayerID), evs, want...)
		if len(evs) != len(want) {
			continue
		}
		evs = evs[len(evs)-3:]
		scores := evs[0].Data.(model.ScoresData).NewScores
		wantScores := []model.Score{{PlayerID: 0, NewScore: 15}, {PlayerID: 1, NewScore: 15}}
		if spew.Sdump(scores) != spew.Sdump(wantScores) {
			t.Errorf("scores = %s, want %s", spew.Sdump(scores), spew.Sdump(wantScores))
		}
		expectStage(t, evs[1], model.StageReveal)
		if g := evs[2].Data.(model.GenreData).GenreRestriction; g != "pop" {
			t.Errorf("genre = %q, want pop", g)
		}
	}

	room, _ := env.store.GetRoom(roomID)
	if room.CurrentRound() != 2 {
		t.Errorf("current round = %d, want 2", room.CurrentRound())
	}

	env.send(t, a, model.MessageTypeSubmitDoneReveal, map[string]any{"playerID": 0})
	expectTypes(t, "B", b.events())
	env.send(t, b, model.MessageTypeSubmitDoneReveal, map[string]any{"playerID": 1})
	evs := a.events()
	expectTypes(t, "A", evs, model.EventTypeUpdateStage)
	expectStage(t, evs[0], model.StageResults)
	b.events()

	env.send(t, a, model.MessageTypeSubmitRestart, map[string]any{"rounds": 3})
	for _, c := range []*client{a, b} {
		evs = c.events()
		expectTypes(t, fmt.Sprint(c.sess.PlayerID), evs, model.EventTypeRestart)
		if len(evs) == 1 && evs[0].Data.(model.RestartData).Rounds != 3 {
			t.Errorf("restart = %s", spew.Sdump(evs[0]))
		}
	}
	if room.CurrentRound() != 0 || room.Rounds() != 3 || room.GenreRestriction() != "pop" {
		t.Errorf("room after restart: round=%d rounds=%d genre=%q",
			room.CurrentRound(), room.Rounds(), room.GenreRestriction())
	}
	for _, info := range room.Snapshot() {
		if info.Score != 0 {
			t.Errorf("player %d score = %d after restart", info.PlayerID, info.Score)
		}
	}
}

func TestService_VoteClosesRoundAfterDeparture(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")
	b := env.join(t, roomID, "B")
	c := env.join(t, roomID, "C")
	for i, cl := range []*client{a, b, c} {
		env.send(t, cl, model.MessageTypeSubmitSong, song(i, 10+i))
	}
	env.send(t, a, model.MessageTypeSubmitVote, vote(0, 1, 11))
	env.send(t, a, model.MessageTypeSubmitVote, vote(0, 2, 12))
	env.send(t, b, model.MessageTypeSubmitVote, vote(1, 0, 10))
	env.send(t, b, model.MessageTypeSubmitVote, vote(1, 2, 12))
	env.svc.Leave(context.Background(), c.sess)
	a.events()
	b.events()

	// A's quota is already full; the vote is not relayed but closes the round.
	env.send(t, a, model.MessageTypeSubmitVote, vote(0, 1, 11))
	for _, cl := range []*client{a, b} {
		evs := cl.events()
		expectTypes(t, fmt.Sprint(cl.sess.PlayerID), evs,
			model.EventTypeUpdateScores,
			model.EventTypeUpdateStage,
			model.EventTypeUpdateGenreRestriction)
		if len(evs) != 3 {
			continue
		}
		scores := evs[0].Data.(model.ScoresData).NewScores
		wantScores := []model.Score{{PlayerID: 0, NewScore: 20}, {PlayerID: 1, NewScore: 20}}
		if spew.Sdump(scores) != spew.Sdump(wantScores) {
			t.Errorf("scores = %s, want %s", spew.Sdump(scores), spew.Sdump(wantScores))
		}
		expectStage(t, evs[1], model.StageReveal)
	}
}

func TestService_MalformedAndUnknownMessages(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")
	a.events()

	ctx := context.Background()
	for _, msg := range []model.Message{
		{Type: model.MessageTypeSubmitSong, Data: json.RawMessage(`{"songID":1}`)},
		{Type: model.MessageTypeSubmitVote, Data: json.RawMessage(`null`)},
		{Type: model.MessageTypeSubmitDoneReveal},
		{Type: model.MessageTypeSubmitRestart, Data: json.RawMessage(`{"rounds":0}`)},
		{Type: model.MessageTypeSubmitRestart, Data: json.RawMessage(`{"rounds":"x"}`)},
	} {
		if err := env.svc.Dispatch(ctx, a.sess, msg); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Dispatch(%s %s) error = %v, want %v", msg.Type, msg.Data, err, ErrMalformedMessage)
		}
	}
	if err := env.svc.Dispatch(ctx, a.sess, model.Message{Type: "dance"}); err != nil {
		t.Errorf("unknown type must be ignored, got %v", err)
	}
	expectTypes(t, "A", a.events())
}

func TestService_Leave(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")
	b := env.join(t, roomID, "B")
	a.events()

	env.svc.Leave(context.Background(), b.sess)
	evs := a.events()
	expectTypes(t, "A", evs, model.EventTypeQuit)
	if len(evs) == 1 && evs[0].Data.(model.QuitData).PlayerID != 1 {
		t.Errorf("quit = %s", spew.Sdump(evs[0]))
	}

	// second call is a no-op
	env.svc.Leave(context.Background(), b.sess)
	expectTypes(t, "A", a.events())

	env.svc.Leave(context.Background(), a.sess)
	if _, err := env.store.GetRoom(roomID); !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("room must be deleted, GetRoom() error = %v", err)
	}
	_, err := env.svc.Join(context.Background(), roomID, model.JoinRequest{Name: "C"}, model.NewWire(1))
	if !errors.Is(err, store.ErrRoomNotFound) {
		t.Errorf("Join(deleted room) error = %v", err)
	}
}

func TestService_IDsNotReusedAfterLeave(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")
	b := env.join(t, roomID, "B")
	env.svc.Leave(context.Background(), b.sess)
	a.events()

	c := env.join(t, roomID, "C")
	evs := c.events()
	expectTypes(t, "C", evs, model.EventTypeJoin)
	if join := evs[0].Data.(model.JoinData); join.PlayerID != 2 || join.Host {
		t.Errorf("C join = %s", spew.Sdump(join))
	}
}

func TestService_BroadcastSurvivesDeadPeer(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)
	a := env.join(t, roomID, "A")

	// B's wire is never drained after its join ack is taken.
	deadWire := model.Wire{TX: make(chan model.Event, 1)}
	if _, err := env.svc.Join(context.Background(), roomID, model.JoinRequest{Name: "B"}, deadWire); err != nil {
		t.Fatal(err)
	}
	c := env.join(t, roomID, "C")
	a.events()
	c.events()

	env.send(t, a, model.MessageTypeSubmitSong, song(0, 10))
	expectTypes(t, "C", c.events(), model.EventTypeSongSubmitted)
}

func TestService_LeaveReachesPeerBehindDeadOnes(t *testing.T) {
	env := newTestEnv()
	roomID, _ := env.svc.CreateRoom(2)

	// Players 0..2 never drain their wires after the join ack.
	sessions := make([]*Session, 0, 3)
	for _, name := range []string{"A", "B", "C"} {
		sess, err := env.svc.Join(context.Background(), roomID, model.JoinRequest{Name: name},
			model.Wire{TX: make(chan model.Event, 1)})
		if err != nil {
			t.Fatal(err)
		}
		sessions = append(sessions, sess)
	}
	d := env.join(t, roomID, "D")
	d.events()

	// Caller context is already done; each dead peer still costs a full send timeout.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	env.svc.Leave(ctx, sessions[0])

	evs := d.events()
	expectTypes(t, "D", evs, model.EventTypeQuit)
	if len(evs) == 1 && evs[0].Data.(model.QuitData).PlayerID != 0 {
		t.Errorf("quit = %s", spew.Sdump(evs[0]))
	}
}
