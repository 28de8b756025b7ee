package memory

import (
	"errors"
	"strconv"
	"sync"

	"github.com/adwski/song-guess/backend/game"
)

var (
	ErrRoomNotFound = errors.New("room is not found")
)

// MemStore is the room registry. Its lock only guards the id->room map,
// room state is protected by each room's own lock.
type MemStore struct {
	mx        *sync.Mutex
	db        map[string]*game.Room
	nextID    int
	pickGenre game.GenrePicker
}

// NewMemStore creates registry. pickGenre may be nil, rooms then draw
// genres at random.
func NewMemStore(pickGenre game.GenrePicker) *MemStore {
	return &MemStore{
		mx:        &sync.Mutex{},
		db:        make(map[string]*game.Room),
		pickGenre: pickGenre,
	}
}

func (ms *MemStore) CreateRoom(rounds int) string {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	roomID := strconv.Itoa(ms.nextID)
	ms.nextID++
	ms.db[roomID] = game.NewRoom(roomID, rounds, ms.pickGenre)
	return roomID
}

func (ms *MemStore) GetRoom(roomID string) (*game.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	room, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (ms *MemStore) DeleteRoom(roomID string) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	delete(ms.db, roomID)
}

func (ms *MemStore) Len() int {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	return len(ms.db)
}
