package relay

import (
	"sync"

	"github.com/dkeye/liveroom/internal/domain"
)

type Stats struct {
	Rooms        int `json:"rooms"`
	Participants int `json:"participants"`
}

type Rooms struct {
	mu    sync.RWMutex
	rooms map[domain.SessionID]*Room
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[domain.SessionID]*Room)}
}

func (f *Rooms) GetOrCreate(id domain.SessionID) *Room {
	f.mu.RLock()
	room, ok := f.rooms[id]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[id]; ok {
		return room
	}
	room = NewRoom(id)
	f.rooms[id] = room
	return room
}

// Join admits p into room id, creating the room on first use. Holding the
// manager lock keeps a concurrent RemoveIfEmpty from orphaning the room.
func (f *Rooms) Join(id domain.SessionID, p domain.Participant, c *wsConn, max int) (*Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[id]
	if !ok {
		room = NewRoom(id)
	}
	if err := room.Add(p, c, max); err != nil {
		return nil, err
	}
	f.rooms[id] = room
	return room, nil
}

func (f *Rooms) Get(id domain.SessionID) (*Room, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[id]
	return room, ok
}

// RemoveIfEmpty forgets room once its last member is gone.
func (f *Rooms) RemoveIfEmpty(room *Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.rooms[room.id]; ok && cur == room && room.Len() == 0 {
		delete(f.rooms, room.id)
	}
}

func (f *Rooms) Remove(room *Room) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.rooms[room.id]; ok && cur == room {
		delete(f.rooms, room.id)
	}
}

func (f *Rooms) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st := Stats{Rooms: len(f.rooms)}
	for _, r := range f.rooms {
		st.Participants += r.Len()
	}
	return st
}
