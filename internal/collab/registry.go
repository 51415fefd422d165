package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"grimoire/collab/internal/metrics"
	"grimoire/collab/internal/ydoc"
)

// Documents loads and persists replica states.
type Documents interface {
	Fetch(ctx context.Context, documentID string, p Principal) ([]byte, error)
	Store(ctx context.Context, documentID string, p Principal, merged []byte) error
}

// Archiver keeps a copy of a replica state when its room is evicted.
type Archiver interface {
	Put(ctx context.Context, artifactID string, state []byte) error
}

// Publisher forwards local update deltas to other server instances.
type Publisher interface {
	Publish(ctx context.Context, documentID string, update []byte) error
}

type RegistryConfig struct {
	// StoreDebounce delays a store after the last update. Zero stores after
	// every update.
	StoreDebounce time.Duration
	// StoreMaxWait bounds how long a dirty replica may go unstored.
	StoreMaxWait time.Duration
	// StoreTimeout bounds one store call. Defaults to 30s.
	StoreTimeout time.Duration
}

// Registry holds one reference-counted room per open document.
type Registry struct {
	docs      Documents
	archive   Archiver
	publisher Publisher
	cfg       RegistryConfig

	mu      sync.Mutex
	rooms   map[string]*Room
	closing map[string]chan struct{}
}

// NewRegistry creates a registry. archive and publisher may be nil.
func NewRegistry(docs Documents, archive Archiver, publisher Publisher, cfg RegistryConfig) *Registry {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 30 * time.Second
	}
	return &Registry{
		docs:      docs,
		archive:   archive,
		publisher: publisher,
		cfg:       cfg,
		rooms:     make(map[string]*Room),
		closing:   make(map[string]chan struct{}),
	}
}

// Acquire opens documentID for p, loading it on first use. Every call checks
// access through Fetch; a nil result fails with ErrDocumentUnavailable.
func (r *Registry) Acquire(ctx context.Context, documentID string, p Principal) (*Room, error) {
	for {
		if err := r.waitClosed(ctx, documentID); err != nil {
			return nil, err
		}

		state, err := r.docs.Fetch(ctx, documentID, p)
		if err != nil {
			return nil, err
		}
		if state == nil {
			return nil, ErrDocumentUnavailable
		}

		r.mu.Lock()
		if _, busy := r.closing[documentID]; busy {
			r.mu.Unlock()
			continue
		}
		if room, ok := r.rooms[documentID]; ok {
			room.refs++
			r.mu.Unlock()
			return room, nil
		}
		doc, err := ydoc.Decode(state)
		if err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("load %s: %w", documentID, err)
		}
		room := newRoom(r, documentID, doc)
		room.refs = 1
		r.rooms[documentID] = room
		r.mu.Unlock()

		metrics.OpenRooms.Inc()
		log.Printf("collab: opened %s", documentID)
		return room, nil
	}
}

func (r *Registry) waitClosed(ctx context.Context, documentID string) error {
	r.mu.Lock()
	done, ok := r.closing[documentID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release drops one reference to room. The last release flushes pending
// changes, archives the state and evicts the room.
func (r *Registry) Release(room *Room) {
	r.mu.Lock()
	room.refs--
	if room.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, room.id)
	done := make(chan struct{})
	r.closing[room.id] = done
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.closing, room.id)
		r.mu.Unlock()
		close(done)
		metrics.OpenRooms.Dec()
	}()

	room.flush()
	if r.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.StoreTimeout)
		defer cancel()
		if err := r.archive.Put(ctx, room.id, room.State()); err != nil {
			log.Printf("collab: archive %s: %v", room.id, err)
		}
	}
	log.Printf("collab: evicted %s", room.id)
}

// Room returns the open room for documentID, if any.
func (r *Registry) Room(documentID string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[documentID]
	return room, ok
}

// Len returns the number of open rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// DeliverRemote merges an update received from another instance into the
// local room, if the document is open here.
func (r *Registry) DeliverRemote(documentID string, update []byte) {
	room, ok := r.Room(documentID)
	if !ok {
		return
	}
	if err := room.ApplyRemote(update); err != nil && !errors.Is(err, ydoc.ErrCorruptUpdate) {
		log.Printf("collab: remote update for %s: %v", documentID, err)
	}
}

// Close flushes every open room. Rooms stay registered.
func (r *Registry) Close() {
	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()
	for _, room := range rooms {
		room.flush()
	}
}
