package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"grimoire/collab/internal/metrics"
	"grimoire/collab/internal/ydoc"
)

// Peer receives frames broadcast by a room. Send must not block.
type Peer interface {
	Send(frame []byte) bool
}

// Room is the authoritative replica of one document and its local peers.
type Room struct {
	id       string
	registry *Registry
	doc      *ydoc.Doc
	refs     int // guarded by registry.mu

	mu         sync.Mutex
	peers      map[Peer]struct{}
	dirty      bool
	writer     Principal
	dirtySince time.Time
	timer      *time.Timer
}

func newRoom(registry *Registry, id string, doc *ydoc.Doc) *Room {
	return &Room{
		id:       id,
		registry: registry,
		doc:      doc,
		peers:    make(map[Peer]struct{}),
	}
}

func (r *Room) ID() string {
	return r.id
}

// State encodes the full replica state.
func (r *Room) State() []byte {
	return r.doc.Encode()
}

// Join sends p the current state and adds it to the broadcast set, so no
// update can reach p ahead of its initial sync.
func (r *Room) Join(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !p.Send(encodeFrame(FrameSync, r.doc.Encode())) {
		return false
	}
	r.peers[p] = struct{}{}
	return true
}

func (r *Room) Leave(p Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, p)
}

// Apply merges update from a local connection, broadcasts it to the other
// peers and to other instances, and schedules a store on behalf of writer.
func (r *Room) Apply(ctx context.Context, from Peer, writer Principal, update []byte) error {
	r.mu.Lock()
	changed, err := r.doc.Apply(update)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("apply update to %s: %w", r.id, err)
	}
	if !changed {
		r.mu.Unlock()
		return nil
	}
	r.broadcastLocked(from, encodeFrame(FrameUpdate, update))
	storeNow := r.markDirtyLocked(writer)
	r.mu.Unlock()

	metrics.UpdatesApplied.WithLabelValues("local").Inc()
	if pub := r.registry.publisher; pub != nil {
		if err := pub.Publish(ctx, r.id, update); err != nil {
			log.Printf("collab: %v", err)
		}
	}
	if storeNow {
		r.flush()
	}
	return nil
}

// ApplyRemote merges update published by another instance. The publishing
// instance stores it, so no store is scheduled here.
func (r *Room) ApplyRemote(update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed, err := r.doc.Apply(update)
	if err != nil {
		return fmt.Errorf("apply remote update to %s: %w", r.id, err)
	}
	if changed {
		r.broadcastLocked(nil, encodeFrame(FrameUpdate, update))
		metrics.UpdatesApplied.WithLabelValues("remote").Inc()
	}
	return nil
}

func (r *Room) broadcastLocked(from Peer, frame []byte) {
	for p := range r.peers {
		if p == from {
			continue
		}
		if !p.Send(frame) {
			delete(r.peers, p)
		}
	}
}

// markDirtyLocked records a pending store and (re)arms the debounce timer. It
// reports whether the caller should store immediately.
func (r *Room) markDirtyLocked(writer Principal) bool {
	r.writer = writer
	cfg := r.registry.cfg
	if cfg.StoreDebounce <= 0 {
		r.dirty = true
		return true
	}
	now := time.Now()
	if !r.dirty {
		r.dirty = true
		r.dirtySince = now
	}
	delay := cfg.StoreDebounce
	if cfg.StoreMaxWait > 0 {
		if remaining := cfg.StoreMaxWait - now.Sub(r.dirtySince); remaining < delay {
			delay = max(remaining, 0)
		}
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, r.flush)
	return false
}

// flush stores the replica if it changed since the last store. Store errors are
// logged and never propagated.
func (r *Room) flush() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if !r.dirty {
		r.mu.Unlock()
		return
	}
	r.dirty = false
	writer := r.writer
	state := r.doc.Encode()
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.registry.cfg.StoreTimeout)
	defer cancel()
	err := r.registry.docs.Store(ctx, r.id, writer, state)
	metrics.ObserveStore(err)
	if err != nil {
		log.Printf("collab: store %s: %v", r.id, err)
	}
}
