// Package ydoc implements the replicated document state shared by collaboration
// connections. A document is a map of last-writer-wins registers keyed by path.
// Merging keeps, per key, the register with the greatest (clock, client) pair, so
// applying the same set of updates in any order and any number of times yields the
// same state.
package ydoc

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Register is a single last-writer-wins cell.
type Register struct {
	Key    string          `json:"k"`
	Clock  uint64          `json:"t"`
	Client uint64          `json:"c"`
	Value  json.RawMessage `json:"v"`
}

// newerThan defines the total order used by merge. Equal (clock, client) pairs only
// occur for the same write, the value comparison keeps the order total anyway.
func (r Register) newerThan(other Register) bool {
	if r.Clock != other.Clock {
		return r.Clock > other.Clock
	}
	if r.Client != other.Client {
		return r.Client > other.Client
	}
	return bytes.Compare(r.Value, other.Value) > 0
}

// IsNull reports whether the register holds a JSON null (a cleared value).
func (r Register) IsNull() bool {
	return len(r.Value) == 0 || string(r.Value) == "null"
}

// Doc is one replica. It is safe for concurrent use.
type Doc struct {
	mu        sync.RWMutex
	client    uint64
	clock     uint64
	registers map[string]Register
}

// New creates an empty replica writing as client. A zero client gets a random id.
func New(client uint64) *Doc {
	if client == 0 {
		client = NewClientID()
	}
	return &Doc{
		client:    client,
		registers: make(map[string]Register),
	}
}

// NewClientID returns a random non-zero client identifier.
func NewClientID() uint64 {
	var buf [8]byte
	for {
		_, _ = rand.Read(buf[:])
		if id := binary.BigEndian.Uint64(buf[:]); id != 0 {
			return id
		}
	}
}

// Decode builds a replica from an encoded state or update.
func Decode(state []byte) (*Doc, error) {
	doc := New(0)
	if len(state) == 0 {
		return doc, nil
	}
	if _, err := doc.Apply(state); err != nil {
		return nil, err
	}
	return doc, nil
}

func (d *Doc) ClientID() uint64 {
	return d.client
}

// Len returns the number of registers, cleared ones included.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.registers)
}

// Apply merges an encoded update into the replica and reports whether any
// register changed.
func (d *Doc) Apply(update []byte) (bool, error) {
	incoming, err := decodeRegisters(update)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	changed := false
	for _, reg := range incoming {
		if reg.Clock > d.clock {
			d.clock = reg.Clock
		}
		current, ok := d.registers[reg.Key]
		if ok && !reg.newerThan(current) {
			continue
		}
		d.registers[reg.Key] = reg
		changed = true
	}
	return changed, nil
}

// Get returns the raw JSON value of key. Cleared registers report ok=false.
func (d *Doc) Get(key string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.registers[key]
	if !ok || reg.IsNull() {
		return nil, false
	}
	return reg.Value, true
}

// Keys returns the sorted keys with the given prefix, cleared registers excluded.
func (d *Doc) Keys(prefix string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	keys := make([]string, 0)
	for key, reg := range d.registers {
		if reg.IsNull() || !strings.HasPrefix(key, prefix) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Encode returns the whole replica state in update form.
func (d *Doc) Encode() []byte {
	d.mu.RLock()
	regs := make([]Register, 0, len(d.registers))
	for _, reg := range d.registers {
		regs = append(regs, reg)
	}
	d.mu.RUnlock()
	return encodeRegisters(regs)
}

// Txn collects local writes made inside Transact.
type Txn struct {
	doc    *Doc
	writes map[string]Register
}

// Set writes value (marshalled as JSON) to key.
func (tx *Txn) Set(key string, value any) error {
	if key == "" {
		return fmt.Errorf("ydoc: empty key")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ydoc: marshal %s: %w", key, err)
	}
	tx.doc.clock++
	tx.writes[key] = Register{Key: key, Clock: tx.doc.clock, Client: tx.doc.client, Value: raw}
	return nil
}

// Clear resets key to null.
func (tx *Txn) Clear(key string) error {
	return tx.Set(key, nil)
}

// Has reports whether key holds a live value, counting writes made earlier in
// the same transaction.
func (tx *Txn) Has(key string) bool {
	if reg, ok := tx.writes[key]; ok {
		return !reg.IsNull()
	}
	reg, ok := tx.doc.registers[key]
	return ok && !reg.IsNull()
}

// Keys lists live keys under prefix, including writes made earlier in the same
// transaction.
func (tx *Txn) Keys(prefix string) []string {
	seen := make(map[string]bool)
	for key, reg := range tx.doc.registers {
		if strings.HasPrefix(key, prefix) {
			seen[key] = !reg.IsNull()
		}
	}
	for key, reg := range tx.writes {
		if strings.HasPrefix(key, prefix) {
			seen[key] = !reg.IsNull()
		}
	}
	keys := make([]string, 0, len(seen))
	for key, live := range seen {
		if live {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Transact runs fn with exclusive access and applies its writes atomically. The
// returned update carries only the registers written by fn.
func (d *Doc) Transact(fn func(tx *Txn) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Txn{doc: d, writes: make(map[string]Register)}
	if err := fn(tx); err != nil {
		return nil, err
	}
	regs := make([]Register, 0, len(tx.writes))
	for key, reg := range tx.writes {
		d.registers[key] = reg
		regs = append(regs, reg)
	}
	return encodeRegisters(regs), nil
}

// ApplyUpdate merges delta into doc.
func ApplyUpdate(doc *Doc, delta []byte) error {
	_, err := doc.Apply(delta)
	return err
}

// EncodeStateAsUpdate encodes the full state of doc. Equal states encode to equal
// bytes.
func EncodeStateAsUpdate(doc *Doc) []byte {
	return doc.Encode()
}
