// Package relay moves replica store events from the collaboration server to the
// reconciliation workers over Redis Streams.
package relay

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/blake2b"

	"grimoire/collab/internal/util"
)

// Job is one store event: the artifact's persisted binary state before and after.
type Job struct {
	ID         string    `json:"id"`
	ArtifactID string    `json:"artifactId"`
	UserID     string    `json:"userId"`
	OldState   string    `json:"oldBinaryStateBase64"`
	NewState   string    `json:"newBinaryStateBase64"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
	LastError  string    `json:"lastError,omitempty"`
}

func NewJob(artifactID, userID string, oldState, newState []byte) Job {
	return Job{
		ID:         util.NewID("job"),
		ArtifactID: artifactID,
		UserID:     userID,
		OldState:   base64.StdEncoding.EncodeToString(oldState),
		NewState:   base64.StdEncoding.EncodeToString(newState),
		EnqueuedAt: time.Now().UTC(),
	}
}

// States decodes the old and new binary states.
func (j Job) States() ([]byte, []byte, error) {
	oldState, err := base64.StdEncoding.DecodeString(j.OldState)
	if err != nil {
		return nil, nil, fmt.Errorf("decode old state: %w", err)
	}
	newState, err := base64.StdEncoding.DecodeString(j.NewState)
	if err != nil {
		return nil, nil, fmt.Errorf("decode new state: %w", err)
	}
	return oldState, newState, nil
}

// Fingerprint identifies the (artifact, old, new) transition independent of
// job id and attempt.
func (j Job) Fingerprint() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(j.ArtifactID))
	h.Write([]byte{0})
	h.Write([]byte(j.OldState))
	h.Write([]byte{0})
	h.Write([]byte(j.NewState))
	return hex.EncodeToString(h.Sum(nil))
}
