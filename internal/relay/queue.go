package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Stream          string
	CompletedStream string
	FailedStream    string
	DelayedSet      string // failed jobs awaiting retry, scored by due unix ms
	Group           string
	Consumer        string

	Concurrency   int
	MaxAttempts   int
	KeepCompleted int64
	KeepFailed    int64

	// BlockTimeout <= 0 reads without blocking and sleeps PollInterval when idle.
	BlockTimeout time.Duration
	PollInterval time.Duration
	ClaimIdle    time.Duration
	DedupWindow  time.Duration

	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

func DefaultConfig() Config {
	return Config{
		Stream:               "relay:artifact-updates",
		CompletedStream:      "relay:artifact-updates:completed",
		FailedStream:         "relay:artifact-updates:failed",
		DelayedSet:           "relay:artifact-updates:delayed",
		Group:                "reconcilers",
		Consumer:             "worker",
		Concurrency:          4,
		MaxAttempts:          5,
		KeepCompleted:        1000,
		KeepFailed:           5000,
		BlockTimeout:         5 * time.Second,
		PollInterval:         250 * time.Millisecond,
		ClaimIdle:            time.Minute,
		DedupWindow:          30 * time.Second,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
	}
}

const (
	fieldJob         = "job"
	fieldFinishedAt  = "finished_at"
	dedupKeyPrefix   = "relay:dedup:"
	busyGroupMessage = "BUSYGROUP"
)

// Producer appends jobs to the update stream.
type Producer struct {
	client *redis.Client
	cfg    Config
}

func NewProducer(client *redis.Client, cfg Config) *Producer {
	return &Producer{client: client, cfg: cfg}
}

// Enqueue appends job to the stream. It reports false, without error, when an
// identical transition was enqueued within the dedup window.
func (p *Producer) Enqueue(ctx context.Context, job Job) (bool, error) {
	if p.cfg.DedupWindow > 0 {
		ok, err := p.client.SetNX(ctx, dedupKeyPrefix+job.Fingerprint(), job.ID, p.cfg.DedupWindow).Result()
		if err != nil {
			return false, fmt.Errorf("relay dedup: %w", err)
		}
		if !ok {
			log.Printf("relay: skipped duplicate job for artifact %s", job.ArtifactID)
			return false, nil
		}
	}
	if err := addJob(ctx, p.client, p.cfg.Stream, job, 0); err != nil {
		return false, err
	}
	return true, nil
}

// Entry is a job recorded in the completed or failed stream.
type Entry struct {
	StreamID   string    `json:"streamId"`
	Job        Job       `json:"job"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Failed returns up to count parked jobs, newest first.
func (p *Producer) Failed(ctx context.Context, count int64) ([]Entry, error) {
	return readEntries(ctx, p.client, p.cfg.FailedStream, count)
}

// Completed returns up to count completed jobs, newest first.
func (p *Producer) Completed(ctx context.Context, count int64) ([]Entry, error) {
	return readEntries(ctx, p.client, p.cfg.CompletedStream, count)
}

func addJob(ctx context.Context, client *redis.Client, stream string, job Job, maxLen int64) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	values := map[string]any{fieldJob: string(payload)}
	if maxLen > 0 {
		values[fieldFinishedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	// Trimming is a separate exact XTRIM in the same transaction so the stream
	// never holds more than maxLen entries.
	pipe := client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values})
	if maxLen > 0 {
		pipe.XTrimMaxLen(ctx, stream, maxLen)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

func decodeJob(msg redis.XMessage) (Job, error) {
	raw, ok := msg.Values[fieldJob].(string)
	if !ok {
		return Job{}, fmt.Errorf("message %s has no job field", msg.ID)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, fmt.Errorf("decode job %s: %w", msg.ID, err)
	}
	return job, nil
}

func readEntries(ctx context.Context, client *redis.Client, stream string, count int64) ([]Entry, error) {
	if count <= 0 {
		count = 100
	}
	msgs, err := client.XRevRangeN(ctx, stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", stream, err)
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		job, err := decodeJob(msg)
		if err != nil {
			continue
		}
		entry := Entry{StreamID: msg.ID, Job: job}
		if raw, ok := msg.Values[fieldFinishedAt].(string); ok {
			entry.FinishedAt, _ = time.Parse(time.RFC3339Nano, raw)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), busyGroupMessage)
}
