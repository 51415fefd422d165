package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"grimoire/collab/internal/metrics"
)

// Handler processes one job. A returned error schedules a retry.
type Handler func(ctx context.Context, job Job) error

// promoteScript moves due jobs from the delayed set back onto the update stream.
// KEYS: delayed set, stream. ARGV: now (unix ms), batch size, job field.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, payload in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', ARGV[3], payload)
	redis.call('ZREM', KEYS[1], payload)
end
return #due
`)

const promoteBatch = 100

// Consumer runs a pool of workers reading the update stream as one consumer group.
//
// A job stays pending only while its handler runs. Failed attempts are
// acknowledged and wait in the delayed set until their backoff elapses. A running
// handler keeps refreshing its entry's idle time.
type Consumer struct {
	client  *redis.Client
	cfg     Config
	handler Handler
	now     func() time.Time
}

func NewConsumer(client *redis.Client, cfg Config, handler Handler) *Consumer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.DelayedSet == "" {
		cfg.DelayedSet = cfg.Stream + ":delayed"
	}
	return &Consumer{client: client, cfg: cfg, handler: handler, now: time.Now}
}

// EnsureGroup creates the consumer group, starting from the beginning of the
// stream so jobs enqueued before the first worker started are not skipped.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	log.Printf("relay: consuming %s as %s/%s with %d workers", c.cfg.Stream, c.cfg.Group, c.cfg.Consumer, c.cfg.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.work(ctx, fmt.Sprintf("%s-%d", c.cfg.Consumer, worker))
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.promoteLoop(ctx)
	}()
	if c.cfg.ClaimIdle > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.reclaimLoop(ctx)
		}()
	}
	wg.Wait()
	return nil
}

func (c *Consumer) work(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		handled, err := c.processOnce(ctx, consumer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("relay: read %s: %v", c.cfg.Stream, err)
			sleep(ctx, c.cfg.PollInterval)
			continue
		}
		if !handled && c.cfg.BlockTimeout <= 0 {
			sleep(ctx, c.cfg.PollInterval)
		}
	}
}

// processOnce reads and handles at most one job as consumer. It reports whether
// a job was handled.
func (c *Consumer) processOnce(ctx context.Context, consumer string) (bool, error) {
	msgs, err := c.read(ctx, consumer)
	if err != nil || len(msgs) == 0 {
		return false, err
	}
	for _, msg := range msgs {
		c.process(ctx, consumer, msg)
	}
	return true, nil
}

func (c *Consumer) read(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	block := c.cfg.BlockTimeout
	if block <= 0 {
		block = -1
	}
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var msgs []redis.XMessage
	for _, s := range streams {
		msgs = append(msgs, s.Messages...)
	}
	return msgs, nil
}

func (c *Consumer) process(ctx context.Context, consumer string, msg redis.XMessage) {
	job, err := decodeJob(msg)
	if err != nil {
		log.Printf("relay: dropping undecodable message %s: %v", msg.ID, err)
		c.park(ctx, msg.ID, Job{ID: msg.ID, LastError: err.Error()})
		return
	}

	err = c.handleHeld(ctx, consumer, msg.ID, job)
	if err == nil {
		if err := addJob(ctx, c.client, c.cfg.CompletedStream, job, c.cfg.KeepCompleted); err != nil {
			log.Printf("relay: record completed job %s: %v", job.ID, err)
		}
		c.finish(ctx, msg.ID)
		metrics.RelayJobs.WithLabelValues("completed").Inc()
		return
	}

	job.Attempt++
	job.LastError = err.Error()
	if job.Attempt >= c.cfg.MaxAttempts {
		log.Printf("relay: job %s for artifact %s failed after %d attempts: %v", job.ID, job.ArtifactID, job.Attempt, err)
		c.park(ctx, msg.ID, job)
		return
	}

	delay := c.retryDelay(job.Attempt)
	log.Printf("relay: job %s for artifact %s failed (attempt %d), retrying in %s: %v", job.ID, job.ArtifactID, job.Attempt, delay, err)
	if err := c.delay(ctx, msg.ID, job, delay); err != nil {
		// Left pending; reclaimed once idle.
		log.Printf("relay: delay job %s: %v", job.ID, err)
		return
	}
	metrics.RelayJobs.WithLabelValues("retried").Inc()
}

// handleHeld runs the handler while keeping msgID claimed by consumer.
func (c *Consumer) handleHeld(ctx context.Context, consumer, msgID string, job Job) error {
	if c.cfg.ClaimIdle <= 0 {
		return c.handle(ctx, job)
	}
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(ctx, consumer, msgID, stop)
	}()
	err := c.handle(ctx, job)
	close(stop)
	wg.Wait()
	return err
}

// heartbeat re-claims msgID for its current consumer, resetting its idle time.
func (c *Consumer) heartbeat(ctx context.Context, consumer, msgID string, stop <-chan struct{}) {
	interval := c.cfg.ClaimIdle / 3
	if interval <= 0 {
		interval = c.cfg.ClaimIdle
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := c.client.XClaimJustID(ctx, &redis.XClaimArgs{
				Stream:   c.cfg.Stream,
				Group:    c.cfg.Group,
				Consumer: consumer,
				Messages: []string{msgID},
			}).Err()
			if err != nil && ctx.Err() == nil {
				log.Printf("relay: heartbeat %s: %v", msgID, err)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

// delay acknowledges msgID and schedules job to reappear on the stream after d.
func (c *Consumer) delay(ctx context.Context, msgID string, job Job, d time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	due := c.now().Add(d).UnixMilli()

	pipe := c.client.TxPipeline()
	pipe.ZAdd(ctx, c.cfg.DelayedSet, redis.Z{Score: float64(due), Member: string(payload)})
	pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, msgID)
	pipe.XDel(ctx, c.cfg.Stream, msgID)
	_, err = pipe.Exec(ctx)
	return err
}

// promoteDue moves delayed jobs whose retry time has passed back onto the stream.
func (c *Consumer) promoteDue(ctx context.Context) (int, error) {
	n, err := promoteScript.Run(ctx, c.client,
		[]string{c.cfg.DelayedSet, c.cfg.Stream},
		strconv.FormatInt(c.now().UnixMilli(), 10), promoteBatch, fieldJob,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

func (c *Consumer) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.promoteDue(ctx); err != nil && ctx.Err() == nil {
				log.Printf("relay: %v", err)
			}
		}
	}
}

func (c *Consumer) park(ctx context.Context, msgID string, job Job) {
	if err := addJob(ctx, c.client, c.cfg.FailedStream, job, c.cfg.KeepFailed); err != nil {
		log.Printf("relay: park job %s: %v", job.ID, err)
		return
	}
	c.finish(ctx, msgID)
	metrics.RelayJobs.WithLabelValues("failed").Inc()
}

// finish acknowledges msgID and removes it from the update stream.
func (c *Consumer) finish(ctx context.Context, msgID string) {
	pipe := c.client.TxPipeline()
	pipe.XAck(ctx, c.cfg.Stream, c.cfg.Group, msgID)
	pipe.XDel(ctx, c.cfg.Stream, msgID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("relay: ack %s: %v", msgID, err)
	}
}

func (c *Consumer) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	if c.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = c.cfg.RetryInitialInterval
	}
	if c.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = c.cfg.RetryMaxInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (c *Consumer) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.ClaimIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.reclaim(ctx)
		}
	}
}

// reclaim takes over jobs left pending by consumers that stopped before
// acknowledging them.
func (c *Consumer) reclaim(ctx context.Context) {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.ClaimIdle,
		Start:  "-",
		End:    "+",
		Count:  100,
	}).Result()
	if err != nil {
		log.Printf("relay: list pending: %v", err)
		return
	}

	var ids []string
	for _, p := range pending {
		if p.Idle >= c.cfg.ClaimIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return
	}

	claimer := c.cfg.Consumer + "-reclaim"
	msgs, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: claimer,
		MinIdle:  c.cfg.ClaimIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		log.Printf("relay: claim pending: %v", err)
		return
	}
	for _, msg := range msgs {
		log.Printf("relay: reclaimed %s after %s idle", msg.ID, c.cfg.ClaimIdle)
		c.process(ctx, claimer, msg)
	}
}

// sleep waits for d or until ctx is done, reporting whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
