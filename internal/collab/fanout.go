package collab

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"grimoire/collab/internal/util"
)

const fanoutChannelPrefix = "collab:doc:"

// Fanout relays update deltas between server instances over Redis Pub/Sub.
// Each payload is prefixed with the publishing instance's origin id so an
// instance can ignore its own messages.
type Fanout struct {
	client *redis.Client
	origin string
}

func NewFanout(client *redis.Client) *Fanout {
	return &Fanout{client: client, origin: util.ShortID("node")}
}

func (f *Fanout) Origin() string {
	return f.origin
}

// Publish sends update for documentID to the other instances.
func (f *Fanout) Publish(ctx context.Context, documentID string, update []byte) error {
	payload := make([]byte, 0, len(f.origin)+1+len(update))
	payload = append(payload, f.origin...)
	payload = append(payload, '\n')
	payload = append(payload, update...)
	if err := f.client.Publish(ctx, fanoutChannelPrefix+documentID, payload).Err(); err != nil {
		return fmt.Errorf("publish update for %s: %w", documentID, err)
	}
	return nil
}

// Run delivers updates published by other instances until ctx is done.
func (f *Fanout) Run(ctx context.Context, deliver func(documentID string, update []byte)) error {
	sub := f.client.PSubscribe(ctx, fanoutChannelPrefix+"*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s*: %w", fanoutChannelPrefix, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			origin, update, ok := splitPayload([]byte(msg.Payload))
			if !ok {
				log.Printf("collab: dropping malformed fanout message on %s", msg.Channel)
				continue
			}
			if origin == f.origin {
				continue
			}
			deliver(strings.TrimPrefix(msg.Channel, fanoutChannelPrefix), update)
		}
	}
}

func splitPayload(payload []byte) (string, []byte, bool) {
	i := bytes.IndexByte(payload, '\n')
	if i <= 0 {
		return "", nil, false
	}
	return string(payload[:i]), payload[i+1:], true
}
