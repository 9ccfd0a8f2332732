package live

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-negotiation/internal/models"
)

// RedisBridge relays ride events through Redis pub/sub on channel
// <prefix><ride_id>.
type RedisBridge struct {
	Client *redis.Client
	Prefix string
}

func NewRedisBridge(client *redis.Client) *RedisBridge {
	return &RedisBridge{Client: client, Prefix: "ride:"}
}

func (b *RedisBridge) Publish(ctx context.Context, ev models.RideEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.Client.Publish(ctx, b.Prefix+ev.RideID, payload).Err()
}

func (b *RedisBridge) Run(ctx context.Context, deliver func(models.RideEvent)) error {
	ps := b.Client.PSubscribe(ctx, b.Prefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !strings.HasPrefix(msg.Channel, b.Prefix) {
				continue
			}
			var ev models.RideEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			deliver(ev)
		}
	}
}
