package redisbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"viewingflow/outbox"
)

// streamMaxLen bounds the mirror stream with XADD MAXLEN ~.
const streamMaxLen int64 = 10_000

// Publisher sends outbox payloads over Redis pub/sub. When a stream name is
// set each payload is also appended to that stream so late subscribers can
// catch up.
type Publisher struct {
	rdb    *redis.Client
	stream string
}

func NewPublisher(c *Client) *Publisher {
	return &Publisher{rdb: c.Underlying()}
}

// WithStream mirrors every published payload into the named stream.
func (p *Publisher) WithStream(stream string) *Publisher {
	p.stream = stream
	return p
}

func (p *Publisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := p.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redisbus: publish %s: %w", channel, err)
	}
	if p.stream == "" {
		return nil
	}
	err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"channel": channel, "payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redisbus: stream append %s: %w", p.stream, err)
	}
	return nil
}

// Subscribe streams payloads published on channel until ctx ends. Glob
// patterns use PSUBSCRIBE.
func (p *Publisher) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = p.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = p.rdb.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redisbus: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

var _ outbox.Publisher = (*Publisher)(nil)
