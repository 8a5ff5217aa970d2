package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/omnibrowser/jobcore/event"
)

// Transport publishes events over Redis pub/sub. Subscribers listen on
// the per-job channel name from event.Channel.
type Transport struct {
	client goredis.UniversalClient
}

var _ event.Transport = (*Transport)(nil)

// NewTransport creates a pub/sub transport. The caller owns the client.
func NewTransport(client goredis.UniversalClient) *Transport {
	return &Transport{client: client}
}

// Publish sends the marshalled event on the given channel. Zero
// subscribers is not an error: pub/sub is fire-and-forget.
func (t *Transport) Publish(ctx context.Context, channel string, data []byte) error {
	if err := t.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("jobcore/redis: publish: %w", err)
	}
	return nil
}
