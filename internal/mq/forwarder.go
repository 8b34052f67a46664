package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"millwork/internal/feed"
	"millwork/internal/logger"
)

// Publisher is the broker side of a Forwarder. *Client implements it.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers map[string]any) error
}

// RoutingKey is "<table>.<op>", e.g. "tasks.update".
func RoutingKey(c feed.Change) string {
	return fmt.Sprintf("%s.%s", c.Table, c.Op)
}

// Forwarder drains a feed tap into the exchange. Optimistic changes are not
// forwarded; consumers only see what was committed.
type Forwarder struct {
	Pub      Publisher
	Exchange string
	Log      *logger.Logger
	Timeout  time.Duration
}

// Run forwards until the subscription closes or ctx is done. A failed
// publish is logged and skipped.
func (f *Forwarder) Run(ctx context.Context, sub feed.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c, ok := <-sub.Changes:
			if !ok {
				return nil
			}
			if c.Optimistic {
				continue
			}
			if err := f.Forward(ctx, c); err != nil {
				f.Log.Error("mq.publish_failed", err, logger.Fields{"routing_key": RoutingKey(c), "key": c.Key})
			}
		}
	}
}

// Forward publishes a single change.
func (f *Forwarder) Forward(ctx context.Context, c feed.Change) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return f.Pub.Publish(ctx, f.Exchange, RoutingKey(c), body, map[string]any{
		"table": c.Table,
		"op":    string(c.Op),
	})
}
