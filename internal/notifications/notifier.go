// Package notifications implements real-time chat delivery: per-user groups,
// websocket clients, presence and the chat session state machine.
package notifications

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"gizchat/internal/observability"

	"github.com/redis/go-redis/v9"
)

const groupChannelPrefix = "groups:"

// Notifier publishes group payloads into Redis so every process holding a
// member of the group can deliver them.
type Notifier struct {
	rdb *redis.Client
}

// NewNotifier creates a new Notifier instance using the provided Redis client.
func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

// Enabled reports whether a Redis client is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.rdb != nil
}

// PublishGroup sends payload to every subscriber of the group's channel.
func (n *Notifier) PublishGroup(ctx context.Context, group string, payload []byte) error {
	if !n.Enabled() {
		return nil
	}
	ctx, span := observability.GetTraceLayer().TraceRedisOperation(ctx, "publish")
	defer span.End()

	if err := n.rdb.Publish(ctx, GroupChannel(group), payload).Err(); err != nil {
		observability.RecordSpanError(span, err)
		return fmt.Errorf("publish %s: %w", group, err)
	}
	return nil
}

// StartGroupSubscriber subscribes to every group channel and calls onMessage
// with the group name and payload. The subscription is confirmed before it
// returns, so publishes that follow are not missed.
func (n *Notifier) StartGroupSubscriber(
	ctx context.Context, onMessage func(group string, payload []byte),
) error {
	if !n.Enabled() {
		return nil
	}
	sub := n.rdb.PSubscribe(ctx, groupChannelPrefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe groups: %w", err)
	}
	ch := sub.Channel()

	go func() {
		defer func() { _ = sub.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				group, found := strings.CutPrefix(msg.Channel, groupChannelPrefix)
				if !found {
					continue
				}
				func() {
					defer func() {
						if r := recover(); r != nil {
							observability.GlobalLogger.Error("panic in group subscriber",
								"group", group, "panic", r, "stack", string(debug.Stack()))
						}
					}()
					onMessage(group, []byte(msg.Payload))
				}()
			}
		}
	}()

	return nil
}

// GroupChannel derives the Redis channel name for a group.
func GroupChannel(group string) string {
	return groupChannelPrefix + group
}

// GroupName is the per-user group every connection of userID joins.
func GroupName(userID uint) string {
	return "chat_" + strconv.FormatUint(uint64(userID), 10)
}
