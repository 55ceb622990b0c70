// internal/service/notifier.go
package service

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"compensation-engine/pkg/redis"
)

type ChangeKind string

const (
	ChangeStatus ChangeKind = "status"
	ChangeLevel  ChangeKind = "level"
)

// MemberChange is published when a member's public status or level moves
type MemberChange struct {
	MemberID string     `json:"member_id"`
	Kind     ChangeKind `json:"kind"`
	From     string     `json:"from"`
	To       string     `json:"to"`
	At       time.Time  `json:"at"`
}

// Notifier is implemented by the storefront tag-sync collaborator
type Notifier interface {
	MemberChanged(ctx context.Context, change MemberChange)
}

// LogNotifier only records the change
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) MemberChanged(ctx context.Context, change MemberChange) {
	n.logger.Info("member changed",
		zap.String("member_id", change.MemberID),
		zap.String("kind", string(change.Kind)),
		zap.String("from", change.From),
		zap.String("to", change.To))
}

// RedisNotifier publishes changes as JSON on a pub/sub channel
type RedisNotifier struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisNotifier creates a notifier publishing JSON changes to channel
func NewRedisNotifier(client *redis.Client, channel string, logger *zap.Logger) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel, logger: logger}
}

func (n *RedisNotifier) MemberChanged(ctx context.Context, change MemberChange) {
	payload, err := json.Marshal(change)
	if err != nil {
		n.logger.Error("failed to encode member change", zap.Error(err))
		return
	}
	if err := n.client.Publish(ctx, n.channel, payload); err != nil {
		n.logger.Error("failed to publish member change",
			zap.String("member_id", change.MemberID),
			zap.Error(err))
	}
}

// Notifiers fans a change out to several notifiers
type Notifiers []Notifier

func (ns Notifiers) MemberChanged(ctx context.Context, change MemberChange) {
	for _, n := range ns {
		n.MemberChanged(ctx, change)
	}
}

func notifyAll(ctx context.Context, n Notifier, changes []MemberChange) {
	if n == nil {
		return
	}
	for _, c := range changes {
		n.MemberChanged(ctx, c)
	}
}
