// Package notify tells server owners and console-permitted sub-users about new errors.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/kiranshivaraju/luawatch/pkg/models"
)

// Notifier delivers a new-error notification for a server.
type Notifier interface {
	Notify(ctx context.Context, server models.MonitoredServer, rec *models.ErrorRecord) error
}

// Notification is the payload sent to each recipient.
type Notification struct {
	Recipient  string    `json:"recipient"`
	ServerID   string    `json:"server_id"`
	ServerName string    `json:"server_name"`
	RecordID   string    `json:"record_id"`
	Category   string    `json:"category"`
	Origin     string    `json:"origin"`
	Message    string    `json:"message"`
	FirstSeen  time.Time `json:"first_seen"`
}

// Build returns one notification per recipient of server.
func Build(server models.MonitoredServer, rec *models.ErrorRecord) []Notification {
	recipients := server.NotificationRecipients()
	out := make([]Notification, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, Notification{
			Recipient:  r,
			ServerID:   server.ID,
			ServerName: server.Name,
			RecordID:   rec.ID.String(),
			Category:   rec.Category,
			Origin:     rec.Origin,
			Message:    rec.Message,
			FirstSeen:  rec.FirstSeen,
		})
	}
	return out
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, server models.MonitoredServer, rec *models.ErrorRecord) error {
	for _, n := range Build(server, rec) {
		slog.Info("new lua error",
			"recipient", n.Recipient,
			"server_id", n.ServerID,
			"record_id", n.RecordID,
			"category", n.Category,
			"origin", n.Origin,
		)
	}
	return nil
}

// ChannelFor is the Redis pub/sub channel a recipient's notifications go to.
func ChannelFor(recipient string) string {
	return fmt.Sprintf("luawatch:notify:%s", recipient)
}

// RedisNotifier publishes each notification as JSON on the recipient's channel.
type RedisNotifier struct {
	client *redis.Client
}

func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

func (n *RedisNotifier) Notify(ctx context.Context, server models.MonitoredServer, rec *models.ErrorRecord) error {
	for _, msg := range Build(server, rec) {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode notification: %w", err)
		}
		if err := n.client.Publish(ctx, ChannelFor(msg.Recipient), payload).Err(); err != nil {
			return fmt.Errorf("publish notification to %s: %w", msg.Recipient, err)
		}
	}
	return nil
}

var (
	_ Notifier = LogNotifier{}
	_ Notifier = (*RedisNotifier)(nil)
)
