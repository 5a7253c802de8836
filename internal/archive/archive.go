// Package archive pushes finished-game records onto a Redis queue for the
// historian service to persist. Publishing is fire-and-forget from the
// session manager's point of view: a failed push is logged, never surfaced
// to the player who made the finishing move.
package archive

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/models"
	"github.com/skovert/arbiter/internal/session"
)

// DefaultQueueName is the Redis list the historian drains.
const DefaultQueueName = "arbiter_finished_games"

// Record is the compact summary of one finished session.
type Record struct {
	SessionID       string        `json:"session_id"`
	Mode            models.Mode   `json:"mode"`
	PlayerA         string        `json:"player_a"`
	PlayerB         string        `json:"player_b"`
	Winner          *models.Slot  `json:"winner"`
	Reason          models.Reason `json:"reason"`
	MoveCount       int           `json:"move_count"`
	DurationSeconds float64       `json:"duration_seconds"`
	FinishedAt      int64         `json:"finished_at"`
}

// Publisher serializes records onto the queue.
type Publisher struct {
	rdb   *redis.Client
	queue string
	log   *logrus.Logger
}

// NewPublisher wraps a connected client. An empty queue name uses the
// default.
func NewPublisher(rdb *redis.Client, queue string, logger *logrus.Logger) *Publisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Publisher{rdb: rdb, queue: queue, log: logger}
}

// Publish pushes one record onto the queue.
func (p *Publisher) Publish(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal archive record: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to %q: %w", p.queue, err)
	}
	return nil
}

// Hook adapts the publisher into a session finished-hook. Local sessions
// are archived too; their records are the only trace they leave.
func (p *Publisher) Hook() session.FinishedHook {
	return func(ctx context.Context, s *models.Session) {
		if s.Result == nil {
			return
		}
		rec := Record{
			SessionID:       s.ID,
			Mode:            s.Mode,
			PlayerA:         s.PlayerA,
			PlayerB:         s.PlayerB,
			Winner:          s.Result.Winner,
			Reason:          s.Result.Reason,
			MoveCount:       len(s.Moves),
			DurationSeconds: s.LastActionAt.Sub(s.CreatedAt).Seconds(),
			FinishedAt:      s.LastActionAt.Unix(),
		}
		if err := p.Publish(ctx, rec); err != nil {
			p.log.WithError(err).WithField("session", s.ID).Warn("failed to archive finished game")
		}
	}
}
