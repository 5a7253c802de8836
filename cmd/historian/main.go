// cmd/historian drains the finished-game queue from Redis and persists the
// records to Postgres. It runs as a separate process so a slow or down
// database never backpressures the coordination service.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/archive"
	"github.com/skovert/arbiter/internal/config"
	"github.com/skovert/arbiter/internal/database"
)

// Historian accumulates popped records and flushes them in batched
// transactions.
type Historian struct {
	rdb        *redis.Client
	pool       *pgxpool.Pool
	log        *logrus.Logger
	queue      string
	batchSize  int
	flushDelay time.Duration

	batchMu sync.Mutex
	batch   []archive.Record
}

func newHistorian(rdb *redis.Client, pool *pgxpool.Pool, logger *logrus.Logger) *Historian {
	queue := config.GetEnv("ARCHIVE_QUEUE_NAME", archive.DefaultQueueName)
	return &Historian{
		rdb:        rdb,
		pool:       pool,
		log:        logger,
		queue:      queue,
		batchSize:  config.GetEnvInt("HISTORIAN_BATCH_SIZE", 20),
		flushDelay: time.Duration(config.GetEnvInt("HISTORIAN_FLUSH_MS", 500)) * time.Millisecond,
	}
}

// Run pops records until the context ends, flushing on size or on a timer,
// then drains the final partial batch.
func (h *Historian) Run(ctx context.Context) {
	ticker := time.NewTicker(h.flushDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.flush(context.Background())
			return
		case <-ticker.C:
			h.flush(ctx)
		default:
			// A short BLPop timeout keeps shutdown responsive.
			res, err := h.rdb.BLPop(ctx, 3*time.Second, h.queue).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) || ctx.Err() != nil {
					continue
				}
				h.log.WithError(err).Error("blpop failed")
				time.Sleep(time.Second)
				continue
			}
			if len(res) < 2 {
				continue
			}
			var rec archive.Record
			if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
				h.log.WithError(err).Warn("discarding malformed archive record")
				continue
			}
			h.append(ctx, rec)
		}
	}
}

func (h *Historian) append(ctx context.Context, rec archive.Record) {
	h.batchMu.Lock()
	h.batch = append(h.batch, rec)
	full := len(h.batch) >= h.batchSize
	h.batchMu.Unlock()
	if full {
		h.flush(ctx)
	}
}

// flush writes the pending batch in one transaction. Duplicate session ids
// (a game re-queued after a crash) update in place rather than erroring.
func (h *Historian) flush(ctx context.Context) {
	h.batchMu.Lock()
	if len(h.batch) == 0 {
		h.batchMu.Unlock()
		return
	}
	pending := h.batch
	h.batch = nil
	h.batchMu.Unlock()

	err := pgx.BeginTxFunc(ctx, h.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, rec := range pending {
			if err := insertRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		h.log.WithError(err).Error("failed to flush batch; requeueing")
		h.batchMu.Lock()
		h.batch = append(pending, h.batch...)
		h.batchMu.Unlock()
		return
	}
	h.log.WithField("count", len(pending)).Debug("flushed finished games")
}

func insertRecord(ctx context.Context, tx pgx.Tx, rec archive.Record) error {
	q := `
		INSERT INTO finished_games (
			session_id, mode, player_a, player_b, winner, reason,
			move_count, duration_seconds, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			winner = EXCLUDED.winner,
			reason = EXCLUDED.reason,
			move_count = EXCLUDED.move_count,
			duration_seconds = EXCLUDED.duration_seconds,
			finished_at = EXCLUDED.finished_at
	`
	var winner *string
	if rec.Winner != nil {
		w := string(*rec.Winner)
		winner = &w
	}
	_, err := tx.Exec(ctx, q,
		rec.SessionID, string(rec.Mode), rec.PlayerA, rec.PlayerB, winner,
		string(rec.Reason), rec.MoveCount, rec.DurationSeconds,
		time.Unix(rec.FinishedAt, 0).UTC(),
	)
	return err
}

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("failed to connect to redis at %s: %v", cfg.RedisAddr, err)
	}
	defer rdb.Close()

	pool, err := database.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatalf("failed to migrate: %v", err)
	}

	logger.Info("historian started")
	newHistorian(rdb, pool, logger).Run(ctx)
	logger.Info("historian shutdown complete")
}
