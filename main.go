package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/skovert/arbiter/internal/archive"
	"github.com/skovert/arbiter/internal/auth"
	"github.com/skovert/arbiter/internal/config"
	"github.com/skovert/arbiter/internal/handlers"
	"github.com/skovert/arbiter/internal/matchmaking"
	"github.com/skovert/arbiter/internal/rules"
	"github.com/skovert/arbiter/internal/session"
	"github.com/skovert/arbiter/internal/store"
	"github.com/skovert/arbiter/internal/tournament"
)

func main() {
	logger := logrus.New()
	for _, arg := range os.Args[1:] {
		if arg == "-v" {
			logger.SetLevel(logrus.DebugLevel)
		}
	}

	cfg := config.Load()

	if err := auth.Init(); err != nil {
		logger.Fatalf("failed to init auth keys: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalf("failed to connect to redis at %s: %v", cfg.RedisAddr, err)
	}
	defer rdb.Close()
	shared := store.NewRedis(rdb)

	engine := rules.NewClient(cfg.RulesURL)

	sessions := session.NewManager(shared, engine, logger)
	tournaments := tournament.New(shared, logger, tournament.Options{
		InitialPosition: cfg.InitialPosition,
	})
	coordinator := matchmaking.New(shared, logger)
	archiver := archive.NewPublisher(rdb, cfg.ArchiveQueue, logger)

	sessions.OnFinished(tournaments.HandleSessionFinished)
	sessions.OnFinished(archiver.Hook())

	go coordinator.RunPairing(ctx)

	srv := handlers.NewServer(logger, sessions, coordinator, tournaments, shared)
	server := &http.Server{
		Handler:     srv.Routes(),
		ReadTimeout: time.Second * 10,
		// Streaming endpoints hold their connections open; no write timeout.
	}

	l, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatalf("failed to listen: %v", err)
	}
	logger.Infof("listening on %s", l.Addr())

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	select {
	case err := <-errc:
		logger.Errorf("failed to serve: %v", err)
	case <-ctx.Done():
		logger.Info("terminating")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown was not clean")
	}
}
