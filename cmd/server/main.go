package main

import (
	"context"
	"log"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"nextalk-relay/internal/identity"
	"nextalk-relay/internal/presence"
	"nextalk-relay/internal/relay"
	"nextalk-relay/internal/server"
	"nextalk-relay/internal/storage"
)

// chatStore is what both storage backends provide
type chatStore interface {
	server.Store
	relay.Store
	identity.UserStore
	Close()
}

func main() {
	// a missing .env is fine, real environment variables still apply
	_ = godotenv.Load()

	cfg := server.EnvConfig{}
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("Cannot parse env config: %v", err)
	}

	newLogger := zap.NewDevelopment
	if cfg.Production() {
		newLogger = zap.NewProduction
	}
	logger, err := newLogger()
	if err != nil {
		log.Fatalf("zap logger: %v", err)
	}
	defer logger.Sync()

	sugar := logger.Sugar()
	sugar.Info("Application is starting")

	store, err := openStore(sugar, cfg)
	if err != nil {
		sugar.Fatalf("Cannot create store instance: %v", err)
	}

	table := presence.NewTable()
	dispatcher := relay.NewDispatcher(sugar, store, table, relay.StorageTimeout(cfg.StorageTimeout))
	directory := identity.NewDirectory(sugar, store, cfg.JWTSecret, cfg.JWTTTL)

	serverOpts := []server.Option{
		server.WithEnvConfig(cfg),
		server.ReadTimeout(5 * time.Second),
		server.RequestTimeout(cfg.StorageTimeout),
		server.RegisterAfterShutdown(func() {
			sugar.Info("Closing store")
			store.Close()
			sugar.Info("Store is closed")
		}),
	}

	srv, err := server.NewServer(sugar, store, dispatcher, table, directory, serverOpts...)
	if err != nil {
		sugar.Fatalf("Cannot create Server instance: %v", err)
	}

	if err := srv.Start(); err != nil {
		sugar.Fatalf("Cannot start http srv: %v", err)
	}
}

func openStore(logger *zap.SugaredLogger, cfg server.EnvConfig) (chatStore, error) {
	switch cfg.StoreDriver {
	case "badger":
		logger.Infof("Using embedded badger store at %s", cfg.BadgerPath)
		return storage.NewBadger(logger, cfg.BadgerPath)
	default:
		var dbCfg storage.Config
		if err := env.Parse(&dbCfg); err != nil {
			return nil, err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		store, err := storage.New(ctx, logger, dbCfg, storage.ConnectionTimeout(30*time.Second))
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
}
