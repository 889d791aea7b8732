package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	goredis "github.com/redis/go-redis/v9"

	"github.com/zamar-app/gateway/pkg/billing"
	firestoreledger "github.com/zamar-app/gateway/storage/firestore"
	"github.com/zamar-app/gateway/storage/memory"
	"github.com/zamar-app/gateway/storage/postgres"
	redisledger "github.com/zamar-app/gateway/storage/redis"
)

const (
	ledgerNone      = "none"
	ledgerMemory    = "memory"
	ledgerRedis     = "redis"
	ledgerPostgres  = "postgres"
	ledgerFirestore = "firestore"

	connectTimeout = 10 * time.Second
)

func knownLedger(name string) bool {
	switch name {
	case "", ledgerNone, ledgerMemory, ledgerRedis, ledgerPostgres, ledgerFirestore:
		return true
	}
	return false
}

// openLedger connects the configured ledger. The returned close func is never nil.
func openLedger(ctx context.Context, s settings) (billing.EventLedger, func(), error) {
	noop := func() {}

	switch s.ledger {
	case "", ledgerNone:
		return nil, noop, nil

	case ledgerMemory:
		return memory.New(billing.DefaultEventTTL), noop, nil

	case ledgerRedis:
		client := goredis.NewClient(&goredis.Options{Addr: s.redisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("ping redis %s: %w", s.redisAddr, err)
		}
		ledger, err := redisledger.New(client, redisledger.DefaultConfig())
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return ledger, func() { _ = client.Close() }, nil

	case ledgerPostgres:
		if s.postgresDSN == "" {
			return nil, noop, errors.New(flagPostgresDSN + " is required")
		}
		cfg := postgres.DefaultConfig()
		cfg.ConnectionString = s.postgresDSN
		connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		ledger, err := postgres.New(connCtx, cfg)
		if err != nil {
			return nil, noop, err
		}
		return ledger, ledger.Close, nil

	case ledgerFirestore:
		if s.firestoreProject == "" {
			return nil, noop, errors.New(flagFirestoreProject + " is required")
		}
		client, err := firestore.NewClient(ctx, s.firestoreProject)
		if err != nil {
			return nil, noop, err
		}
		ledger, err := firestoreledger.New(client, firestoreledger.Config{})
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return ledger, func() { _ = client.Close() }, nil
	}

	return nil, noop, fmt.Errorf("unknown ledger %q", s.ledger)
}
