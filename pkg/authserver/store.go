// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/stacklok/authbroker/pkg/authserver/storage"
	"github.com/stacklok/authbroker/pkg/config"
	"github.com/stacklok/authbroker/pkg/errors"
)

// NewStore creates the key-value backend selected by cfg.
func NewStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case config.StorageMemory, "":
		var opts []storage.MemoryStoreOption
		if cfg.CleanupInterval > 0 {
			opts = append(opts, storage.WithCleanupInterval(cfg.CleanupInterval))
		}
		slog.Info("using in-memory session storage; sessions do not survive restarts")
		return storage.NewMemoryStore(opts...), nil

	case config.StorageRedis:
		kv, err := storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:            cfg.Addr,
			Username:        cfg.Username,
			Password:        cfg.Password,
			DB:              cfg.DB,
			KeyPrefix:       cfg.KeyPrefix,
			ConnectAttempts: cfg.ConnectAttempts,
		})
		if err != nil {
			return nil, errors.NewConfigurationError("failed to connect to redis", err)
		}
		slog.Info("using redis session storage", "addr", cfg.Addr)
		return kv, nil

	default:
		return nil, errors.NewConfigurationError(fmt.Sprintf("unknown storage type: %s", cfg.Type), nil)
	}
}
