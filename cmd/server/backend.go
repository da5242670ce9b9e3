package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/gyaneshwarpardhi/ngsisink/internal/config"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage/badgerstore"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage/dynamo"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage/memory"
	"github.com/gyaneshwarpardhi/ngsisink/internal/storage/sqlitestore"
)

// openBackend opens the storage backend named by conf.Backend.
func openBackend(ctx context.Context, conf config.StorageConf, logger *slog.Logger) (storage.Backend, error) {
	switch conf.Backend {
	case "badger":
		if conf.Path != "" {
			if err := os.MkdirAll(conf.Path, 0o755); err != nil {
				return nil, fmt.Errorf("create badger dir: %w", err)
			}
		}
		s, err := badgerstore.Open(badgerstore.Options{Path: conf.Path, Logger: logger.With("component", "badger")})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite":
		s, err := sqlitestore.Open(ctx, conf.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "dynamodb":
		s, err := dynamo.Open(ctx, dynamo.Options{
			Region:          conf.Region,
			Endpoint:        conf.Endpoint,
			AccessKeyID:     conf.AccessKeyID,
			SecretAccessKey: conf.SecretAccessKey,
			TableWait:       conf.TableWait(),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", conf.Backend)
	}
}
