package kernel

import (
	"context"
	"fmt"
)

// Open constructs a Store for the given backend ("sqlite" or "postgres").
func Open(ctx context.Context, backend, sqlitePath, postgresURL string) (Store, error) {
	switch backend {
	case "", "sqlite":
		return OpenSQLite(ctx, sqlitePath)
	case "postgres", "postgresql":
		if postgresURL == "" {
			return nil, fmt.Errorf("kernel: storage.postgres_url is required for backend %q", backend)
		}
		return OpenPostgres(ctx, postgresURL)
	default:
		return nil, fmt.Errorf("kernel: unknown storage backend %q", backend)
	}
}
