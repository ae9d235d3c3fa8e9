package repository

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/msfg/taxdoc/internal/common"
)

func openPostgres(ctx context.Context, cfg common.StoreConfig, logger *slog.Logger) (Store, error) {
	logger.Info("store.connecting", "driver", "postgres")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.ConnConfig.RuntimeParams["application_name"] = "taxdoc"

	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(dialCtx, pc)
	if err != nil {
		logger.Error("store.connect.failed", "error", err)
		return nil, err
	}

	db := stdlib.OpenDBFromPool(pool)
	return newSQLStore(ctx, db, "postgres", pool.Close, logger)
}
