package sessions

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/clawroute/internal/config"
)

// Open selects the session store backend from config: Postgres in managed
// mode, the JSON file store otherwise.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	if cfg.IsManagedMode() {
		slog.Info("opening session store", "backend", "postgres")
		return OpenPG(ctx, cfg.Database.PostgresDSN)
	}
	path := config.ExpandHome(cfg.Session.Store)
	slog.Info("opening session store", "backend", "file", "path", path)
	return NewFileStore(path), nil
}
