// Package localstore adapts the agent to the point-of-sale SQL Server
// database. The schema is owned by the POS product and drifts between
// installs, so the adapter self-heals the columns it depends on and treats
// transient contention as retryable rather than fatal.
package localstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/fekuna/omnipos-sync-agent/config"
	"github.com/fekuna/omnipos-sync-agent/pkg/logger"
)

type Adapter struct {
	db *sqlx.DB
	// storeKey is the local schema's Store_ID, detected at startup.
	storeKey string
	log      logger.ZapLogger
}

// New wraps an open database handle. Connect is the production path; New
// exists so tests can inject a mocked handle.
func New(db *sqlx.DB, storeKey string, log logger.ZapLogger) *Adapter {
	return &Adapter{db: db, storeKey: storeKey, log: log}
}

// Connect opens the local database, trying the configured server first and
// then the common local aliases. Exhausting every candidate is a startup
// failure that requires operator intervention.
func Connect(ctx context.Context, cfg config.SQLConfig, fallbackStoreKey string, log logger.ZapLogger) (*Adapter, error) {
	var lastErr error
	for _, server := range candidateServers(cfg.Server) {
		dsn := buildConnString(server, cfg)
		log.Info("trying local database",
			zap.String("server", server),
			zap.String("database", cfg.Database),
			zap.Bool("windows_auth", cfg.WindowsAuth))

		db, err := sqlx.Open("sqlserver", dsn)
		if err != nil {
			lastErr = err
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			db.Close()
			lastErr = err
			continue
		}

		log.Info("connected to local database", zap.String("server", server))
		a := New(db, fallbackStoreKey, log)
		a.detectStoreKey(ctx)
		return a, nil
	}
	return nil, fmt.Errorf("no usable local database server: %w", lastErr)
}

func (a *Adapter) Close() error {
	return a.db.Close()
}

// StoreKey returns the local schema's Store_ID.
func (a *Adapter) StoreKey() string {
	return a.storeKey
}

func candidateServers(configured string) []string {
	servers := []string{configured, "localhost", "127.0.0.1"}
	seen := map[string]bool{}
	out := servers[:0]
	for _, s := range servers {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func buildConnString(server string, cfg config.SQLConfig) string {
	base := fmt.Sprintf("server=%s;database=%s;TrustServerCertificate=true", server, cfg.Database)
	if cfg.WindowsAuth {
		return base + ";trusted_connection=yes"
	}
	return fmt.Sprintf("%s;user id=%s;password=%s", base, cfg.User, cfg.Password)
}

// detectStoreKey reads the Store_ID the local schema actually uses. Falls
// back to the configured value with a warning; the agent can still run,
// it just trusts the operator's configuration.
func (a *Adapter) detectStoreKey(ctx context.Context) {
	var detected string
	err := a.db.GetContext(ctx, &detected, "SELECT TOP 1 Store_ID FROM Inventory")
	if err != nil || detected == "" {
		a.log.Warn("could not detect local Store_ID, using configured value",
			zap.String("store_id", a.storeKey), zap.Error(err))
		return
	}
	a.storeKey = detected
	a.log.Info("detected local Store_ID", zap.String("store_id", a.storeKey))
}

// EnsureSchema self-heals the columns the sync protocol depends on. The
// conflict-timestamp column gets an update trigger so every local edit is
// stamped; a failed trigger install degrades conflict resolution but must
// not stop the agent.
func (a *Adapter) EnsureSchema(ctx context.Context) {
	if _, err := a.db.ExecContext(ctx, "SELECT TOP 1 ItemType FROM Inventory"); err != nil {
		a.log.Warn("ItemType column missing, adding it")
		if _, err := a.db.ExecContext(ctx, "ALTER TABLE Inventory ADD ItemType INT DEFAULT 0"); err != nil {
			a.log.Error("failed to add ItemType column", zap.Error(err))
		}
	}

	if _, err := a.db.ExecContext(ctx, "SELECT TOP 1 Local_Updated_At FROM Inventory"); err == nil {
		return
	}
	a.log.Warn("Local_Updated_At column missing, adding it")
	if _, err := a.db.ExecContext(ctx, "ALTER TABLE Inventory ADD Local_Updated_At DATETIME DEFAULT GETDATE()"); err != nil {
		a.log.Error("failed to add Local_Updated_At column", zap.Error(err))
		return
	}
	if _, err := a.db.ExecContext(ctx, createTimestampTrigger); err != nil {
		a.log.Warn("could not create Local_Updated_At trigger", zap.Error(err))
		return
	}
	a.log.Info("created auto-update trigger for Local_Updated_At")
}

const createTimestampTrigger = `
IF NOT EXISTS (SELECT * FROM sys.triggers WHERE name = 'trg_Inventory_UpdateTimestamp')
BEGIN
    EXEC('CREATE TRIGGER trg_Inventory_UpdateTimestamp ON Inventory AFTER UPDATE AS BEGIN SET NOCOUNT ON; UPDATE Inventory SET Local_Updated_At = GETDATE() FROM Inventory i INNER JOIN inserted ins ON i.ItemNum = ins.ItemNum END')
END`
