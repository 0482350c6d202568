// Package app wires the application together: configuration, database,
// provider, stores, tools, the conversation engine and the ticket wizard.
package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/abiroot/ispbot/internal/chat"
	"github.com/abiroot/ispbot/internal/config"
	"github.com/abiroot/ispbot/internal/conversation"
	"github.com/abiroot/ispbot/internal/ingest"
	"github.com/abiroot/ispbot/internal/knowledge"
	"github.com/abiroot/ispbot/internal/log"
	"github.com/abiroot/ispbot/internal/provider"
	"github.com/abiroot/ispbot/internal/session"
	"github.com/abiroot/ispbot/internal/timer"
	"github.com/abiroot/ispbot/internal/wizard"
)

// App is the application container. Build it with Setup; release resources
// with Close.
type App struct {
	Config *config.Config
	Logger log.Logger

	DBPool    *pgxpool.Pool
	Provider  *provider.Client
	Messages  *conversation.Store
	Knowledge *knowledge.Store
	Sessions  *session.Store
	Timers    *timer.Manager
	Engine    *chat.Engine
	Wizard    *wizard.Wizard // nil when no operations backend is configured
	Ingest    *ingest.Pipeline

	otelCleanup func()
	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
	poolCleanup func()
}

// Close releases resources in reverse initialization order.
func (a *App) Close() error {
	a.Logger.Info("shutting down application")

	if a.stopSweeper != nil {
		a.stopSweeper()
		if a.sweeperDone != nil {
			<-a.sweeperDone
		}
	}
	if a.Timers != nil {
		a.Timers.StopAll()
	}
	if a.poolCleanup != nil {
		a.poolCleanup()
		a.Logger.Info("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}
	return nil
}
