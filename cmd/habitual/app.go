package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/habitual/internal/accounts"
	"github.com/nugget/habitual/internal/chatlink"
	"github.com/nugget/habitual/internal/config"
	"github.com/nugget/habitual/internal/database"
	"github.com/nugget/habitual/internal/events"
	"github.com/nugget/habitual/internal/gateway"
	"github.com/nugget/habitual/internal/habit"
	"github.com/nugget/habitual/internal/ledger"
	"github.com/nugget/habitual/internal/linker"
	"github.com/nugget/habitual/internal/opstate"
	"github.com/nugget/habitual/internal/reminder"
)

// Cursor location of the gateway read position in operational state.
const (
	cursorNamespace = "gateway"
	cursorKey       = "updates_offset"
)

// app holds the components shared by serve, tick and poll.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	bus    *events.Bus
	db     *sql.DB

	accounts *accounts.Store
	habits   *habit.Store
	ledger   *ledger.Ledger
	links    *chatlink.Store
	state    *opstate.Store

	gateway   *gateway.Client
	scheduler *reminder.Scheduler
	linker    *linker.Linker
}

// newApp opens the database, migrates every store in foreign key
// order and builds the scheduler and linker. bus may be nil.
func newApp(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*app, error) {
	if !cfg.Gateway.Configured() {
		return nil, errors.New("gateway.url is not configured")
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	dbPath := database.Path(cfg.DataDir)
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("database opened", "path", dbPath)

	a := &app{cfg: cfg, logger: logger, bus: bus, db: db}
	if err := a.openStores(); err != nil {
		db.Close()
		return nil, err
	}

	a.gateway = gateway.New(gateway.ConfigFrom(cfg.Gateway), logger.With("component", "gateway"))
	a.scheduler = reminder.New(a.habits, a.ledger, a.links, a.gateway,
		reminder.Config{Window: cfg.Reminders.Window(), Location: loc},
		bus, logger.With("component", "reminder"))
	a.linker = linker.New(a.gateway, a.accounts, a.links,
		a.state.Cursor(cursorNamespace, cursorKey),
		bus, logger.With("component", "linker"))

	return a, nil
}

func (a *app) openStores() error {
	var err error
	if a.accounts, err = accounts.NewStore(a.db); err != nil {
		return fmt.Errorf("open account store: %w", err)
	}
	if a.habits, err = habit.NewStore(a.db); err != nil {
		return fmt.Errorf("open habit store: %w", err)
	}
	if a.ledger, err = ledger.New(a.db); err != nil {
		return fmt.Errorf("open completion ledger: %w", err)
	}
	if a.links, err = chatlink.NewStore(a.db); err != nil {
		return fmt.Errorf("open chat link store: %w", err)
	}
	if a.state, err = opstate.NewStore(a.db); err != nil {
		return fmt.Errorf("open operational state: %w", err)
	}
	return nil
}

func (a *app) Close() error {
	return a.db.Close()
}
