package main

import (
	"context"
	"fmt"
	"os"

	"github.com/allcryptotokens/tokendb/internal/catalog/dashboard"
	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/fetch"
	"github.com/allcryptotokens/tokendb/internal/ui"
	"github.com/allcryptotokens/tokendb/internal/upstream"
	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

// openStore opens the configured catalog database.
func openStore(ctx context.Context, mode db.Mode, force bool) (*db.DB, error) {
	database, err := db.Open(ctx, cfg.Store.Path, db.Options{
		Mode:      mode,
		Force:     force,
		BatchSize: cfg.Store.BatchSize,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", cfg.Store.Path, err)
	}
	return database, nil
}

// newFetcher builds the shared rate-limited client from the fetch and
// upstream settings.
func newFetcher() *fetch.Fetcher {
	gate := fetch.NewGatePerMinute(cfg.Fetch.RequestsPerMinute, fetch.SystemClock{})
	policy := fetch.Policy{
		MaxRetries:  cfg.Fetch.MaxRetries,
		BaseBackoff: cfg.Fetch.BaseBackoff,
		MaxBackoff:  cfg.Fetch.MaxBackoff,
		MaxJitter:   cfg.Fetch.MaxJitter,
		Timeout:     cfg.Fetch.Timeout,
	}
	opts := []fetch.Option{fetch.WithLogger(logger)}
	if cfg.Fetch.UserAgent != "" {
		opts = append(opts, fetch.WithHeader("User-Agent", cfg.Fetch.UserAgent))
	}
	if cfg.Upstream.APIKey != "" {
		opts = append(opts, fetch.WithHeader(cfg.Upstream.APIKeyHeader, cfg.Upstream.APIKey))
	}
	return fetch.New(gate, policy, opts...)
}

func newCoinGecko(f *fetch.Fetcher) *upstream.CoinGecko {
	g := upstream.NewCoinGecko(f, cfg.Upstream.CoinGeckoURL)
	g.RankAmbiguous = cfg.Upstream.RankAmbiguous
	return g
}

// startDashboard starts the WebSocket feed when addr is set. The returned
// stop function is always safe to call.
func startDashboard(addr string, store *db.DB) (*dashboard.Handler, func(), error) {
	if addr == "" {
		return nil, func() {}, nil
	}
	server := dashboard.NewServer(&dashboard.Config{Addr: addr, Logger: logger})
	if err := server.Start(); err != nil {
		return nil, func() {}, err
	}
	logger.Info("dashboard started", "url", "ws://"+server.Addr()+"/ws")
	return dashboard.NewHandler(server, store), func() { _ = server.Stop() }, nil
}

// confirm asks a yes/no question on an interactive terminal. Without a
// terminal it refuses unless assumeYes is set.
func confirm(cmd *cobra.Command, title, description string, assumeYes bool) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isInteractive() {
		return false, fmt.Errorf("%s: pass --yes to confirm in non-interactive mode", title)
	}
	ok := false
	err := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Yes").
			Negative("No").
			Value(&ok),
	)).RunWithContext(cmd.Context())
	if err != nil {
		return false, err
	}
	return ok, nil
}

func isInteractive() bool {
	return ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout)
}
