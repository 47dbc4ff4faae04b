// Package daemon watches a patch inbox and merges every patch file dropped
// into it.
//
// The daemon:
// 1. Applies the *.json files already waiting in the inbox
// 2. Watches the inbox for new or rewritten files
// 3. Applies each file once it has been quiet for the debounce interval
// 4. Moves the file to applied/ or failed/ with a YAML audit beside it
package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/patch"
	"github.com/allcryptotokens/tokendb/internal/catalog/schema"
	"github.com/allcryptotokens/tokendb/internal/logging"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

const (
	AppliedDir = "applied"
	FailedDir  = "failed"
)

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long a file must be quiet before it is
	// applied. This lets writers finish large files.
	DebounceInterval time.Duration

	// Mode is the write mode of every applied patch.
	Mode schema.WriteMode

	// BumpGeneration advances the generation when a patch changed rows.
	BumpGeneration bool

	Now    func() time.Time
	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		Mode:             schema.FillOnly,
		BumpGeneration:   true,
		Now:              time.Now,
		Logger:           logging.Nop(),
	}
}

// Daemon applies patch files from an inbox directory to one store.
type Daemon struct {
	db     *db.DB
	inbox  string
	config *Config
	logger *logging.Logger

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event
	changeQueueMu sync.Mutex

	processed func(path string, res *patch.Result, err error)
}

// New creates a daemon for inbox. A nil config uses DefaultConfig.
func New(database *db.DB, inbox string, config *Config) (*Daemon, error) {
	if database == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if inbox == "" {
		return nil, fmt.Errorf("inbox cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	for _, dir := range []string{inbox, filepath.Join(inbox, AppliedDir), filepath.Join(inbox, FailedDir)} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	abs, err := filepath.Abs(inbox)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve inbox: %w", err)
	}

	return &Daemon{
		db:          database,
		inbox:       abs,
		config:      config,
		logger:      logger.Named("daemon"),
		changeQueue: make(map[string]time.Time),
	}, nil
}

// Inbox returns the absolute inbox path.
func (d *Daemon) Inbox() string {
	return d.inbox
}

// OnProcessed registers a callback invoked after each file is handled.
func (d *Daemon) OnProcessed(fn func(path string, res *patch.Result, err error)) {
	d.processed = fn
}

// Start applies waiting files, then watches the inbox until ctx is
// cancelled. It returns nil on cancellation.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info("starting daemon", "inbox", d.inbox)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	d.watcher = watcher

	if err := watcher.Add(d.inbox); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", d.inbox, err)
	}

	if _, err := d.Scan(ctx); err != nil {
		return fmt.Errorf("initial scan failed: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.watchFileEvents(gctx) })
	g.Go(func() error { return d.processChangeQueue(gctx) })

	err = g.Wait()
	d.logger.Info("daemon stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Scan applies every patch file currently in the inbox, in name order, and
// returns how many were handled.
func (d *Daemon) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(d.inbox)
	if err != nil {
		return 0, fmt.Errorf("failed to read inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && isPatchFile(e.Name()) {
			paths = append(paths, filepath.Join(d.inbox, e.Name()))
		}
	}
	slices.Sort(paths)

	for _, p := range paths {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.ProcessFile(ctx, p)
	}
	return len(paths), nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-d.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != d.inbox || !isPatchFile(filepath.Base(event.Name)) {
				continue
			}
			d.logger.Debug("file event", "op", event.Op.String(), "path", event.Name)
			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("watcher error", "error", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue(ctx context.Context) error {
	ticker := time.NewTicker(d.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, path := range d.dueChanges(time.Now()) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				d.ProcessFile(ctx, path)
			}
		}
	}
}

// dueChanges removes and returns the files that have been quiet for the
// debounce interval.
func (d *Daemon) dueChanges(now time.Time) []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	var due []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(d.changeQueue, path)
	}
	slices.Sort(due)
	return due
}

// ProcessFile applies one patch file and files it away. Failures are
// logged and recorded in the audit; they never stop the daemon.
//
// A cancelled or expired context is not a patch failure: the file stays in
// the inbox without an audit and the context error is returned, so the next
// Start or Scan picks it up again.
func (d *Daemon) ProcessFile(ctx context.Context, path string) (*patch.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		// Already handled, or removed before it settled.
		return nil, nil
	}

	res, err := d.apply(ctx, path)
	if interrupted(ctx, err) {
		d.logger.Info("patch left in inbox", "file", filepath.Base(path), "error", err)
		return nil, err
	}
	dest := AppliedDir
	audit := patch.Audit{
		Source:    filepath.Base(path),
		AppliedAt: d.config.Now().UTC(),
		Mode:      d.config.Mode.String(),
		Result:    res,
	}
	if err != nil {
		dest = FailedDir
		audit.Error = err.Error()
		d.logger.Warn("patch failed", "file", audit.Source, "error", err)
	} else {
		d.logger.Info("patch applied", "file", audit.Source,
			"updated", res.Updated, "missing", res.MissingInStore, "skipped", res.Skipped,
			"generation", res.Generation)
	}

	target, merr := d.moveTo(path, dest)
	if merr != nil {
		d.logger.Error("failed to move patch", "file", path, "error", merr)
	} else if aerr := patch.WriteAudit(auditPath(target), audit); aerr != nil {
		d.logger.Error("failed to write audit", "file", target, "error", aerr)
	}

	if d.processed != nil {
		d.processed(path, res, err)
	}
	return res, err
}

// interrupted reports whether err came from the context rather than from
// the patch or the store.
func interrupted(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (d *Daemon) apply(ctx context.Context, path string) (*patch.Result, error) {
	b, err := patch.ParseFile(path)
	if err != nil {
		return nil, err
	}
	return patch.Apply(ctx, d.db, b, patch.Options{
		Mode:           d.config.Mode,
		BumpGeneration: d.config.BumpGeneration,
		Now:            d.config.Now,
		Logger:         d.logger,
	})
}

// moveTo renames path into the sub directory, adding a timestamp suffix
// when a file of the same name was filed before.
func (d *Daemon) moveTo(path, sub string) (string, error) {
	name := filepath.Base(path)
	target := filepath.Join(d.inbox, sub, name)
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(name)
		stamp := d.config.Now().UTC().Format("20060102T150405.000000000")
		target = filepath.Join(d.inbox, sub, strings.TrimSuffix(name, ext)+"."+stamp+ext)
	}
	if err := os.Rename(path, target); err != nil {
		return "", fmt.Errorf("failed to move %s: %w", name, err)
	}
	return target, nil
}

func auditPath(patchPath string) string {
	return strings.TrimSuffix(patchPath, filepath.Ext(patchPath)) + ".audit.yaml"
}

func isPatchFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
