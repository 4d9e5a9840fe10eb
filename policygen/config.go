// Package policygen implements the Policy Generator (§4.3): the tick loop
// that reads aggregated usage from the shared KV store, combines it with
// the configured tier limits, computes rate/concurrency/bandwidth
// policies, and broadcasts them over the Policy Channel.
package policygen

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"

	"github.com/weirqos/weirqos/userkey"
)

// ErrConfigMissing wraps a failure to read or parse the limits
// configuration file (§6 "Configuration file").
type ErrConfigMissing struct {
	Path string
	Err  error
}

func (e *ErrConfigMissing) Error() string {
	return fmt.Sprintf("policygen: config %s: %v", e.Path, e.Err)
}

func (e *ErrConfigMissing) Unwrap() error { return e.Err }

// ConfigStore holds the current tier/user limits configuration (§4.3
// Inputs (b)), replaced atomically on reload so readers never observe a
// partially-updated Config (§5 "Policy Generator").
type ConfigStore struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	cfg *userkey.Config
}

// NewConfigStore loads path and returns a ready ConfigStore.
func NewConfigStore(path string, logger *slog.Logger) (*ConfigStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := userkey.LoadConfig(path)
	if err != nil {
		return nil, &ErrConfigMissing{Path: path, Err: err}
	}
	return &ConfigStore{path: path, logger: logger, cfg: cfg}, nil
}

// Current returns the configuration snapshot in effect for this tick.
func (c *ConfigStore) Current() *userkey.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Reload re-reads the configuration file from disk and swaps it in. A
// failed reload logs and keeps serving the previous snapshot (§4.3 "all
// state is recomputed from scratch... no cross-tick reconciliation is
// needed" applies to KV-derived state, not configuration, which is
// deliberately sticky across a bad reload).
func (c *ConfigStore) Reload() error {
	cfg, err := userkey.LoadConfig(c.path)
	if err != nil {
		c.logger.Warn("policygen: config reload failed, keeping previous", "path", c.path, "error", err)
		return &ErrConfigMissing{Path: c.path, Err: err}
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("policygen: config reloaded", "path", c.path)
	return nil
}

// WatchReloadFIFO creates (if absent) and tails the named FIFO at
// fifoPath, calling Reload whenever the literal text userkey.ReloadCommand
// is written to it (§4.3 Inputs (c)), until ctx is canceled.
func (c *ConfigStore) WatchReloadFIFO(ctx context.Context, fifoPath string) error {
	if err := syscall.Mkfifo(fifoPath, 0o600); err != nil && !os.IsExist(err) {
		return fmt.Errorf("policygen: creating reload fifo %s: %w", fifoPath, err)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.watchOnce(ctx, fifoPath); err != nil {
			c.logger.Warn("policygen: reload fifo read failed, retrying", "error", err)
		}
	}
}

// watchOnce opens the FIFO once and reads lines until the writer closes
// its end, at which point the named pipe must be reopened — a FIFO
// delivers EOF to readers once all writers disconnect.
func (c *ConfigStore) watchOnce(ctx context.Context, fifoPath string) error {
	f, err := os.OpenFile(fifoPath, os.O_RDONLY, os.ModeNamedPipe)
	if err != nil {
		return err
	}
	defer f.Close()

	go func() {
		<-ctx.Done()
		f.Close()
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if scanner.Text() == userkey.ReloadCommand {
			_ = c.Reload()
		}
	}
	return scanner.Err()
}
