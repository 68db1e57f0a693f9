// Package persistence writes live rooms back to storage on a fixed interval.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/a-essam23/go-docsync/pkg/crdt"
	"github.com/a-essam23/go-docsync/pkg/metrics"
	"github.com/a-essam23/go-docsync/pkg/room"
	"github.com/a-essam23/go-docsync/pkg/storage"
)

const (
	DefaultInterval = 5 * time.Second
	idleSaveTimeout = 10 * time.Second
)

// RoomSource lists the rooms currently held in memory.
type RoomSource interface {
	Rooms() []*room.Room
}

type Config struct {
	Interval time.Duration
	Format   crdt.Format
}

type Result struct {
	Written int
	Skipped int
	Failed  int
}

type Sweeper struct {
	rooms    RoomSource
	store    storage.Store
	interval time.Duration
	format   crdt.Format

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewSweeper(rooms RoomSource, store storage.Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Format == "" {
		cfg.Format = crdt.FormatText
	}
	return &Sweeper{
		rooms:    rooms,
		store:    store,
		interval: cfg.Interval,
		format:   cfg.Format,
		metrics:  m,
		logger:   logger.With(slog.String("component", "persistence")),
	}
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Persistence sweeper started", slog.Duration("interval", s.interval), slog.String("format", string(s.format)))
	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep writes every room that has at least one connection. Rooms without
// connections are skipped and stay in memory. A failed write is logged and
// retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	start := time.Now()
	var res Result
	for _, r := range s.rooms.Rooms() {
		if r.ActiveCount() == 0 {
			res.Skipped++
			continue
		}
		if err := s.Save(ctx, r); err != nil {
			res.Failed++
			continue
		}
		res.Written++
	}
	s.metrics.SweepFinished(time.Since(start))
	if res.Written > 0 || res.Failed > 0 {
		s.logger.Debug("Sweep finished", slog.Int("written", res.Written), slog.Int("skipped", res.Skipped), slog.Int("failed", res.Failed))
	}
	return res
}

// Save writes one room and records the version that reached storage.
func (s *Sweeper) Save(ctx context.Context, r *room.Room) error {
	data, version, err := r.Snapshot(s.format)
	if err != nil {
		s.logger.Error("Failed to snapshot room", slog.String("doc", r.Name()), slog.Any("error", err))
		return fmt.Errorf("persistence: snapshot %s: %w", r.Name(), err)
	}
	err = s.store.Write(ctx, r.Name(), data)
	s.metrics.SnapshotWritten(err)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("Failed to write document", slog.String("doc", r.Name()), slog.Any("error", err))
		}
		return fmt.Errorf("persistence: write %s: %w", r.Name(), err)
	}
	r.MarkSaved(version)
	return nil
}

// Flush writes every room changed since its last save, connected or not.
func (s *Sweeper) Flush(ctx context.Context) Result {
	var res Result
	for _, r := range s.rooms.Rooms() {
		if !r.Dirty() {
			res.Skipped++
			continue
		}
		if err := s.Save(ctx, r); err != nil {
			res.Failed++
			continue
		}
		res.Written++
	}
	s.logger.Info("Flushed rooms", slog.Int("written", res.Written), slog.Int("failed", res.Failed))
	return res
}

// SaveIdle stores edits made since the last sweep when a room loses its last
// connection, since the periodic sweep skips idle rooms.
func (s *Sweeper) SaveIdle(r *room.Room) {
	if !r.Dirty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), idleSaveTimeout)
	defer cancel()
	_ = s.Save(ctx, r)
}

// SaveEvicted is the registry's eviction hook.
func (s *Sweeper) SaveEvicted(ctx context.Context, r *room.Room) error {
	if !r.Dirty() {
		return nil
	}
	return s.Save(ctx, r)
}
