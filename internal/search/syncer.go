package search

import (
	"context"
	"log/slog"
	"time"

	"github.com/recipebox/recipebox/internal/config"
	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/watch"
)

// SyncerOption configures a Syncer.
type SyncerOption func(*Syncer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SyncerOption {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithBus publishes a recipe_updated notification for every synced recipe.
func WithBus(bus *eventbus.Bus) SyncerOption {
	return func(s *Syncer) {
		s.bus = bus
	}
}

// Syncer periodically copies changed recipes into the search index.
type Syncer struct {
	source Source
	index  Index
	cfgs   *watch.Channel[*config.Config]
	bus    *eventbus.Bus
	logger *slog.Logger
}

// NewSyncer creates a syncer reading from source and writing to index.
func NewSyncer(source Source, index Index, cfgs *watch.Channel[*config.Config], opts ...SyncerOption) *Syncer {
	s := &Syncer{
		source: source,
		index:  index,
		cfgs:   cfgs,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "search")
	return s
}

// Run syncs once immediately and then every interval until ctx is done.
// Sync errors end the run for the supervisor to classify.
func (s *Syncer) Run(ctx context.Context) error {
	rx := s.cfgs.Subscribe()
	cfg := rx.Borrow().Search

	ticker := time.NewTicker(cfg.Interval())
	defer ticker.Stop()

	s.logger.Info("search sync starting",
		"enabled", cfg.Enabled,
		"index", cfg.Index,
		"interval_seconds", cfg.IntervalSeconds,
	)

	if cfg.Enabled {
		if _, err := s.SyncOnce(ctx, cfg); err != nil {
			return s.result(ctx, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("search sync stopping")
			return nil

		case <-rx.Changes():
			next := rx.Borrow().Search
			if next.IntervalSeconds != cfg.IntervalSeconds {
				ticker.Reset(next.Interval())
			}
			cfg = next

		case <-ticker.C:
			if !cfg.Enabled {
				continue
			}
			if _, err := s.SyncOnce(ctx, cfg); err != nil {
				return s.result(ctx, err)
			}
		}
	}
}

// SyncOnce pushes every recipe changed since the watermark and returns how
// many were synced.
func (s *Syncer) SyncOnce(ctx context.Context, cfg config.SearchConfig) (int, error) {
	cursor, err := s.source.Watermark(ctx, cfg.Index)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		docs, err := s.source.Changed(ctx, cursor, cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(docs) == 0 {
			break
		}

		if err := s.index.Upsert(ctx, docs); err != nil {
			return total, err
		}

		last := docs[len(docs)-1]
		cursor = Cursor{At: last.UpdatedAt, ID: last.ID}
		if err := s.source.SaveWatermark(ctx, cfg.Index, cursor); err != nil {
			return total, err
		}

		total += len(docs)
		s.publish(docs)

		if len(docs) < cfg.BatchSize {
			break
		}
	}

	if total > 0 {
		s.logger.Info("search index updated", "index", cfg.Index, "documents", total)
	} else {
		s.logger.Debug("search index up to date", "index", cfg.Index)
	}
	return total, nil
}

func (s *Syncer) publish(docs []Document) {
	if s.bus == nil {
		return
	}
	for _, d := range docs {
		s.bus.Publish(eventbus.NewNotification(eventbus.KindRecipeUpdated, eventbus.RecipeUpdated{
			ID:        d.ID.String(),
			Name:      d.Name,
			UpdatedAt: d.UpdatedAt,
		}))
	}
}

func (s *Syncer) result(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
