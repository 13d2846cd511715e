package staging

import (
	"context"
	"log/slog"
	"time"
)

// JanitorConfig holds settings for the expire cleanup policy
type JanitorConfig struct {
	Dir      string
	MaxAge   time.Duration
	Interval time.Duration
}

// Janitor deletes staged objects older than MaxAge.
type Janitor struct {
	store  Store
	config JanitorConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor creates a janitor sweeping config.Dir on store
func NewJanitor(store Store, config JanitorConfig, logger *slog.Logger) *Janitor {
	if config.Interval <= 0 {
		config.Interval = time.Hour
	}
	return &Janitor{
		store:  store,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Run sweeps every Interval until ctx is done
func (j *Janitor) Run(ctx context.Context) {
	j.logger.Info("Staging janitor started",
		slog.String("dir", j.config.Dir),
		slog.Duration("max_age", j.config.MaxAge),
		slog.Duration("interval", j.config.Interval),
	)

	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Warn("Staging sweep failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			j.logger.Info("Staging janitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes expired objects once and returns how many were removed.
// Objects without a modification time are kept.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	objects, err := j.store.List(ctx, j.config.Dir)
	if err != nil {
		return 0, wrap("list", j.config.Dir, err)
	}

	cutoff := j.now().Add(-j.config.MaxAge)
	removed := 0
	for _, obj := range objects {
		if obj.ModTime.IsZero() || obj.ModTime.After(cutoff) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if err := j.store.Delete(ctx, obj.Name); err != nil {
			j.logger.Warn("Failed to delete expired payload",
				slog.String("file_reference", obj.Name),
				slog.Any("error", err),
			)
			continue
		}
		removed++
	}

	if removed > 0 {
		j.logger.Info("Expired payloads removed",
			slog.Int("removed", removed),
			slog.Int("scanned", len(objects)),
		)
	}
	return removed, nil
}
