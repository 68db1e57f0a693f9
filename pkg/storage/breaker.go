package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

type BreakerSettings struct {
	Name string
	// MaxFailures is the number of consecutive failed writes that opens the
	// breaker.
	MaxFailures uint32
	// OpenTimeout is how long writes fail fast before one is let through again.
	OpenTimeout time.Duration
	Logger      *slog.Logger
}

type breakerStore struct {
	Store
	cb *gobreaker.CircuitBreaker
}

// WithBreaker guards the writes of store with a circuit breaker. While it is
// open, Write returns gobreaker.ErrOpenState without touching the backend.
func WithBreaker(store Store, s BreakerSettings) Store {
	if s.MaxFailures == 0 {
		s.MaxFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.Name == "" {
		s.Name = "storage"
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			// failures tied to one name say nothing about backend health
			return err == nil ||
				errors.Is(err, ErrInvalidName) ||
				errors.Is(err, ErrNameConflict) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Storage circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	}
	return &breakerStore{Store: store, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *breakerStore) Write(ctx context.Context, name string, data []byte) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.Store.Write(ctx, name, data)
	})
	return err
}
