package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Initializer supplies the initial content of a document from a Store.
type Initializer struct {
	store  Store
	logger *slog.Logger

	MaxRetries      uint64
	InitialInterval time.Duration
}

func NewInitializer(store Store, logger *slog.Logger) *Initializer {
	return &Initializer{
		store:           store,
		logger:          logger.With(slog.String("component", "initializer")),
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
	}
}

// Load returns the stored bytes for name. A document that was never stored
// yields ok == false and no error. Transient read failures are retried with
// exponential backoff before being returned.
func (i *Initializer) Load(ctx context.Context, name string) ([]byte, bool, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = i.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, i.MaxRetries), ctx)

	operation := func() ([]byte, error) {
		data, err := i.store.Read(ctx, name)
		if err != nil && (errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidName)) {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}
	notify := func(err error, wait time.Duration) {
		i.logger.Warn("Retrying document read", slog.String("doc", name), slog.Any("error", err), slog.Duration("wait", wait))
	}

	data, err := backoff.RetryNotifyWithData(operation, policy, notify)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
