package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Chain] failed or was
// rejected by its breaker.
var ErrAllFailed = errors.New("resilience: all providers failed")

type link[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Chain holds instances of one provider type in preference order, each behind
// its own [Breaker]. Entries must be added before the chain is shared.
type Chain[T any] struct {
	cfg   BreakerConfig
	links []link[T]
}

// NewChain returns an empty chain whose breakers use cfg (Name is set per
// entry).
func NewChain[T any](cfg BreakerConfig) *Chain[T] {
	return &Chain[T]{cfg: cfg}
}

// Add appends an entry after the existing ones.
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.cfg
	cfg.Name = name
	c.links = append(c.links, link[T]{name: name, value: value, breaker: NewBreaker(cfg)})
}

// Len returns the number of entries.
func (c *Chain[T]) Len() int { return len(c.links) }

// States reports each entry's breaker state by name.
func (c *Chain[T]) States() map[string]State {
	out := make(map[string]State, len(c.links))
	for _, l := range c.links {
		out[l.name] = l.breaker.State()
	}
	return out
}

// Call runs fn against each entry in order until one succeeds. It stops early
// when ctx is done.
func Call[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, error) {
	var zero R
	var errs []error
	for i := range c.links {
		l := &c.links[i]
		var res R
		err := l.breaker.Do(ctx, func(ctx context.Context) error {
			var err error
			res, err = fn(ctx, l.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("provider skipped, circuit open", "provider", l.name)
			continue
		}
		slog.Warn("provider failed, trying next", "provider", l.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
