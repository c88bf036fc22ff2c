package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/moodwire/pkg/provider/classifier"
)

// ClassifierChain implements [classifier.Provider] with failover across
// several classifier backends.
type ClassifierChain struct {
	chain *Chain[classifier.Provider]
}

var _ classifier.Provider = (*ClassifierChain)(nil)

// NewClassifierChain returns a chain with primary as the preferred backend.
func NewClassifierChain(primaryName string, primary classifier.Provider, cfg BreakerConfig) *ClassifierChain {
	c := NewChain[classifier.Provider](cfg)
	c.Add(primaryName, primary)
	return &ClassifierChain{chain: c}
}

// AddFallback registers another backend after the existing ones.
func (c *ClassifierChain) AddFallback(name string, p classifier.Provider) {
	c.chain.Add(name, p)
}

// States reports each backend's breaker state.
func (c *ClassifierChain) States() map[string]State { return c.chain.States() }

// Classify implements classifier.Provider.
func (c *ClassifierChain) Classify(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	res, err := Call(ctx, c.chain, func(ctx context.Context, p classifier.Provider) (classifier.Result, error) {
		return p.Classify(ctx, req)
	})
	if err != nil {
		return classifier.Result{}, fmt.Errorf("%w: %w", classifier.ErrClassifier, err)
	}
	return res, nil
}
