// Package mock provides a test double for the classifier.Provider interface.
//
// All fields are safe to set before calling Classify; mutating them during a
// concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{Result: classifier.Result{Emotion: "calm"}}
//	res, err := p.Classify(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/moodwire/pkg/provider/classifier"
)

// Call records a single invocation of Classify.
type Call struct {
	Req classifier.Request
}

// Provider is a mock implementation of classifier.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Classify when Err is nil.
	Result classifier.Result

	// Err, if non-nil, is returned by Classify.
	Err error

	// Delay makes Classify wait before returning. Context cancellation cuts
	// the wait short and returns ctx.Err().
	Delay time.Duration

	// Block, if non-nil, makes Classify wait until the channel is closed or
	// receives a value.
	Block chan struct{}

	// Started, if non-nil, receives one value when a call begins.
	Started chan struct{}

	// Calls records every invocation in order.
	Calls []Call
}

// Classify records the call and returns Result, Err.
func (p *Provider) Classify(ctx context.Context, req classifier.Request) (classifier.Result, error) {
	p.mu.Lock()
	frames := append(req.Frames[:0:0], req.Frames...)
	p.Calls = append(p.Calls, Call{Req: classifier.Request{Frames: frames, Text: req.Text}})
	res, err, delay, block, started := p.Result, p.Err, p.Delay, p.Block, p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return classifier.Result{}, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return classifier.Result{}, ctx.Err()
		}
	}
	return res, err
}

// CallCount returns the number of recorded calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// CallsSnapshot returns a copy of the recorded calls.
func (p *Provider) CallsSnapshot() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.Calls))
	copy(out, p.Calls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements classifier.Provider at compile time.
var _ classifier.Provider = (*Provider)(nil)
