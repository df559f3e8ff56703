package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DialTimeout bounds a single connection attempt. Dials outlive the request
// that started them, so they cannot rely on its deadline.
const DialTimeout = 30 * time.Second

// Dialer connects to a backing store.
type Dialer func(ctx context.Context) (Store, error)

// Provider hands out one process-wide Store, dialing it on first use. A
// failed dial is not cached, so the next caller tries again.
//
// At most one dial runs at a time and no lock is held while it does, so
// callers waiting on it still honour their own context.
type Provider struct {
	mu    sync.Mutex
	dial  Dialer
	store Store
	dials singleflight.Group
}

// NewProvider creates a Provider that connects with dial.
func NewProvider(dial Dialer) *Provider {
	return &Provider{dial: dial}
}

// StaticProvider returns a Provider that always yields s.
func StaticProvider(s Store) *Provider {
	return &Provider{store: s}
}

func (p *Provider) current() Store {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store
}

// Get returns the shared Store, dialing it if no earlier dial succeeded.
// A dial failure, or ctx ending while the dial is in flight, is reported as
// ErrUnavailable.
func (p *Provider) Get(ctx context.Context) (Store, error) {
	if s := p.current(); s != nil {
		return s, nil
	}

	if p.dial == nil {
		return nil, fmt.Errorf("%w: no dialer configured", ErrUnavailable)
	}

	ch := p.dials.DoChan("dial", func() (any, error) {
		// A dial may have completed between the check above and this call.
		if s := p.current(); s != nil {
			return s, nil
		}

		dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DialTimeout)
		defer cancel()

		s, err := p.dial(dialCtx)
		if err != nil {
			return nil, err
		}

		p.mu.Lock()
		p.store = s
		p.mu.Unlock()

		slog.Info("Object store connected")
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, res.Err)
		}
		return res.Val.(Store), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
	}
}
