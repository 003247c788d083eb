package translate

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Failover prefers the primary backend and switches to fallback when a call
// fails. Once fallback succeeds it stays active until fallback itself fails;
// then primary is retried.
type Failover struct {
	primary        Service
	fallback       Service
	fallbackActive atomic.Bool
}

func NewFailover(primary, fallback Service) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

func (f *Failover) Name() string {
	if f.fallbackActive.Load() {
		return f.fallback.Name() + "(fallback)"
	}
	return f.primary.Name()
}

func (f *Failover) Translate(ctx context.Context, req Request) (string, error) {
	if f.fallbackActive.Load() {
		text, fbErr := f.fallback.Translate(ctx, req)
		if fbErr == nil {
			return text, nil
		}
		text, prErr := f.primary.Translate(ctx, req)
		if prErr == nil {
			f.fallbackActive.Store(false)
			return text, nil
		}
		return "", fmt.Errorf("translate fallback failed: %v; translate primary failed: %w", fbErr, prErr)
	}

	text, prErr := f.primary.Translate(ctx, req)
	if prErr == nil {
		return text, nil
	}
	text, fbErr := f.fallback.Translate(ctx, req)
	if fbErr != nil {
		return "", fmt.Errorf("translate primary failed: %v; translate fallback failed: %w", prErr, fbErr)
	}
	f.fallbackActive.Store(true)
	return text, nil
}
