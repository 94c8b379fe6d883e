// Package health answers "can this service still do its job" without
// doing the job.
package health

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Store is the slice of the conversation store the probe needs.
type Store interface {
	Ping(ctx context.Context) error
	CountTurns(ctx context.Context) (int64, error)
}

// Pinger is a cheap reachability check against the generation provider.
// It must not trigger a generation.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	StoreReachable    bool      `json:"store_reachable"`
	ProviderReachable bool      `json:"provider_reachable"`
	Turns             int64     `json:"turns"`
	CheckedAt         time.Time `json:"checked_at"`
}

type Probe struct {
	store    Store
	provider Pinger
	timeout  time.Duration
	log      *zap.Logger
}

func NewProbe(store Store, provider Pinger, timeout time.Duration, log *zap.Logger) *Probe {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Probe{store: store, provider: provider, timeout: timeout, log: log}
}

// Check never fails; an unreachable dependency shows up as a false field.
func (p *Probe) Check(ctx context.Context) Status {
	st := Status{CheckedAt: time.Now().UTC()}

	storeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.Ping(storeCtx); err != nil {
		p.log.Warn("store unreachable", zap.Error(err))
	} else {
		st.StoreReachable = true
		if n, err := p.store.CountTurns(storeCtx); err == nil {
			st.Turns = n
		}
	}

	provCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.provider.Ping(provCtx); err != nil {
		p.log.Warn("provider unreachable", zap.Error(err))
	} else {
		st.ProviderReachable = true
	}

	return st
}
