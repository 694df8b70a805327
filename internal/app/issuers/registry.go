// Package issuers keeps the reward server's current issuer public keys and
// decides when they need to be fetched again.
package issuers

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/adrewards/internal/domain"
	"github.com/tutu-network/adrewards/internal/infra/observability"
)

// Store persists the issuer set.
type Store interface {
	GetIssuers(ctx context.Context) (domain.IssuersInfo, error)
	SaveIssuers(ctx context.Context, info domain.IssuersInfo) error
}

// Config tunes fetch scheduling.
type Config struct {
	// DefaultPing is used when the server does not advise an interval.
	DefaultPing time.Duration
	// RetryInterval is the delay before retrying a failed fetch.
	RetryInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultPing:   2 * time.Hour,
		RetryInterval: time.Minute,
	}
}

// Registry caches the issuer set and persists every replacement.
type Registry struct {
	store  Store
	server domain.RewardServer
	cfg    Config
	logger *zap.Logger

	mu          sync.RWMutex
	issuers     domain.IssuersInfo
	nextFetchAt time.Time
	outOfDate   bool
}

// New creates a registry. Call Load to restore the persisted set.
func New(store Store, server domain.RewardServer, cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		store:  store,
		server: server,
		cfg:    cfg,
		logger: logger.Named("issuers"),
	}
}

// Load restores the last persisted issuer set.
func (r *Registry) Load(ctx context.Context) error {
	info, err := r.store.GetIssuers(ctx)
	if err != nil {
		return fmt.Errorf("load issuers: %w", err)
	}
	r.mu.Lock()
	r.issuers = info
	r.mu.Unlock()
	return nil
}

// SetIssuers replaces the issuer set wholesale and persists it. The cache is
// only updated once the write succeeds.
func (r *Registry) SetIssuers(ctx context.Context, info domain.IssuersInfo) error {
	if err := r.store.SaveIssuers(ctx, info); err != nil {
		return fmt.Errorf("save issuers: %w", err)
	}
	r.mu.Lock()
	r.issuers = info
	r.mu.Unlock()
	return nil
}

// HasChanged reports whether info differs structurally from the cached set.
func (r *Registry) HasChanged(info domain.IssuersInfo) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return !r.issuers.Equal(info)
}

// Get returns the cached issuer set.
func (r *Registry) Get() domain.IssuersInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.issuers
}

// IssuerExistsForType reports whether an issuer of type t with at least one
// public key is known.
func (r *Registry) IssuerExistsForType(t domain.IssuerType) bool {
	issuer, ok := r.Get().IssuerForType(t)
	return ok && len(issuer.PublicKeys) > 0
}

// PublicKeyExistsForIssuerType reports whether key belongs to the issuer of type t.
func (r *Registry) PublicKeyExistsForIssuerType(t domain.IssuerType, key string) bool {
	_, ok := r.GetDenomination(t, key)
	return ok
}

// PublicKeys returns the public keys of the issuer of type t.
func (r *Registry) PublicKeys(t domain.IssuerType) []string {
	issuer, ok := r.Get().IssuerForType(t)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(issuer.PublicKeys))
	for k := range issuer.PublicKeys {
		keys = append(keys, k)
	}
	return keys
}

// GetDenomination returns the value associated with key under issuer type t.
func (r *Registry) GetDenomination(t domain.IssuerType, key string) (float64, bool) {
	issuer, ok := r.Get().IssuerForType(t)
	if !ok {
		return 0, false
	}
	v, ok := issuer.PublicKeys[key]
	return v, ok
}

// GetSmallestDenomination returns the minimum denomination of the issuer of
// type t, or 0.0 when the issuer is absent. Callers treat 0.0 as unknown.
func (r *Registry) GetSmallestDenomination(t domain.IssuerType) float64 {
	issuer, ok := r.Get().IssuerForType(t)
	if !ok || len(issuer.PublicKeys) == 0 {
		return 0.0
	}
	smallest := math.Inf(1)
	for _, v := range issuer.PublicKeys {
		smallest = math.Min(smallest, v)
	}
	return smallest
}

// ─── Fetch Scheduling ───────────────────────────────────────────────────────

// MarkOutOfDate forces the next MaybeFetch to hit the server.
func (r *Registry) MarkOutOfDate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outOfDate = true
}

// IsStale reports whether a fetch is due at now.
func (r *Registry) IsStale(now time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.outOfDate || r.nextFetchAt.IsZero() || !now.Before(r.nextFetchAt)
}

// NextFetchAt returns when the next fetch is due.
func (r *Registry) NextFetchAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nextFetchAt
}

// MaybeFetch fetches the issuer set if it is stale and replaces the cached
// set when it changed. A failed fetch is rescheduled after RetryInterval.
func (r *Registry) MaybeFetch(ctx context.Context, now time.Time) (bool, error) {
	if !r.IsStale(now) {
		return false, nil
	}
	return r.Fetch(ctx, now)
}

// Fetch unconditionally fetches the issuer set.
func (r *Registry) Fetch(ctx context.Context, now time.Time) (bool, error) {
	info, err := r.server.GetIssuers(ctx)
	observability.IssuerFetches.WithLabelValues(observability.ResultOf(err)).Inc()
	if err != nil {
		r.schedule(now.Add(r.cfg.RetryInterval))
		r.logger.Info("failed to get issuers", zap.Error(err),
			zap.Duration("retry_in", r.cfg.RetryInterval))
		return false, fmt.Errorf("get issuers: %w", err)
	}

	ping := info.Ping
	if ping <= 0 {
		ping = r.cfg.DefaultPing
	}

	if !r.HasChanged(info) {
		r.schedule(now.Add(ping))
		return false, nil
	}
	if err := r.SetIssuers(ctx, info); err != nil {
		r.schedule(now.Add(r.cfg.RetryInterval))
		return false, err
	}
	r.schedule(now.Add(ping))
	r.logger.Info("issuers updated", zap.Int("issuers", len(info.Issuers)), zap.Duration("ping", ping))
	return true, nil
}

func (r *Registry) schedule(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextFetchAt = at
	r.outOfDate = false
}
