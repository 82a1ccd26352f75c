package blacklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/textileio/deploy-core/cmd/deployerd/metrics"
	"github.com/textileio/deploy-core/deployer"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("deployer/blacklist")

// Repository persists blacklist entries. Implementations must make Upsert
// atomic per provider, since concurrent runs may blacklist the same provider.
type Repository interface {
	UpsertBlacklistEntry(ctx context.Context, e deployer.BlacklistEntry) error
	IsBlacklisted(ctx context.Context, providerID string, now time.Time) (bool, error)
	ListBlacklist(ctx context.Context, now time.Time) ([]deployer.BlacklistEntry, error)
	DeleteExpiredBlacklistEntries(ctx context.Context, now time.Time) (int64, error)
}

// Blacklist tracks providers excluded from bid selection.
type Blacklist struct {
	repo Repository
	now  func() time.Time

	metricAdded   metric.Int64Counter
	metricCleaned metric.Int64Counter
}

// New returns a Blacklist backed by repo.
func New(repo Repository) *Blacklist {
	return &Blacklist{
		repo:          repo,
		now:           time.Now,
		metricAdded:   metrics.Meter.NewInt64Counter(metrics.Prefix + ".blacklist_added_total"),
		metricCleaned: metrics.Meter.NewInt64Counter(metrics.Prefix + ".blacklist_cleaned_total"),
	}
}

// IsBlacklisted returns true if the provider has a permanent entry or one
// expiring strictly in the future.
func (b *Blacklist) IsBlacklisted(ctx context.Context, providerID string) (bool, error) {
	return b.repo.IsBlacklisted(ctx, providerID, b.now())
}

// Add blacklists a provider. A zero expiry makes the entry permanent. Adding
// an already blacklisted provider refreshes its reason and expiry.
func (b *Blacklist) Add(ctx context.Context, providerID, reason string, expiry time.Time) error {
	if providerID == "" {
		return errors.New("provider id is empty")
	}
	e := deployer.BlacklistEntry{
		ProviderID: providerID,
		Reason:     reason,
		ExpiresAt:  expiry,
	}
	if err := b.repo.UpsertBlacklistEntry(ctx, e); err != nil {
		return fmt.Errorf("blacklisting %s: %s", providerID, err)
	}
	b.metricAdded.Add(ctx, 1)
	if e.Permanent() {
		log.Warnf("provider %s blacklisted permanently: %s", providerID, reason)
	} else {
		log.Warnf("provider %s blacklisted until %s: %s", providerID, humanize.Time(expiry), reason)
	}
	return nil
}

// AddFor blacklists a provider for the given cool-down.
func (b *Blacklist) AddFor(ctx context.Context, providerID, reason string, cooldown time.Duration) error {
	if cooldown <= 0 {
		return fmt.Errorf("cool-down must be positive, got %s", cooldown)
	}
	return b.Add(ctx, providerID, reason, b.now().Add(cooldown))
}

// List returns the entries currently in effect.
func (b *Blacklist) List(ctx context.Context) ([]deployer.BlacklistEntry, error) {
	return b.repo.ListBlacklist(ctx, b.now())
}

// CleanupExpired deletes entries whose expiry has passed and returns how
// many were removed.
func (b *Blacklist) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := b.repo.DeleteExpiredBlacklistEntries(ctx, b.now())
	if err != nil {
		return 0, fmt.Errorf("cleaning up expired entries: %s", err)
	}
	if n > 0 {
		b.metricCleaned.Add(ctx, n)
		log.Infof("removed %d expired blacklist entries", n)
	}
	return n, nil
}
