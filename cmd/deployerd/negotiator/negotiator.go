package negotiator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jpillora/backoff"
	"github.com/textileio/deploy-core/cmd/deployerd/metrics"
	"github.com/textileio/deploy-core/deployer"
	metricsutil "github.com/textileio/deploy-core/metrics"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const maxRetryDelay = time.Hour * 24

var log = golog.Logger("deployer/negotiator")

// BlacklistChecker answers whether a provider is excluded.
type BlacklistChecker interface {
	IsBlacklisted(ctx context.Context, providerID string) (bool, error)
}

// Blacklister excludes providers for a cool-down.
type Blacklister interface {
	BlacklistChecker
	AddFor(ctx context.Context, providerID, reason string, cooldown time.Duration) error
}

// LeaseCreator accepts bids on the marketplace.
type LeaseCreator interface {
	CreateLease(ctx context.Context, ackManifest, deploymentID string, bid deployer.Bid) (deployer.Lease, error)
}

// RankBids drops bids of blacklisted providers and orders the rest by
// ascending price. Bids with equal price keep their receive order.
func RankBids(ctx context.Context, bids []deployer.Bid, bl BlacklistChecker) ([]deployer.Bid, error) {
	ranked := make([]deployer.Bid, 0, len(bids))
	for _, b := range bids {
		blacklisted, err := bl.IsBlacklisted(ctx, b.ProviderID)
		if err != nil {
			return nil, fmt.Errorf("checking blacklist for %s: %s", b.ProviderID, err)
		}
		if blacklisted {
			log.Debugf("skipping bid of blacklisted provider %s", b.ProviderID)
			continue
		}
		ranked = append(ranked, b)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Price.Amount != ranked[j].Price.Amount {
			return ranked[i].Price.Amount < ranked[j].Price.Amount
		}
		return ranked[i].Index < ranked[j].Index
	})
	return ranked, nil
}

// Config holds the negotiation policy.
type Config struct {
	// MaxRetries is how many times a bid is retried after a failure that
	// isn't attributed to the provider.
	MaxRetries int
	// RetryBaseDelay is the wait before the first retry of a bid. Each
	// following retry doubles it.
	RetryBaseDelay time.Duration
	// BlacklistCooldown is how long an unavailable provider stays excluded.
	BlacklistCooldown time.Duration
}

// Negotiator leases a deployment to the best available bid.
type Negotiator struct {
	conf Config
	lc   LeaseCreator
	bl   Blacklister

	metricAttempts metric.Int64Counter
	metricFailover metric.Int64Counter
}

// New returns a new Negotiator.
func New(conf Config, lc LeaseCreator, bl Blacklister) (*Negotiator, error) {
	if conf.MaxRetries < 0 {
		return nil, deployer.Errorf(deployer.KindConfiguration, "lease max retries can't be negative")
	}
	if conf.RetryBaseDelay <= 0 {
		return nil, deployer.Errorf(deployer.KindConfiguration, "lease retry base delay must be positive")
	}
	if conf.BlacklistCooldown <= 0 {
		return nil, deployer.Errorf(deployer.KindConfiguration, "blacklist cool-down must be positive")
	}
	return &Negotiator{
		conf:           conf,
		lc:             lc,
		bl:             bl,
		metricAttempts: metrics.Meter.NewInt64Counter(metrics.Prefix + ".lease_attempts_total"),
		metricFailover: metrics.Meter.NewInt64Counter(metrics.Prefix + ".lease_failovers_total"),
	}, nil
}

// Negotiate tries the ranked bids in order until one produces a lease.
// A provider-unavailable failure blacklists the provider and skips its
// remaining bids; other failures are retried on the same bid with exponential
// backoff. When every bid fails it returns an *AllProvidersFailedError.
func (n *Negotiator) Negotiate(
	ctx context.Context,
	ackManifest, deploymentID string,
	ranked []deployer.Bid) (deployer.Lease, error) {
	if len(ranked) == 0 {
		return deployer.Lease{}, deployer.Errorf(deployer.KindProtocol, "no eligible bids")
	}

	var (
		attempted   []string
		seen        = map[string]struct{}{}
		unavailable = map[string]struct{}{}
		lastErr     error
	)
	for _, b := range ranked {
		if _, ok := unavailable[b.ProviderID]; ok {
			log.Debugf("skipping bid of unavailable provider %s for %s", b.ProviderID, deploymentID)
			continue
		}
		if _, ok := seen[b.ProviderID]; !ok {
			seen[b.ProviderID] = struct{}{}
			attempted = append(attempted, b.ProviderID)
		}
		l, err := n.leaseBid(ctx, ackManifest, deploymentID, b)
		if err == nil {
			log.Infof("deployment %s leased to %s at %s (lease %s)", deploymentID, b.ProviderID, b.Price, l.ID)
			return l, nil
		}
		if ctx.Err() != nil {
			return deployer.Lease{}, fmt.Errorf("negotiating lease of %s: %w", deploymentID, ctx.Err())
		}
		lastErr = err
		n.metricFailover.Add(ctx, 1)

		if errors.Is(err, deployer.KindProviderUnavailable) {
			unavailable[b.ProviderID] = struct{}{}
			reason := fmt.Sprintf("lease of %s failed: %s", deploymentID, err)
			if err := n.bl.AddFor(ctx, b.ProviderID, reason, n.conf.BlacklistCooldown); err != nil {
				log.Errorf("blacklisting provider %s: %s", b.ProviderID, err)
			}
		}
		log.Warnf("bid of %s for %s failed, moving to next bid: %s", b.ProviderID, deploymentID, err)
	}
	return deployer.Lease{}, &deployer.AllProvidersFailedError{Providers: attempted, Last: lastErr}
}

// leaseBid creates a lease for a single bid, retrying failures that aren't
// attributed to the provider.
func (n *Negotiator) leaseBid(
	ctx context.Context,
	ackManifest, deploymentID string,
	b deployer.Bid) (l deployer.Lease, err error) {
	bo := &backoff.Backoff{
		Min:    n.conf.RetryBaseDelay,
		Max:    maxRetryDelay,
		Factor: 2,
		Jitter: false,
	}
	for attempt := 0; ; attempt++ {
		l, err = n.lc.CreateLease(ctx, ackManifest, deploymentID, b)
		metricsutil.MetricIncrCounter(ctx, err, n.metricAttempts, attribute.String("provider", b.ProviderID))
		if err == nil {
			return l, nil
		}
		if errors.Is(err, deployer.KindProviderUnavailable) || attempt >= n.conf.MaxRetries {
			return deployer.Lease{}, err
		}

		d := bo.ForAttempt(float64(attempt))
		log.Debugf("lease of %s with %s failed (retry %d/%d in %s): %s",
			deploymentID, b.ProviderID, attempt+1, n.conf.MaxRetries, d, err)
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return deployer.Lease{}, ctx.Err()
		case <-t.C:
		}
	}
}
