package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/textileio/deploy-core/cmd/deployerd/marketplace"
	"github.com/textileio/deploy-core/cmd/deployerd/metrics"
	"github.com/textileio/deploy-core/cmd/deployerd/negotiator"
	"github.com/textileio/deploy-core/cmd/deployerd/store"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/manifest"
	"github.com/textileio/deploy-core/msgbroker"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// InterruptedMessage is the error message of deployments that were left
	// deploying by a run that never finished.
	InterruptedMessage = "deployment interrupted"

	// FallbackURLPlaceholder is replaced by the marketplace deployment id in
	// the fallback URL.
	FallbackURLPlaceholder = "{deployment_id}"

	finishTimeout = time.Second * 30
)

var log = golog.Logger("deployer/orchestrator")

// Repository persists deployments.
type Repository interface {
	GetDeployment(ctx context.Context, id deployer.DeploymentID) (deployer.Deployment, error)
	CompareAndSetStatus(ctx context.Context, id deployer.DeploymentID, expected, next deployer.Status) (bool, error)
	UpdateDeployment(ctx context.Context, id deployer.DeploymentID, u deployer.DeploymentUpdate) error
	TouchDeployment(ctx context.Context, id deployer.DeploymentID) error
	FailStuckDeployments(ctx context.Context, olderThan time.Time, errorMessage string) ([]deployer.DeploymentID, error)
}

// Vault opens sealed credentials.
type Vault interface {
	Decrypt(ciphertext string) (string, error)
}

// Negotiator leases a deployment to one of the ranked bids.
type Negotiator interface {
	Negotiate(ctx context.Context, ackManifest, deploymentID string, ranked []deployer.Bid) (deployer.Lease, error)
}

// Config holds the orchestration parameters.
type Config struct {
	Manifest manifest.Params

	BidTimeout      time.Duration
	BidPollInterval time.Duration
	BidMaxAttempts  int

	// FallbackURL is used when the marketplace doesn't publish a service URL.
	// FallbackURLPlaceholder is replaced by the marketplace deployment id.
	FallbackURL string
}

// Orchestrator provisions paid deployments on the marketplace.
type Orchestrator struct {
	conf     Config
	repo     Repository
	vault    Vault
	mkt      marketplace.Marketplace
	neg      Negotiator
	bl       negotiator.BlacklistChecker
	channels ChannelResolver
	mb       msgbroker.MsgBroker
	now      func() time.Time

	lk       sync.Mutex
	inflight map[deployer.DeploymentID]struct{}

	metricProcessed metric.Int64Counter
	metricDuration  metric.Float64Histogram
	metricReaped    metric.Int64Counter
}

var _ deployer.Deployer = (*Orchestrator)(nil)

// New returns a new Orchestrator.
func New(
	conf Config,
	repo Repository,
	v Vault,
	mkt marketplace.Marketplace,
	neg Negotiator,
	bl negotiator.BlacklistChecker,
	opts ...Option) (*Orchestrator, error) {
	if conf.BidTimeout <= 0 || conf.BidPollInterval <= 0 || conf.BidMaxAttempts < 1 {
		return nil, deployer.Errorf(deployer.KindConfiguration,
			"bid timeout, poll interval and max attempts must be positive")
	}
	if conf.FallbackURL == "" {
		return nil, deployer.Errorf(deployer.KindConfiguration, "fallback url is empty")
	}
	o := &Orchestrator{
		conf:            conf,
		repo:            repo,
		vault:           v,
		mkt:             mkt,
		neg:             neg,
		bl:              bl,
		channels:        NoopChannelResolver{},
		now:             time.Now,
		inflight:        make(map[deployer.DeploymentID]struct{}),
		metricProcessed: metrics.Meter.NewInt64Counter(metrics.Prefix + ".deployments_processed_total"),
		metricDuration:  metrics.Meter.NewFloat64Histogram(metrics.Prefix + ".deployment_duration_seconds"),
		metricReaped:    metrics.Meter.NewInt64Counter(metrics.Prefix + ".deployments_reaped_total"),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	return o, nil
}

// Process implements deployer.Deployer.
func (o *Orchestrator) Process(ctx context.Context, id deployer.DeploymentID) error {
	start := o.now()
	d, err := o.repo.GetDeployment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Errorf("processing unknown deployment %s", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading deployment %s: %s", id, err)
	}
	if d.Status != deployer.StatusPending {
		log.Debugf("deployment %s is %s, skipping", id, d.Status)
		return nil
	}
	// Tracked before the claim so a concurrent ReapStuck never sees it
	// deploying and untracked.
	o.track(id)
	defer o.untrack(id)
	claimed, err := o.repo.CompareAndSetStatus(ctx, id, deployer.StatusPending, deployer.StatusDeploying)
	if err != nil {
		return fmt.Errorf("claiming deployment %s: %s", id, err)
	}
	if !claimed {
		log.Debugf("deployment %s was claimed by another run", id)
		return nil
	}

	log.Infof("deploying %s for user %s", id, d.UserID)
	o.run(ctx, d, start)
	return nil
}

// run deploys a claimed deployment. The deferred terminal write runs on
// every path out of deploy, panics included.
func (o *Orchestrator) run(ctx context.Context, d deployer.Deployment, start time.Time) {
	var (
		u   deployer.DeploymentUpdate
		err error
	)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("deploying %s panicked: %v\n%s", d.ID, r, debug.Stack())
			err = fmt.Errorf("internal error: %v", r)
		}
		if err != nil {
			msg := err.Error()
			if strings.TrimSpace(msg) == "" {
				msg = "unknown error"
			}
			u = deployer.DeploymentUpdate{
				Status:                  deployer.StatusFailed,
				ErrorMessage:            msg,
				MarketplaceDeploymentID: u.MarketplaceDeploymentID,
			}
		}
		o.finish(d, u, start)
	}()

	err = o.deploy(ctx, d, &u)
}

// deploy runs the marketplace workflow, filling u as it goes. u carries the
// marketplace deployment id on every exit once it's known, panics included.
func (o *Orchestrator) deploy(ctx context.Context, d deployer.Deployment, u *deployer.DeploymentUpdate) error {
	token, err := o.vault.Decrypt(d.ChannelTokenEnc)
	if err != nil {
		return fmt.Errorf("decrypting channel token: %w", err)
	}
	var apiKey string
	if d.ChannelAPIKeyEnc != "" {
		if apiKey, err = o.vault.Decrypt(d.ChannelAPIKeyEnc); err != nil {
			return fmt.Errorf("decrypting channel api key: %w", err)
		}
	}

	m, err := manifest.Generate(manifest.Secrets{
		ChannelType:   d.ChannelType,
		ChannelToken:  token,
		ChannelAPIKey: apiKey,
		Model:         d.Model,
	}, o.conf.Manifest)
	if err != nil {
		return fmt.Errorf("generating manifest: %w", err)
	}

	mdID, ack, err := o.mkt.CreateDeployment(ctx, m)
	if err != nil {
		return fmt.Errorf("creating marketplace deployment: %w", err)
	}
	u.MarketplaceDeploymentID = mdID
	log.Debugf("deployment %s created on the marketplace as %s", d.ID, mdID)

	bids, err := o.mkt.ListBids(ctx, mdID, o.conf.BidPollInterval, o.conf.BidMaxAttempts, o.conf.BidTimeout)
	if err != nil {
		if len(bids) == 0 {
			return fmt.Errorf("listing bids: %w", err)
		}
		log.Warnf("listing bids of %s ended early, continuing with %d bids: %s", d.ID, len(bids), err)
	}
	if len(bids) == 0 {
		return deployer.ErrNoBids
	}
	ranked, err := negotiator.RankBids(ctx, bids, o.bl)
	if err != nil {
		return fmt.Errorf("ranking bids: %w", err)
	}
	log.Debugf("deployment %s received %d bids, %d eligible", d.ID, len(bids), len(ranked))

	lease, err := o.neg.Negotiate(ctx, ack, mdID, ranked)
	if err != nil {
		return err
	}

	u.Status = deployer.StatusActive
	u.LeaseID = lease.ID.String()
	u.ServiceURL = o.serviceURL(ctx, mdID, lease)
	u.ChannelLink = o.channelLink(ctx, d.ChannelType, token)
	return nil
}

// serviceURL resolves the public URL of a lease, falling back to the
// configured URL when the marketplace hasn't published one.
func (o *Orchestrator) serviceURL(ctx context.Context, mdID string, l deployer.Lease) string {
	u, err := o.mkt.ServiceURL(ctx, l)
	if err != nil {
		log.Warnf("resolving service url of lease %s: %s", l.ID, err)
	}
	if u != "" {
		return u
	}
	return strings.ReplaceAll(o.conf.FallbackURL, FallbackURLPlaceholder, mdID)
}

func (o *Orchestrator) channelLink(ctx context.Context, ct deployer.ChannelType, token string) string {
	link, err := o.channels.Resolve(ctx, ct, token)
	if err != nil {
		log.Warnf("resolving %s channel link: %s", ct, err)
		return ""
	}
	return link
}

// finish writes the terminal state. It doesn't use the run context, so a
// canceled run still reaches a terminal state.
func (o *Orchestrator) finish(d deployer.Deployment, u deployer.DeploymentUpdate, start time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	outcome := attribute.String("outcome", string(u.Status))
	o.metricProcessed.Add(ctx, 1, outcome)
	o.metricDuration.Record(ctx, o.now().Sub(start).Seconds(), outcome)

	if err := o.repo.UpdateDeployment(ctx, d.ID, u); err != nil {
		log.Errorf("writing terminal state %s of %s: %s", u.Status, d.ID, err)
		return
	}
	if u.Status == deployer.StatusFailed {
		log.Warnf("deployment %s failed: %s", d.ID, u.ErrorMessage)
	} else {
		log.Infof("deployment %s active at %s (lease %s)", d.ID, u.ServiceURL, u.LeaseID)
	}
	o.publishFinalized(ctx, msgbroker.DeploymentFinalized{
		DeploymentID:            d.ID,
		UserID:                  d.UserID,
		Status:                  u.Status,
		ErrorMessage:            u.ErrorMessage,
		MarketplaceDeploymentID: u.MarketplaceDeploymentID,
		LeaseID:                 u.LeaseID,
		ServiceURL:              u.ServiceURL,
		FinalizedAt:             o.now(),
	})
}

func (o *Orchestrator) publishFinalized(ctx context.Context, df msgbroker.DeploymentFinalized) {
	if o.mb == nil {
		return
	}
	if err := msgbroker.PublishMsgDeploymentFinalized(ctx, o.mb, df); err != nil {
		log.Errorf("publishing finalized deployment %s: %s", df.DeploymentID, err)
	}
}

// ReapStuck fails deployments that have been deploying for longer than
// olderThan, which only happens if the run that claimed them died. Runs in
// progress in this process are touched first and are never reaped. It
// returns the number of deployments failed.
func (o *Orchestrator) ReapStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	now := o.now()
	threshold := now.Add(-olderThan)
	if err := o.heartbeat(ctx); err != nil {
		return 0, err
	}
	ids, err := o.repo.FailStuckDeployments(ctx, threshold, InterruptedMessage)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		log.Warnf("deployment %s was stuck deploying, marked as failed", id)
		o.metricReaped.Add(ctx, 1)
		df := msgbroker.DeploymentFinalized{
			DeploymentID: id,
			Status:       deployer.StatusFailed,
			ErrorMessage: InterruptedMessage,
			FinalizedAt:  now,
		}
		if d, err := o.repo.GetDeployment(ctx, id); err == nil {
			df.UserID = d.UserID
			df.MarketplaceDeploymentID = d.MarketplaceDeploymentID
		}
		o.publishFinalized(ctx, df)
	}
	return len(ids), nil
}

// heartbeat refreshes the deployments this process is running.
func (o *Orchestrator) heartbeat(ctx context.Context) error {
	o.lk.Lock()
	ids := make([]deployer.DeploymentID, 0, len(o.inflight))
	for id := range o.inflight {
		ids = append(ids, id)
	}
	o.lk.Unlock()

	for _, id := range ids {
		err := o.repo.TouchDeployment(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotDeploying) {
			return fmt.Errorf("touching running deployment %s: %s", id, err)
		}
	}
	return nil
}

func (o *Orchestrator) track(id deployer.DeploymentID) {
	o.lk.Lock()
	defer o.lk.Unlock()
	o.inflight[id] = struct{}{}
}

func (o *Orchestrator) untrack(id deployer.DeploymentID) {
	o.lk.Lock()
	defer o.lk.Unlock()
	delete(o.inflight, id)
}
