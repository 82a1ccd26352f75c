package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/textileio/deploy-core/cmd/deployerd/metrics"
	"github.com/textileio/deploy-core/deployer"
	metricsutil "github.com/textileio/deploy-core/metrics"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	codeProviderUnavailable = "provider_unavailable"
	codeInvalidManifest     = "invalid_manifest"

	maxErrorBodySize = 64 << 10
)

var log = golog.Logger("deployer/marketplace")

// Marketplace is the remote bid/lease marketplace.
type Marketplace interface {
	// CreateDeployment publishes a manifest and returns the marketplace
	// deployment id and the acknowledged manifest.
	CreateDeployment(ctx context.Context, manifest string) (deploymentID, ackManifest string, err error)
	// ListBids polls the bids of a deployment on a fixed interval, returning
	// after maxAttempts polls or timeout, whichever comes first. On error the
	// bids accumulated so far are returned along with it.
	ListBids(
		ctx context.Context,
		deploymentID string,
		pollInterval time.Duration,
		maxAttempts int,
		timeout time.Duration) ([]deployer.Bid, error)
	// CreateLease accepts a bid.
	CreateLease(ctx context.Context, ackManifest, deploymentID string, bid deployer.Bid) (deployer.Lease, error)
	// ServiceURL returns the public URL of a leased workload, or an empty
	// string if the provider hasn't published one yet.
	ServiceURL(ctx context.Context, lease deployer.Lease) (string, error)
}

// Client is an HTTP client of the marketplace API.
type Client struct {
	baseURL *url.URL
	apiKey  string
	hc      *http.Client
	conf    config

	metricCalls    metric.Int64Counter
	metricDuration metric.Float64Histogram
}

var _ Marketplace = (*Client)(nil)

// New returns a new Client for the API at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, deployer.Errorf(deployer.KindConfiguration, "marketplace api url is empty")
	}
	if apiKey == "" {
		return nil, deployer.Errorf(deployer.KindConfiguration, "marketplace api key is empty")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, deployer.Errorf(deployer.KindConfiguration, "invalid marketplace api url %q", baseURL)
	}
	conf := defaultConfig
	for _, opt := range opts {
		if err := opt(&conf); err != nil {
			return nil, fmt.Errorf("applying option: %s", err)
		}
	}
	hc := conf.httpClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		baseURL:        u,
		apiKey:         apiKey,
		hc:             hc,
		conf:           conf,
		metricCalls:    metrics.Meter.NewInt64Counter(metrics.Prefix + ".marketplace_calls_total"),
		metricDuration: metrics.Meter.NewFloat64Histogram(metrics.Prefix + ".marketplace_call_duration_seconds"),
	}, nil
}

type createDeploymentRequest struct {
	Manifest string `json:"manifest"`
}

type createDeploymentResponse struct {
	DeploymentID string `json:"deployment_id"`
	Manifest     string `json:"manifest"`
}

// CreateDeployment implements Marketplace.
func (c *Client) CreateDeployment(ctx context.Context, manifest string) (string, string, error) {
	if strings.TrimSpace(manifest) == "" {
		return "", "", deployer.Errorf(deployer.KindValidation, "manifest is empty")
	}
	var res createDeploymentResponse
	err := c.call(ctx, "create-deployment", http.MethodPost, "/v1/deployments",
		createDeploymentRequest{Manifest: manifest}, &res)
	if err != nil {
		return "", "", err
	}
	if res.DeploymentID == "" {
		return "", "", deployer.Errorf(deployer.KindProtocol, "marketplace returned an empty deployment id")
	}
	if res.Manifest == "" {
		res.Manifest = manifest
	}
	log.Debugf("created marketplace deployment %s", res.DeploymentID)
	return res.DeploymentID, res.Manifest, nil
}

type price struct {
	Amount string `json:"amount"`
	Denom  string `json:"denom"`
}

type bid struct {
	Provider        string `json:"provider"`
	ProviderAddress string `json:"provider_address"`
	Price           price  `json:"price"`
	DSeq            string `json:"dseq"`
	GSeq            uint32 `json:"gseq"`
	OSeq            uint32 `json:"oseq"`
}

type listBidsResponse struct {
	Bids []bid `json:"bids"`
}

type bidKey struct {
	provider   string
	gseq, oseq uint32
}

// ListBids implements Marketplace. Bids accumulate across polls in the order
// they were first seen; an empty result is not an error.
func (c *Client) ListBids(
	ctx context.Context,
	deploymentID string,
	pollInterval time.Duration,
	maxAttempts int,
	timeout time.Duration) ([]deployer.Bid, error) {
	if deploymentID == "" {
		return nil, deployer.Errorf(deployer.KindValidation, "deployment id is empty")
	}
	if pollInterval <= 0 || maxAttempts < 1 || timeout <= 0 {
		return nil, deployer.Errorf(deployer.KindConfiguration,
			"invalid bid polling bounds (interval %s, attempts %d, timeout %s)", pollInterval, maxAttempts, timeout)
	}
	window := timeout
	if pollBound := pollInterval * time.Duration(maxAttempts); pollBound < window {
		window = pollBound
	}
	pollCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	path := "/v1/deployments/" + url.PathEscape(deploymentID) + "/bids"
	seen := map[bidKey]struct{}{}
	var bids []deployer.Bid
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var res listBidsResponse
		err := c.call(pollCtx, "list-bids", http.MethodGet, path, nil, &res)
		if err != nil {
			if ctx.Err() != nil {
				return bids, ctx.Err()
			}
			if pollCtx.Err() != nil {
				break
			}
			if !errors.Is(err, deployer.KindTransient) {
				return bids, err
			}
			log.Warnf("polling bids of %s (attempt %d/%d): %s", deploymentID, attempt, maxAttempts, err)
		}
		for _, b := range res.Bids {
			k := bidKey{provider: b.Provider, gseq: b.GSeq, oseq: b.OSeq}
			if _, ok := seen[k]; ok {
				continue
			}
			db, err := bidFromAPI(b, deploymentID)
			if err != nil {
				log.Warnf("ignoring bid from %s: %s", b.Provider, err)
				continue
			}
			seen[k] = struct{}{}
			db.Index = len(bids)
			bids = append(bids, db)
		}
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(pollInterval)
		select {
		case <-pollCtx.Done():
			t.Stop()
			if ctx.Err() != nil {
				return bids, ctx.Err()
			}
			log.Debugf("collected %d bids for %s in %d polls", len(bids), deploymentID, attempt)
			return bids, nil
		case <-t.C:
		}
	}
	log.Debugf("collected %d bids for %s", len(bids), deploymentID)
	return bids, nil
}

func bidFromAPI(b bid, deploymentID string) (deployer.Bid, error) {
	if b.Provider == "" {
		return deployer.Bid{}, errors.New("provider is empty")
	}
	amount, err := strconv.ParseFloat(b.Price.Amount, 64)
	if err != nil {
		return deployer.Bid{}, fmt.Errorf("parsing price %q: %s", b.Price.Amount, err)
	}
	if amount < 0 {
		return deployer.Bid{}, fmt.Errorf("negative price %q", b.Price.Amount)
	}
	dseq := b.DSeq
	if dseq == "" {
		dseq = deploymentID
	}
	return deployer.Bid{
		ProviderID:      b.Provider,
		ProviderAddress: b.ProviderAddress,
		Price:           deployer.Price{Amount: amount, Denom: b.Price.Denom},
		DSeq:            dseq,
		GSeq:            b.GSeq,
		OSeq:            b.OSeq,
	}, nil
}

type createLeaseRequest struct {
	DeploymentID string `json:"deployment_id"`
	Manifest     string `json:"manifest"`
	Provider     string `json:"provider"`
	GSeq         uint32 `json:"gseq"`
	OSeq         uint32 `json:"oseq"`
}

type lease struct {
	DSeq       string `json:"dseq"`
	GSeq       uint32 `json:"gseq"`
	OSeq       uint32 `json:"oseq"`
	Provider   string `json:"provider"`
	State      string `json:"state"`
	ServiceURL string `json:"service_url"`
}

type createLeaseResponse struct {
	Lease lease `json:"lease"`
}

// CreateLease implements Marketplace.
func (c *Client) CreateLease(
	ctx context.Context,
	ackManifest, deploymentID string,
	b deployer.Bid) (deployer.Lease, error) {
	if deploymentID == "" || b.ProviderID == "" {
		return deployer.Lease{}, deployer.Errorf(deployer.KindValidation, "deployment id and provider are required")
	}
	var res createLeaseResponse
	err := c.call(ctx, "create-lease", http.MethodPost, "/v1/leases", createLeaseRequest{
		DeploymentID: deploymentID,
		Manifest:     ackManifest,
		Provider:     b.ProviderID,
		GSeq:         b.GSeq,
		OSeq:         b.OSeq,
	}, &res)
	if err != nil {
		return deployer.Lease{}, err
	}
	l := deployer.Lease{
		ID: deployer.LeaseID{
			DSeq:     res.Lease.DSeq,
			GSeq:     res.Lease.GSeq,
			OSeq:     res.Lease.OSeq,
			Provider: res.Lease.Provider,
		},
		State:      res.Lease.State,
		ServiceURL: res.Lease.ServiceURL,
	}
	if l.ID.DSeq == "" {
		l.ID.DSeq = b.DSeq
	}
	if l.ID.Provider == "" {
		l.ID.Provider = b.ProviderID
	}
	return l, nil
}

type leaseStatusResponse struct {
	Services map[string]struct {
		URIs []string `json:"uris"`
	} `json:"services"`
}

// ServiceURL implements Marketplace.
func (c *Client) ServiceURL(ctx context.Context, l deployer.Lease) (string, error) {
	if l.ServiceURL != "" {
		return l.ServiceURL, nil
	}
	path := fmt.Sprintf("/v1/leases/%s/%d/%d/%s/status",
		url.PathEscape(l.ID.DSeq), l.ID.GSeq, l.ID.OSeq, url.PathEscape(l.ID.Provider))
	var res leaseStatusResponse
	if err := c.call(ctx, "lease-status", http.MethodGet, path, nil, &res); err != nil {
		return "", err
	}
	names := make([]string, 0, len(res.Services))
	for name := range res.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, uri := range res.Services[name].URIs {
			if uri == "" {
				continue
			}
			if !strings.Contains(uri, "://") {
				uri = "http://" + uri
			}
			return uri, nil
		}
	}
	return "", nil
}

type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call runs a JSON request against the API with retries.
func (c *Client) call(ctx context.Context, op, method, path string, in, out interface{}) (err error) {
	start := time.Now()
	opAttr := attribute.String("op", op)
	defer func() {
		metricsutil.MetricIncrCounter(ctx, err, c.metricCalls, opAttr)
		metricsutil.MetricRecordSince(ctx, start, err, c.metricDuration, opAttr)
	}()

	var body []byte
	if in != nil {
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %s", err)
		}
	}
	return c.callWithRetry(ctx, op, func(ctx context.Context) error {
		return c.do(ctx, method, path, body, out)
	})
}

// do makes a single HTTP call. Errors that must not be retried are wrapped
// with backoff.Permanent.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.conf.requestTimeout)
	defer cancel()

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL.String()+path, r)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("creating request: %s", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if isTransientNetErr(err) {
			return deployer.Errorf(deployer.KindTransient, "%s %s: %s", method, path, err)
		}
		return permanent(deployer.KindProtocol, "%s %s: %s", method, path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			if isTransientNetErr(err) && !errors.Is(err, io.EOF) {
				return deployer.Errorf(deployer.KindTransient, "reading %s response: %s", path, err)
			}
			return permanent(deployer.KindProtocol, "decoding %s response: %s", path, err)
		}
		return nil
	}

	var apiErr apiError
	raw, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodySize))
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		msg = apiErr.Error.Message
	}
	code := apiErr.Error.Code
	switch {
	case code == codeProviderUnavailable:
		return permanent(deployer.KindProviderUnavailable, "%s %s: %s", method, path, msg)
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return deployer.Errorf(deployer.KindTransient, "%s %s: status %d: %s", method, path, res.StatusCode, msg)
	case code == codeInvalidManifest ||
		res.StatusCode == http.StatusBadRequest ||
		res.StatusCode == http.StatusUnprocessableEntity:
		return permanent(deployer.KindValidation, "%s %s: status %d: %s", method, path, res.StatusCode, msg)
	default:
		return permanent(deployer.KindProtocol, "%s %s: status %d: %s", method, path, res.StatusCode, msg)
	}
}
