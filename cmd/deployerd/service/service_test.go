package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/deploy-core/cmd/deployerd/negotiator"
	"github.com/textileio/deploy-core/cmd/deployerd/orchestrator"
	"github.com/textileio/deploy-core/cmd/deployerd/queue"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/manifest"
	"github.com/textileio/deploy-core/msgbroker"
	"github.com/textileio/deploy-core/msgbroker/fakemsgbroker"
	"github.com/textileio/deploy-core/rpc"
	"github.com/textileio/deploy-core/tests"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestDeployFromPaymentMessage(t *testing.T) {
	t.Parallel()
	mb := fakemsgbroker.New()
	conf := newConfig(t, marketplaceStub(t))
	s, err := New(conf, mb)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	base := "http://" + conf.HTTPListenAddr
	waitHealthy(t, base)

	body, err := json.Marshal(map[string]string{
		"user_id":            "user-1",
		"model":              "gpt-4o-mini",
		"channel_type":       "telegram",
		"channel_token":      "123456:ABC-DEF",
		"payment_session_id": "cs_test_1",
	})
	require.NoError(t, err)
	res, err := http.Post(base+"/deployments", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var d deployer.Deployment
	require.NoError(t, json.NewDecoder(res.Body).Decode(&d))
	require.NoError(t, res.Body.Close())
	require.Equal(t, http.StatusCreated, res.StatusCode)
	require.Equal(t, deployer.StatusPending, d.Status)

	e, err := json.Marshal(msgbroker.PaymentEvent{
		Type:            msgbroker.PaymentConfirmedEventType,
		DeploymentID:    d.ID,
		PaymentIntentID: "pi_1",
	})
	require.NoError(t, err)
	require.NoError(t, mb.Deliver(context.Background(), msgbroker.PaymentConfirmedTopic, e))
	// A redelivery is absorbed by the job dedupe.
	require.NoError(t, mb.Deliver(context.Background(), msgbroker.PaymentConfirmedTopic, e))

	require.Eventually(t, func() bool {
		got := getDeployment(t, base, d.ID)
		return got.Status == deployer.StatusActive
	}, time.Second*10, time.Millisecond*50)

	got := getDeployment(t, base, d.ID)
	assert.Equal(t, "https://bot.provider-b.example", got.ServiceURL)
	assert.Equal(t, "d-1", got.MarketplaceDeploymentID)
	assert.Equal(t, "pi_1", got.PaymentIntentID)
	assert.Empty(t, got.ErrorMessage)

	res, err = http.Get(base + "/deployments?user_id=user-1")
	require.NoError(t, err)
	var listed []deployer.Deployment
	require.NoError(t, json.NewDecoder(res.Body).Decode(&listed))
	require.NoError(t, res.Body.Close())
	require.Len(t, listed, 1)
	assert.Equal(t, d.ID, listed[0].ID)
	assert.Equal(t, deployer.StatusActive, listed[0].Status)

	require.Eventually(t, func() bool {
		return mb.TotalPublishedTopic(msgbroker.DeploymentFinalizedTopic) == 1
	}, time.Second*5, time.Millisecond*50)
	data, err := mb.GetMsg(msgbroker.DeploymentFinalizedTopic, 0)
	require.NoError(t, err)
	var df msgbroker.DeploymentFinalized
	require.NoError(t, json.Unmarshal(data, &df))
	assert.Equal(t, d.ID, df.DeploymentID)
	assert.Equal(t, deployer.StatusActive, df.Status)
}

func TestGRPCHealth(t *testing.T) {
	t.Parallel()
	conf := newConfig(t, marketplaceStub(t))
	s, err := New(conf, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })

	conn, err := grpc.Dial(conf.GRPCListenAddr, rpc.GetClientOpts(conf.GRPCListenAddr)...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, conn.Close()) })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{}, grpc.WaitForReady(true))
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, res.Status)
}

func TestNewConfigurationErrors(t *testing.T) {
	t.Parallel()

	valid := Config{
		HTTPListenAddr:         ":0",
		GRPCListenAddr:         ":0",
		PostgresURI:            "postgres://unused",
		VaultKey:               "secret",
		MarketplaceAPIURL:      "http://localhost",
		MarketplaceAPIKey:      "key",
		MarketplaceMaxAttempts: 3,
		Orchestrator:           orchestrator.Config{Manifest: gParams},
		MaintenanceFreq:        time.Minute,
		StuckDeploymentTimeout: time.Hour,
	}
	tests := []struct {
		name string
		f    func(*Config)
	}{
		{"empty vault key", func(c *Config) { c.VaultKey = "" }},
		{"empty marketplace url", func(c *Config) { c.MarketplaceAPIURL = "" }},
		{"empty marketplace key", func(c *Config) { c.MarketplaceAPIKey = "" }},
		{"empty postgres uri", func(c *Config) { c.PostgresURI = "" }},
		{"zero maintenance freq", func(c *Config) { c.MaintenanceFreq = 0 }},
		{"maintenance slower than stuck timeout", func(c *Config) { c.MaintenanceFreq = c.StuckDeploymentTimeout }},
		{"bad manifest params", func(c *Config) { c.Orchestrator.Manifest.MemorySize = "1GB" }},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			conf := valid
			tc.f(&conf)
			_, err := New(conf, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, deployer.KindConfiguration) || errors.Is(err, deployer.KindValidation))
		})
	}
}

var gParams = manifest.Params{
	ServiceName:   "bot",
	Image:         "ghcr.io/example/bot:1.2.0",
	CPUUnits:      0.5,
	MemorySize:    "512Mi",
	StorageSize:   "1Gi",
	Port:          8080,
	PricingDenom:  "uakt",
	PricingAmount: 1000,
}

func newConfig(t *testing.T, marketplaceURL string) Config {
	u, err := tests.PostgresURL()
	require.NoError(t, err)

	qconf := queue.DefaultConfig
	qconf.StartDelay = time.Millisecond * 10
	qconf.PollInterval = time.Millisecond * 100

	return Config{
		HTTPListenAddr:            freeAddr(t),
		GRPCListenAddr:            freeAddr(t),
		PostgresURI:               u,
		VaultKey:                  "test-secret",
		MarketplaceAPIURL:         marketplaceURL,
		MarketplaceAPIKey:         "key",
		MarketplaceRequestTimeout: time.Second * 5,
		MarketplaceMaxAttempts:    3,
		MarketplaceRetryBaseDelay: time.Millisecond * 10,
		Orchestrator: orchestrator.Config{
			Manifest:        gParams,
			BidTimeout:      time.Second * 2,
			BidPollInterval: time.Millisecond * 100,
			BidMaxAttempts:  3,
			FallbackURL:     "https://console.example/" + orchestrator.FallbackURLPlaceholder,
		},
		Negotiator: negotiator.Config{
			MaxRetries:        1,
			RetryBaseDelay:    time.Millisecond * 10,
			BlacklistCooldown: time.Hour,
		},
		Queue:                  qconf,
		MaintenanceFreq:        time.Minute,
		StuckDeploymentTimeout: time.Hour,
	}
}

// marketplaceStub serves two bids; the cheaper provider is unavailable so
// the lease lands on provider-b.
func marketplaceStub(t *testing.T) string {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/deployments", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Manifest string `json:"manifest"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, map[string]string{"deployment_id": "d-1", "manifest": req.Manifest})
	})
	mux.HandleFunc("/v1/deployments/d-1/bids", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"bids": []map[string]interface{}{
				{"provider": "provider-a", "price": map[string]string{"amount": "10", "denom": "uakt"},
					"dseq": "42", "gseq": 1, "oseq": 1},
				{"provider": "provider-b", "price": map[string]string{"amount": "12.5", "denom": "uakt"},
					"dseq": "42", "gseq": 1, "oseq": 1},
			},
		})
	})
	mux.HandleFunc("/v1/leases", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Provider string `json:"provider"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Provider == "provider-a" {
			writeJSON(w, http.StatusBadGateway, map[string]interface{}{
				"error": map[string]string{"code": "provider_unavailable", "message": "connection refused"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"lease": map[string]interface{}{
				"dseq": "42", "gseq": 1, "oseq": 1, "provider": req.Provider, "state": "active",
				"service_url": "https://bot." + req.Provider + ".example",
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getDeployment(t *testing.T, base string, id deployer.DeploymentID) deployer.Deployment {
	res, err := http.Get(base + "/deployments/" + string(id))
	require.NoError(t, err)
	defer func() { require.NoError(t, res.Body.Close()) }()
	require.Equal(t, http.StatusOK, res.StatusCode)
	var d deployer.Deployment
	require.NoError(t, json.NewDecoder(res.Body).Decode(&d))
	return d
}

func waitHealthy(t *testing.T, base string) {
	require.Eventually(t, func() bool {
		res, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		_ = res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, time.Second*5, time.Millisecond*20)
}

func freeAddr(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	require.False(t, strings.HasSuffix(addr, ":0"))
	return addr
}
