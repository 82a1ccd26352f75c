package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/textileio/deploy-core/cmd/deployerd/queue"
	"github.com/textileio/deploy-core/cmd/deployerd/store"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/manifest"
	"github.com/textileio/deploy-core/msgbroker"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	maxBodySize = 1 << 20
)

var log = golog.Logger("deployer/http-api")

// Store persists deployments.
type Store interface {
	CreateDeployment(ctx context.Context, d deployer.Deployment) (deployer.Deployment, error)
	GetDeployment(ctx context.Context, id deployer.DeploymentID) (deployer.Deployment, error)
	ListDeployments(ctx context.Context, userID string, limit int) ([]deployer.Deployment, error)
	SetPaymentIntent(ctx context.Context, id deployer.DeploymentID, paymentIntentID string) error
	Ping(ctx context.Context) error
}

// Sealer encrypts credentials at rest.
type Sealer interface {
	Encrypt(plaintext string) (string, error)
}

// Enqueuer hands deployments over to the orchestration queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, id deployer.DeploymentID, source string) error
}

// BlacklistLister lists blacklisted providers.
type BlacklistLister interface {
	List(ctx context.Context) ([]deployer.BlacklistEntry, error)
}

// NewServer returns a new http server exposing the payment webhook and the
// deployments API.
func NewServer(
	listenAddr string,
	s Store,
	v Sealer,
	q Enqueuer,
	bl BlacklistLister) (*http.Server, error) {
	httpServer := &http.Server{
		Addr:              listenAddr,
		ReadHeaderTimeout: time.Second * 5,
		WriteTimeout:      time.Second * 10,
		Handler:           createMux(s, v, q, bl),
	}

	log.Infof("Running HTTP API...")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorf("stopping http server: %s", err)
		}
	}()

	return httpServer, nil
}

func createMux(s Store, v Sealer, q Enqueuer, bl BlacklistLister) *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/webhooks/payment", otelhttp.NewHandler(http.HandlerFunc(paymentWebhookHandler(s, q)), "payment-webhook"))
	mux.Handle("/deployments", otelhttp.NewHandler(http.HandlerFunc(deploymentsHandler(s, v)), "deployments"))
	mux.Handle("/deployments/", otelhttp.NewHandler(http.HandlerFunc(getDeploymentHandler(s)), "get-deployment"))
	mux.Handle("/blacklist", otelhttp.NewHandler(http.HandlerFunc(blacklistHandler(bl)), "blacklist"))
	mux.HandleFunc("/healthz", healthHandler(s))
	return mux
}

// paymentWebhookHandler acknowledges payment events and enqueues confirmed
// payments. It never waits for the deployment to run.
func paymentWebhookHandler(s Store, q Enqueuer) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpError(w, "only POST method is allowed", http.StatusMethodNotAllowed)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		var e msgbroker.PaymentEvent
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			httpError(w, fmt.Sprintf("decoding event: %s", err), http.StatusBadRequest)
			return
		}
		if e.Type != msgbroker.PaymentConfirmedEventType {
			log.Debugf("ignoring payment event of type %q", e.Type)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if err := e.Validate(); err != nil {
			httpError(w, fmt.Sprintf("invalid event: %s", err), http.StatusBadRequest)
			return
		}

		if err := s.SetPaymentIntent(r.Context(), e.DeploymentID, e.PaymentIntentID); err != nil {
			log.Warnf("recording payment intent of %s: %s", e.DeploymentID, err)
		}
		err := q.Enqueue(r.Context(), e.DeploymentID, queue.SourceWebhook)
		if errors.Is(err, store.ErrUnknownDeployment) {
			log.Errorf("payment confirmed for unknown deployment %s", e.DeploymentID)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if err != nil {
			httpError(w, fmt.Sprintf("enqueueing deployment: %s", err), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type createDeploymentRequest struct {
	UserID           string               `json:"user_id"`
	Model            string               `json:"model"`
	ChannelType      deployer.ChannelType `json:"channel_type"`
	ChannelToken     string               `json:"channel_token"`
	ChannelAPIKey    string               `json:"channel_api_key"`
	PaymentSessionID string               `json:"payment_session_id"`
}

func deploymentsHandler(s Store, v Sealer) func(w http.ResponseWriter, r *http.Request) {
	create, list := createDeploymentHandler(s, v), listDeploymentsHandler(s)
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			create(w, r)
		case http.MethodGet:
			list(w, r)
		default:
			httpError(w, "only GET and POST methods are allowed", http.StatusMethodNotAllowed)
		}
	}
}

func createDeploymentHandler(s Store, v Sealer) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

		var req createDeploymentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, fmt.Sprintf("decoding request: %s", err), http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.PaymentSessionID == "" {
			httpError(w, "user id and payment session id are required", http.StatusBadRequest)
			return
		}
		if err := manifest.ValidateSecrets(manifest.Secrets{
			ChannelType:   req.ChannelType,
			ChannelToken:  req.ChannelToken,
			ChannelAPIKey: req.ChannelAPIKey,
			Model:         req.Model,
		}); err != nil {
			httpError(w, err.Error(), http.StatusBadRequest)
			return
		}

		d := deployer.Deployment{
			UserID:           req.UserID,
			Model:            req.Model,
			ChannelType:      req.ChannelType,
			PaymentSessionID: req.PaymentSessionID,
			Status:           deployer.StatusPending,
		}
		var err error
		if d.ChannelTokenEnc, err = v.Encrypt(req.ChannelToken); err != nil {
			httpError(w, fmt.Sprintf("encrypting channel token: %s", err), http.StatusInternalServerError)
			return
		}
		if req.ChannelAPIKey != "" {
			if d.ChannelAPIKeyEnc, err = v.Encrypt(req.ChannelAPIKey); err != nil {
				httpError(w, fmt.Sprintf("encrypting channel api key: %s", err), http.StatusInternalServerError)
				return
			}
		}

		d, err = s.CreateDeployment(r.Context(), d)
		if errors.Is(err, store.ErrDeploymentExists) {
			httpError(w, err.Error(), http.StatusConflict)
			return
		}
		if err != nil {
			httpError(w, fmt.Sprintf("creating deployment: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, d)
	}
}

// listDeploymentsHandler lists the most recent deployments of the user_id
// query parameter, up to the optional limit.
func listDeploymentsHandler(s Store) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			httpError(w, "user_id is required", http.StatusBadRequest)
			return
		}
		var limit int
		if l := r.URL.Query().Get("limit"); l != "" {
			var err error
			if limit, err = strconv.Atoi(l); err != nil || limit < 1 {
				httpError(w, fmt.Sprintf("invalid limit %q", l), http.StatusBadRequest)
				return
			}
		}
		ds, err := s.ListDeployments(r.Context(), userID, limit)
		if err != nil {
			httpError(w, fmt.Sprintf("listing deployments: %s", err), http.StatusInternalServerError)
			return
		}
		if ds == nil {
			ds = []deployer.Deployment{}
		}
		writeJSON(w, http.StatusOK, ds)
	}
}

func getDeploymentHandler(s Store) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpError(w, "only GET method is allowed", http.StatusMethodNotAllowed)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/deployments/")
		if id == "" || strings.Contains(id, "/") {
			httpError(w, "invalid deployment id", http.StatusBadRequest)
			return
		}
		d, err := s.GetDeployment(r.Context(), deployer.DeploymentID(id))
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, "deployment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			httpError(w, fmt.Sprintf("getting deployment: %s", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, d)
	}
}

func blacklistHandler(bl BlacklistLister) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpError(w, "only GET method is allowed", http.StatusMethodNotAllowed)
			return
		}
		entries, err := bl.List(r.Context())
		if err != nil {
			httpError(w, fmt.Sprintf("listing blacklist: %s", err), http.StatusInternalServerError)
			return
		}
		if entries == nil {
			entries = []deployer.BlacklistEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func healthHandler(s Store) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second*2)
		defer cancel()
		if err := s.Ping(ctx); err != nil {
			httpError(w, fmt.Sprintf("database unreachable: %s", err), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Errorf("marshaling response: %s", err)
	}
}

func httpError(w http.ResponseWriter, err string, status int) {
	log.Errorf("request error: %s", err)
	http.Error(w, err, status)
}
