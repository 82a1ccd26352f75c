package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/textileio/deploy-core/cmd/deployerd/blacklist"
	"github.com/textileio/deploy-core/cmd/deployerd/httpapi"
	"github.com/textileio/deploy-core/cmd/deployerd/marketplace"
	"github.com/textileio/deploy-core/cmd/deployerd/negotiator"
	"github.com/textileio/deploy-core/cmd/deployerd/orchestrator"
	"github.com/textileio/deploy-core/cmd/deployerd/queue"
	"github.com/textileio/deploy-core/cmd/deployerd/store"
	"github.com/textileio/deploy-core/common"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/manifest"
	"github.com/textileio/deploy-core/msgbroker"
	"github.com/textileio/deploy-core/rpc"
	"github.com/textileio/deploy-core/vault"
	golog "github.com/textileio/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = golog.Logger("deployer/service")

var _ blacklist.Repository = (*store.Store)(nil)

// Config defines params for Service configuration.
type Config struct {
	HTTPListenAddr string
	GRPCListenAddr string

	PostgresURI string
	VaultKey    string

	MarketplaceAPIURL         string
	MarketplaceAPIKey         string
	MarketplaceRequestTimeout time.Duration
	MarketplaceMaxAttempts    int
	MarketplaceRetryBaseDelay time.Duration

	Orchestrator orchestrator.Config
	Negotiator   negotiator.Config
	Queue        queue.Config

	MaintenanceFreq        time.Duration
	StuckDeploymentTimeout time.Duration
}

// Service wires the deployment orchestration engine with its HTTP API,
// message broker subscriptions and gRPC health endpoint.
type Service struct {
	store      *store.Store
	queue      *queue.Queue
	orch       *orchestrator.Orchestrator
	blacklist  *blacklist.Blacklist
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server

	closeMaintenance context.CancelFunc
	maintenanceWg    sync.WaitGroup
}

// New returns a new Service. mb is optional; when present the service
// subscribes to payment confirmations and publishes finalized deployments.
func New(conf Config, mb msgbroker.MsgBroker) (*Service, error) {
	if err := validateConfig(conf); err != nil {
		return nil, fmt.Errorf("config is invalid: %w", err)
	}

	v, err := vault.New(conf.VaultKey)
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	mkt, err := marketplace.New(conf.MarketplaceAPIURL, conf.MarketplaceAPIKey,
		marketplace.WithRequestTimeout(conf.MarketplaceRequestTimeout),
		marketplace.WithMaxAttempts(conf.MarketplaceMaxAttempts),
		marketplace.WithRetryBaseDelay(conf.MarketplaceRetryBaseDelay))
	if err != nil {
		return nil, fmt.Errorf("creating marketplace client: %w", err)
	}

	s, err := store.New(conf.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("creating store: %s", err)
	}
	srv := &Service{store: s}

	srv.blacklist = blacklist.New(s)
	neg, err := negotiator.New(conf.Negotiator, mkt, srv.blacklist)
	if err != nil {
		return nil, srv.cleanupf("creating negotiator: %w", err)
	}
	var opts []orchestrator.Option
	if mb != nil {
		opts = append(opts, orchestrator.WithMsgBroker(mb))
	}
	srv.orch, err = orchestrator.New(conf.Orchestrator, s, v, mkt, neg, srv.blacklist, opts...)
	if err != nil {
		return nil, srv.cleanupf("creating orchestrator: %w", err)
	}
	srv.queue, err = queue.New(conf.Queue, s, srv.orch.Process)
	if err != nil {
		return nil, srv.cleanupf("creating queue: %w", err)
	}

	if mb != nil {
		if err := msgbroker.RegisterHandlers(mb, srv); err != nil {
			return nil, srv.cleanupf("registering msgbroker handlers: %s", err)
		}
	}

	srv.httpServer, err = httpapi.NewServer(conf.HTTPListenAddr, s, v, srv.queue, srv.blacklist)
	if err != nil {
		return nil, srv.cleanupf("creating http server: %s", err)
	}

	listener, err := net.Listen("tcp", conf.GRPCListenAddr)
	if err != nil {
		_ = srv.httpServer.Close()
		return nil, srv.cleanupf("getting net listener: %v", err)
	}
	srv.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(common.GrpcLoggerInterceptor(log)))
	srv.health = health.NewServer()
	healthpb.RegisterHealthServer(srv.grpcServer, srv.health)
	go func() {
		if err := srv.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Errorf("server error: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	srv.closeMaintenance = cancel
	srv.maintenanceWg.Add(1)
	go srv.maintenance(ctx, conf.MaintenanceFreq, conf.StuckDeploymentTimeout)

	srv.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	log.Infof("service listening at http %s and grpc %s", conf.HTTPListenAddr, conf.GRPCListenAddr)
	return srv, nil
}

// OnPaymentConfirmed implements msgbroker.PaymentConfirmedListener.
func (s *Service) OnPaymentConfirmed(ctx context.Context, e msgbroker.PaymentEvent) error {
	if err := s.store.SetPaymentIntent(ctx, e.DeploymentID, e.PaymentIntentID); err != nil {
		log.Warnf("recording payment intent of %s: %s", e.DeploymentID, err)
	}
	err := s.queue.Enqueue(ctx, e.DeploymentID, queue.SourceMsgBroker)
	if errors.Is(err, store.ErrUnknownDeployment) {
		log.Errorf("payment confirmed for unknown deployment %s", e.DeploymentID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueueing deployment %s: %s", e.DeploymentID, err)
	}
	return nil
}

func (s *Service) maintenance(ctx context.Context, freq, stuckAfter time.Duration) {
	defer s.maintenanceWg.Done()
	ticker := time.NewTicker(freq)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := s.blacklist.CleanupExpired(ctx); err != nil {
			log.Errorf("cleaning up expired blacklist entries: %s", err)
		} else if n > 0 {
			log.Infof("removed %d expired blacklist entries", n)
		}
		if _, err := s.orch.ReapStuck(ctx, stuckAfter); err != nil {
			log.Errorf("reaping stuck deployments: %s", err)
		}
	}
}

// Close the service.
func (s *Service) Close() error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Errorf("shutting down http server: %s", err)
	}
	rpc.StopServer(s.grpcServer)

	s.closeMaintenance()
	s.maintenanceWg.Wait()

	log.Info("service was shutdown")
	return s.cleanupf("closing service: %w", nil)
}

// cleanupf closes the components created so far. When err is nil and no
// component fails to close, it returns nil.
func (s *Service) cleanupf(format string, err error) error {
	var errs []string
	if s.queue != nil {
		if cerr := s.queue.Close(); cerr != nil {
			errs = append(errs, fmt.Sprintf("closing queue: %s", cerr))
		}
	}
	if cerr := s.store.Close(); cerr != nil {
		errs = append(errs, fmt.Sprintf("closing store: %s", cerr))
	}
	if err == nil && len(errs) == 0 {
		return nil
	}
	if err == nil {
		err = fmt.Errorf("%v", errs)
	} else if len(errs) > 0 {
		log.Errorf("cleaning up after failure: %v", errs)
	}
	return fmt.Errorf(format, err)
}

func validateConfig(conf Config) error {
	if conf.HTTPListenAddr == "" {
		return deployer.Errorf(deployer.KindConfiguration, "http listen addr is empty")
	}
	if conf.GRPCListenAddr == "" {
		return deployer.Errorf(deployer.KindConfiguration, "grpc listen addr is empty")
	}
	if conf.PostgresURI == "" {
		return deployer.Errorf(deployer.KindConfiguration, "postgres uri is empty")
	}
	if conf.MaintenanceFreq <= 0 {
		return deployer.Errorf(deployer.KindConfiguration, "maintenance frequency must be positive")
	}
	if conf.StuckDeploymentTimeout <= 0 {
		return deployer.Errorf(deployer.KindConfiguration, "stuck deployment timeout must be positive")
	}
	// Each maintenance tick touches the runs of this process, which must
	// happen before other processes consider them stuck.
	if conf.MaintenanceFreq >= conf.StuckDeploymentTimeout {
		return deployer.Errorf(deployer.KindConfiguration, "maintenance frequency must be shorter than stuck deployment timeout")
	}
	if err := manifest.ValidateParams(conf.Orchestrator.Manifest); err != nil {
		return err
	}
	return nil
}
