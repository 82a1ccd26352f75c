package store

//go:generate sqlc generate

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/oklog/ulid/v2"
	"github.com/textileio/deploy-core/cmd/deployerd/store/internal/db"
	"github.com/textileio/deploy-core/cmd/deployerd/store/migrations"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/storeutil"
	golog "github.com/textileio/go-log/v2"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

var (
	log = golog.Logger("deployer/store")

	// ErrNotFound is returned if the item isn't found in the store.
	ErrNotFound = errors.New("id not found")

	// ErrDeploymentExists indicates that a deployment for the payment session already exists.
	ErrDeploymentExists = errors.New("deployment already exists")

	// ErrNotDeploying is returned when a terminal write targets a deployment that isn't deploying.
	ErrNotDeploying = errors.New("deployment isn't deploying")
)

// Store provides persistent storage for deployments, the provider blacklist
// and orchestration jobs.
type Store struct {
	conn *sql.DB
	db   *db.Queries

	entropy *ulid.MonotonicEntropy
	lk      sync.Mutex
}

// New returns a *Store, migrating the database if needed.
func New(postgresURI string) (*Store, error) {
	conn, err := storeutil.MigrateAndConnectToDB(postgresURI, migrations.FS, ".")
	if err != nil {
		return nil, err
	}
	return &Store{conn: conn, db: db.New(conn)}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// CreateDeployment persists a new pending deployment and returns it with its
// assigned id and timestamps.
func (s *Store) CreateDeployment(ctx context.Context, d deployer.Deployment) (deployer.Deployment, error) {
	if err := validate(d); err != nil {
		return deployer.Deployment{}, fmt.Errorf("invalid deployment: %s", err)
	}
	id, err := s.newID(time.Now())
	if err != nil {
		return deployer.Deployment{}, err
	}
	row, err := s.db.CreateDeployment(ctx, db.CreateDeploymentParams{
		ID:               id,
		UserID:           d.UserID,
		Model:            d.Model,
		ChannelType:      string(d.ChannelType),
		ChannelTokenEnc:  d.ChannelTokenEnc,
		ChannelApiKeyEnc: d.ChannelAPIKeyEnc,
		PaymentSessionID: d.PaymentSessionID,
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return deployer.Deployment{}, ErrDeploymentExists
		}
		return deployer.Deployment{}, fmt.Errorf("creating deployment: %s", err)
	}
	log.Debugf("created deployment %s for user %s", id, d.UserID)
	return deploymentFromDB(row), nil
}

func validate(d deployer.Deployment) error {
	if d.ID != "" {
		return errors.New("id must be empty")
	}
	if d.UserID == "" {
		return errors.New("user id is empty")
	}
	if d.Model == "" {
		return errors.New("model is empty")
	}
	if d.ChannelType == "" {
		return errors.New("channel type is empty")
	}
	if d.ChannelTokenEnc == "" {
		return errors.New("channel token is empty")
	}
	if d.PaymentSessionID == "" {
		return errors.New("payment session id is empty")
	}
	if d.Status != "" && d.Status != deployer.StatusPending {
		return errors.New("initial status must be pending")
	}
	return nil
}

// GetDeployment returns a deployment by id.
// If the deployment doesn't exist, ErrNotFound is returned.
func (s *Store) GetDeployment(ctx context.Context, id deployer.DeploymentID) (deployer.Deployment, error) {
	row, err := s.db.GetDeployment(ctx, string(id))
	if err == sql.ErrNoRows {
		return deployer.Deployment{}, ErrNotFound
	} else if err != nil {
		return deployer.Deployment{}, fmt.Errorf("getting deployment: %s", err)
	}
	return deploymentFromDB(row), nil
}

// ListDeployments returns the most recent deployments of a user.
func (s *Store) ListDeployments(ctx context.Context, userID string, limit int) ([]deployer.Deployment, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	rows, err := s.db.ListUserDeployments(ctx, db.ListUserDeploymentsParams{
		UserID: userID,
		Limit:  int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %s", err)
	}
	ret := make([]deployer.Deployment, len(rows))
	for i := range rows {
		ret[i] = deploymentFromDB(rows[i])
	}
	return ret, nil
}

// CompareAndSetStatus moves the deployment from expected to next in a single
// statement. It returns false if the deployment wasn't in expected status.
func (s *Store) CompareAndSetStatus(
	ctx context.Context,
	id deployer.DeploymentID,
	expected, next deployer.Status) (bool, error) {
	n, err := s.db.CompareAndSetDeploymentStatus(ctx, db.CompareAndSetDeploymentStatusParams{
		ID:       string(id),
		Expected: db.DeploymentStatus(expected),
		Next:     db.DeploymentStatus(next),
	})
	if err != nil {
		return false, fmt.Errorf("updating status: %s", err)
	}
	return n == 1, nil
}

// UpdateDeployment writes the terminal state of a deploying deployment.
func (s *Store) UpdateDeployment(ctx context.Context, id deployer.DeploymentID, u deployer.DeploymentUpdate) error {
	if err := u.Validate(); err != nil {
		return fmt.Errorf("invalid update: %s", err)
	}
	n, err := s.db.FinishDeployment(ctx, db.FinishDeploymentParams{
		ID:                      string(id),
		Status:                  db.DeploymentStatus(u.Status),
		ErrorMessage:            u.ErrorMessage,
		MarketplaceDeploymentID: u.MarketplaceDeploymentID,
		LeaseID:                 u.LeaseID,
		ServiceUrl:              u.ServiceURL,
		ChannelLink:             u.ChannelLink,
	})
	if err != nil {
		return fmt.Errorf("updating deployment: %s", err)
	}
	if n == 0 {
		return ErrNotDeploying
	}
	return nil
}

// TouchDeployment refreshes the update time of a deploying deployment so it
// isn't considered stuck. It returns ErrNotDeploying if the deployment isn't
// deploying.
func (s *Store) TouchDeployment(ctx context.Context, id deployer.DeploymentID) error {
	n, err := s.db.TouchDeployment(ctx, string(id))
	if err != nil {
		return fmt.Errorf("touching deployment: %s", err)
	}
	if n == 0 {
		return ErrNotDeploying
	}
	return nil
}

// SetPaymentIntent records the payment intent of a deployment once.
func (s *Store) SetPaymentIntent(ctx context.Context, id deployer.DeploymentID, paymentIntentID string) error {
	if paymentIntentID == "" {
		return nil
	}
	if _, err := s.db.SetPaymentIntent(ctx, db.SetPaymentIntentParams{
		ID:              string(id),
		PaymentIntentID: paymentIntentID,
	}); err != nil {
		return fmt.Errorf("setting payment intent: %s", err)
	}
	return nil
}

// FailStuckDeployments moves deployments that are deploying since before
// olderThan to failed with errorMessage, returning their ids.
func (s *Store) FailStuckDeployments(
	ctx context.Context,
	olderThan time.Time,
	errorMessage string) ([]deployer.DeploymentID, error) {
	ids, err := s.db.FailStuckDeployments(ctx, db.FailStuckDeploymentsParams{
		ErrorMessage: errorMessage,
		OlderThan:    olderThan,
	})
	if err != nil {
		return nil, fmt.Errorf("failing stuck deployments: %s", err)
	}
	ret := make([]deployer.DeploymentID, len(ids))
	for i := range ids {
		ret[i] = deployer.DeploymentID(ids[i])
	}
	return ret, nil
}

func (s *Store) newID(t time.Time) (string, error) {
	s.lk.Lock() // entropy is not safe for concurrent use

	if s.entropy == nil {
		s.entropy = ulid.Monotonic(rand.Reader, 0)
	}
	id, err := ulid.New(ulid.Timestamp(t.UTC()), s.entropy)
	if errors.Is(err, ulid.ErrMonotonicOverflow) {
		s.entropy = nil
		s.lk.Unlock()
		return s.newID(t)
	} else if err != nil {
		s.lk.Unlock()
		return "", fmt.Errorf("generating id: %v", err)
	}
	s.lk.Unlock()
	return strings.ToLower(id.String()), nil
}

func deploymentFromDB(d db.Deployment) deployer.Deployment {
	return deployer.Deployment{
		ID:                      deployer.DeploymentID(d.ID),
		UserID:                  d.UserID,
		Model:                   d.Model,
		ChannelType:             deployer.ChannelType(d.ChannelType),
		ChannelTokenEnc:         d.ChannelTokenEnc,
		ChannelAPIKeyEnc:        d.ChannelApiKeyEnc,
		PaymentSessionID:        d.PaymentSessionID,
		PaymentIntentID:         d.PaymentIntentID,
		MarketplaceDeploymentID: d.MarketplaceDeploymentID,
		LeaseID:                 d.LeaseID,
		ServiceURL:              d.ServiceUrl,
		ChannelLink:             d.ChannelLink,
		Status:                  deployer.Status(d.Status),
		ErrorMessage:            d.ErrorMessage,
		CreatedAt:               d.CreatedAt,
		UpdatedAt:               d.UpdatedAt,
	}
}
