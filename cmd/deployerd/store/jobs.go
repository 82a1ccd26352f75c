package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/textileio/deploy-core/cmd/deployerd/store/internal/db"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/storeutil"
)

// JobStatus is the status of an orchestration job.
type JobStatus string

const (
	// JobStatusQueued indicates the job is waiting for a worker.
	JobStatusQueued = JobStatus(db.JobStatusQueued)
	// JobStatusExecuting indicates a worker is running the job.
	JobStatusExecuting = JobStatus(db.JobStatusExecuting)
	// JobStatusDone indicates the job finished.
	JobStatusDone = JobStatus(db.JobStatusDone)
)

// ErrUnknownDeployment is returned when a job references a deployment that doesn't exist.
var ErrUnknownDeployment = errors.New("unknown deployment")

// Job is a request to orchestrate a deployment.
type Job struct {
	ID           string
	DeploymentID deployer.DeploymentID
	Source       string
	Status       JobStatus
	Attempts     int
	ErrorCause   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateJob queues a job for the deployment. It returns false if the
// deployment already has a job.
func (s *Store) CreateJob(ctx context.Context, deploymentID deployer.DeploymentID, source string) (Job, bool, error) {
	var (
		job     Job
		created bool
	)
	err := storeutil.WithTx(ctx, s.conn, func(tx *sql.Tx) error {
		txn := s.db.WithTx(tx)
		n, err := txn.CreateJob(ctx, db.CreateJobParams{
			ID:           uuid.New().String(),
			DeploymentID: string(deploymentID),
			Source:       source,
		})
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return ErrUnknownDeployment
			}
			return fmt.Errorf("creating job: %s", err)
		}
		created = n == 1
		row, err := txn.GetJobByDeployment(ctx, string(deploymentID))
		if err != nil {
			return fmt.Errorf("getting job: %s", err)
		}
		job = jobFromDB(row)
		return nil
	}, storeutil.TxWithIsolation(sql.LevelReadCommitted))
	if err != nil {
		return Job{}, false, err
	}
	return job, created, nil
}

// ClaimJob moves a queued job to executing. It returns false if the job
// wasn't queued.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	n, err := s.db.ClaimJob(ctx, id)
	if err != nil {
		return false, fmt.Errorf("claiming job: %s", err)
	}
	return n == 1, nil
}

// ClaimNextJob claims the oldest queued job, or an executing job that wasn't
// updated in stuckSeconds. It returns false if there's none.
func (s *Store) ClaimNextJob(ctx context.Context, stuckSeconds int64) (Job, bool, error) {
	row, err := s.db.ClaimNextJob(ctx, stuckSeconds)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	} else if err != nil {
		return Job{}, false, fmt.Errorf("claiming next job: %s", err)
	}
	return jobFromDB(row), true, nil
}

// SetJobStatus sets the status and error cause of a job.
func (s *Store) SetJobStatus(ctx context.Context, id string, status JobStatus, errCause string) error {
	n, err := s.db.UpdateJobStatus(ctx, db.UpdateJobStatusParams{
		ID:         id,
		Status:     db.JobStatus(status),
		ErrorCause: errCause,
	})
	if err != nil {
		return fmt.Errorf("updating job status: %s", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func jobFromDB(j db.OrchestrationJob) Job {
	return Job{
		ID:           j.ID,
		DeploymentID: deployer.DeploymentID(j.DeploymentID),
		Source:       j.Source,
		Status:       JobStatus(j.Status),
		Attempts:     int(j.Attempts),
		ErrorCause:   j.ErrorCause,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}
