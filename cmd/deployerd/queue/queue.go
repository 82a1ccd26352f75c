package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/textileio/deploy-core/cmd/deployerd/metrics"
	"github.com/textileio/deploy-core/cmd/deployerd/store"
	"github.com/textileio/deploy-core/deployer"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var log = golog.Logger("deployer/queue")

// Sources of orchestration jobs.
const (
	SourceWebhook   = "webhook"
	SourceMsgBroker = "msgbroker"
	SourceAPI       = "api"
)

// Store persists orchestration jobs.
type Store interface {
	CreateJob(ctx context.Context, deploymentID deployer.DeploymentID, source string) (store.Job, bool, error)
	ClaimJob(ctx context.Context, id string) (bool, error)
	ClaimNextJob(ctx context.Context, stuckSeconds int64) (store.Job, bool, error)
	SetJobStatus(ctx context.Context, id string, status store.JobStatus, errCause string) error
}

// Handler runs a deployment. An error means the deployment couldn't be
// claimed and the job should run again.
type Handler func(ctx context.Context, id deployer.DeploymentID) error

// Config configures the queue.
type Config struct {
	// MaxConcurrency is the maximum number of deployments handled concurrently.
	MaxConcurrency int
	// StartDelay is the delay before the queue processes jobs left queued
	// by a previous run.
	StartDelay time.Duration
	// PollInterval is how often the queue looks for queued and stuck jobs.
	PollInterval time.Duration
	// StuckAfter is the time after which an executing job that wasn't
	// updated is picked up again.
	StuckAfter time.Duration
	// MaxAttempts is the number of times a failing job is run before it's
	// given up.
	MaxAttempts int
}

// DefaultConfig is the default queue configuration.
var DefaultConfig = Config{
	MaxConcurrency: 10,
	StartDelay:     time.Second * 10,
	PollInterval:   time.Minute,
	StuckAfter:     time.Minute * 30,
	MaxAttempts:    5,
}

// Queue is a persistent worker-based queue of orchestration jobs.
type Queue struct {
	conf    Config
	store   Store
	handler Handler
	jobCh   chan store.Job
	tickCh  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metricEnqueued metric.Int64Counter
	metricHandled  metric.Int64Counter
}

// New returns a new Queue using handler to run deployments.
func New(conf Config, s Store, handler Handler) (*Queue, error) {
	if conf.MaxConcurrency < 1 {
		return nil, errors.New("max concurrency must be at least one")
	}
	if conf.PollInterval <= 0 || conf.StuckAfter <= 0 {
		return nil, errors.New("poll interval and stuck threshold must be positive")
	}
	if conf.MaxAttempts < 1 {
		return nil, errors.New("max attempts must be at least one")
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		conf:           conf,
		store:          s,
		handler:        handler,
		jobCh:          make(chan store.Job, conf.MaxConcurrency),
		tickCh:         make(chan struct{}, conf.MaxConcurrency),
		ctx:            ctx,
		cancel:         cancel,
		metricEnqueued: metrics.Meter.NewInt64Counter(metrics.Prefix + ".jobs_enqueued_total"),
		metricHandled:  metrics.Meter.NewInt64Counter(metrics.Prefix + ".jobs_handled_total"),
	}

	// Create queue workers
	q.wg.Add(conf.MaxConcurrency)
	for i := 0; i < conf.MaxConcurrency; i++ {
		go q.worker(i + 1)
	}

	q.wg.Add(1)
	go q.start()
	return q, nil
}

// Close the queue. This waits for in-flight deployments to reach a terminal state.
func (q *Queue) Close() error {
	q.cancel()
	q.wg.Wait()
	return nil
}

// Enqueue creates a job for the deployment and hands it to a worker if one
// is free; otherwise it stays queued. Enqueuing a deployment that already has
// a job is a no-op.
func (q *Queue) Enqueue(ctx context.Context, id deployer.DeploymentID, source string) error {
	job, created, err := q.store.CreateJob(ctx, id, source)
	if err != nil {
		return fmt.Errorf("creating job: %w", err)
	}
	if !created {
		log.Debugf("deployment %s already has job %s (%s)", id, job.ID, job.Status)
		return nil
	}
	q.metricEnqueued.Add(ctx, 1, attribute.String("source", source))
	log.Debugf("created job %s for deployment %s from %s", job.ID, id, source)
	q.enqueue(ctx, job)
	return nil
}

func (q *Queue) enqueue(ctx context.Context, job store.Job) {
	claimed, err := q.store.ClaimJob(ctx, job.ID)
	if err != nil {
		log.Errorf("claiming job %s: %s", job.ID, err)
		return
	}
	if !claimed {
		return
	}
	job.Status = store.JobStatusExecuting
	job.Attempts++
	q.dispatch(ctx, job)
}

// dispatch hands an executing job to a worker, or sets it back to queued if
// workers are busy.
func (q *Queue) dispatch(ctx context.Context, job store.Job) {
	select {
	case q.jobCh <- job:
		log.Debugf("enqueued job %s", job.ID)
	default:
		log.Debugf("workers are busy; queueing %s", job.ID)
		if err := q.store.SetJobStatus(ctx, job.ID, store.JobStatusQueued, ""); err != nil {
			log.Errorf("updating status (queued): %s", err)
		}
	}
}

func (q *Queue) worker(num int) {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return

		case job := <-q.jobCh:
			log.Debugf("worker %d started job %s of deployment %s", num, job.ID, job.DeploymentID)
			// Runs aren't interrupted by Close.
			err := q.handler(context.Background(), job.DeploymentID)
			q.finish(job, err)
			log.Debugf("worker %d finished job %s", num, job.ID)

			select {
			case q.tickCh <- struct{}{}:
			default:
			}
		}
	}
}

func (q *Queue) finish(job store.Job, err error) {
	ctx := context.Background()
	status, cause := store.JobStatusDone, ""
	if err != nil {
		cause = err.Error()
		if job.Attempts < q.conf.MaxAttempts {
			status = store.JobStatusQueued
			log.Warnf("job %s failed (attempt %d/%d), requeueing: %s", job.ID, job.Attempts, q.conf.MaxAttempts, err)
		} else {
			log.Errorf("job %s failed after %d attempts: %s", job.ID, job.Attempts, err)
		}
	}
	q.metricHandled.Add(ctx, 1, attribute.String("status", string(status)))
	if err := q.store.SetJobStatus(ctx, job.ID, status, cause); err != nil {
		log.Errorf("updating status (%s): %s", status, err)
	}
}

func (q *Queue) start() {
	defer q.wg.Done()

	t := time.NewTimer(q.conf.StartDelay)
	defer t.Stop()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-t.C:
			q.processNext()
			t.Reset(q.conf.PollInterval)
		case <-q.tickCh:
			q.processNext()
		}
	}
}

// processNext dispatches queued jobs, and executing jobs that look stuck,
// until none is left or workers are busy.
func (q *Queue) processNext() {
	for q.ctx.Err() == nil {
		if len(q.jobCh) == cap(q.jobCh) {
			return
		}
		job, ok, err := q.store.ClaimNextJob(q.ctx, int64(q.conf.StuckAfter.Seconds()))
		if err != nil {
			log.Errorf("getting next in queue: %s", err)
			return
		}
		if !ok {
			return
		}
		log.Debugf("got job %s from the queue", job.ID)
		q.dispatch(q.ctx, job)
	}
}
