package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/deploy-core/cmd/deployerd/store"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/logging"
	golog "github.com/textileio/go-log/v2"
)

func init() {
	if err := logging.SetLogLevels(map[string]golog.LogLevel{
		"deployer/queue": golog.LevelDebug,
	}); err != nil {
		panic(err)
	}
}

func TestEnqueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	h := newRecordingHandler(nil)
	s := newMemStore()
	q := newQueue(t, s, h.handle, 2)

	require.NoError(t, q.Enqueue(ctx, "d-1", SourceWebhook))
	require.NoError(t, q.Enqueue(ctx, "d-2", SourceAPI))
	// Duplicate deliveries don't create new jobs.
	require.NoError(t, q.Enqueue(ctx, "d-1", SourceMsgBroker))

	require.Eventually(t, func() bool {
		return s.statusOf("d-1") == store.JobStatusDone && s.statusOf("d-2") == store.JobStatusDone
	}, time.Second*5, time.Millisecond*10)
	assert.Equal(t, []deployer.DeploymentID{"d-1", "d-2"}, h.handled())
}

func TestEnqueueBusyWorkers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	release := make(chan struct{})
	h := newRecordingHandler(func(id deployer.DeploymentID) error {
		if id == "d-1" {
			<-release
		}
		return nil
	})
	s := newMemStore()
	q := newQueue(t, s, h.handle, 1)

	require.NoError(t, q.Enqueue(ctx, "d-1", SourceWebhook))
	require.Eventually(t, func() bool { return len(h.handled()) == 1 }, time.Second*5, time.Millisecond*10)

	// d-2 waits in the worker channel, the rest stay queued.
	ids := []deployer.DeploymentID{"d-1", "d-2", "d-3", "d-4"}
	for _, id := range ids[1:] {
		require.NoError(t, q.Enqueue(ctx, id, SourceWebhook))
	}
	assert.Equal(t, store.JobStatusExecuting, s.statusOf("d-2"))
	assert.Equal(t, store.JobStatusQueued, s.statusOf("d-3"))
	assert.Equal(t, store.JobStatusQueued, s.statusOf("d-4"))

	close(release)
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if s.statusOf(id) != store.JobStatusDone {
				return false
			}
		}
		return true
	}, time.Second*5, time.Millisecond*10)
	assert.ElementsMatch(t, ids, h.handled())
}

func TestHandlerErrorRequeues(t *testing.T) {
	t.Parallel()

	var lock sync.Mutex
	var calls int
	h := newRecordingHandler(func(deployer.DeploymentID) error {
		lock.Lock()
		defer lock.Unlock()
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	s := newMemStore()
	q := newQueue(t, s, h.handle, 1)

	require.NoError(t, q.Enqueue(context.Background(), "d-1", SourceWebhook))
	require.Eventually(t, func() bool {
		return s.statusOf("d-1") == store.JobStatusDone
	}, time.Second*5, time.Millisecond*10)
	assert.Len(t, h.handled(), 3)
	assert.Empty(t, s.job("d-1").ErrorCause)
}

func TestHandlerErrorGivesUp(t *testing.T) {
	t.Parallel()

	h := newRecordingHandler(func(deployer.DeploymentID) error { return errors.New("database is down") })
	s := newMemStore()
	q := newQueue(t, s, h.handle, 1)

	require.NoError(t, q.Enqueue(context.Background(), "d-1", SourceWebhook))
	require.Eventually(t, func() bool {
		return s.statusOf("d-1") == store.JobStatusDone
	}, time.Second*5, time.Millisecond*10)
	assert.Len(t, h.handled(), 3)
	assert.Equal(t, "database is down", s.job("d-1").ErrorCause)
}

func TestStartPicksUpQueuedJobs(t *testing.T) {
	t.Parallel()

	s := newMemStore()
	_, _, err := s.CreateJob(context.Background(), "d-1", SourceWebhook)
	require.NoError(t, err)

	h := newRecordingHandler(nil)
	newQueue(t, s, h.handle, 1)
	require.Eventually(t, func() bool {
		return s.statusOf("d-1") == store.JobStatusDone
	}, time.Second*5, time.Millisecond*10)
}

func TestEnqueueUnknownDeployment(t *testing.T) {
	t.Parallel()

	s := newMemStore()
	s.unknown = map[deployer.DeploymentID]bool{"ghost": true}
	q := newQueue(t, s, newRecordingHandler(nil).handle, 1)
	err := q.Enqueue(context.Background(), "ghost", SourceWebhook)
	assert.True(t, errors.Is(err, store.ErrUnknownDeployment))
}

func newQueue(t *testing.T, s Store, h Handler, concurrency int) *Queue {
	q, err := New(Config{
		MaxConcurrency: concurrency,
		StartDelay:     time.Millisecond * 10,
		PollInterval:   time.Millisecond * 50,
		StuckAfter:     time.Minute,
		MaxAttempts:    3,
	}, s, h)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, q.Close()) })
	return q
}

type recordingHandler struct {
	lock sync.Mutex
	ids  []deployer.DeploymentID
	f    func(deployer.DeploymentID) error
}

func newRecordingHandler(f func(deployer.DeploymentID) error) *recordingHandler {
	return &recordingHandler{f: f}
}

func (h *recordingHandler) handle(_ context.Context, id deployer.DeploymentID) error {
	h.lock.Lock()
	h.ids = append(h.ids, id)
	h.lock.Unlock()
	if h.f != nil {
		return h.f(id)
	}
	return nil
}

func (h *recordingHandler) handled() []deployer.DeploymentID {
	h.lock.Lock()
	defer h.lock.Unlock()
	ret := append([]deployer.DeploymentID(nil), h.ids...)
	sort.Slice(ret, func(i, j int) bool { return ret[i] < ret[j] })
	return ret
}

type memStore struct {
	lock    sync.Mutex
	jobs    map[string]*store.Job
	byDepl  map[deployer.DeploymentID]string
	unknown map[deployer.DeploymentID]bool
}

func newMemStore() *memStore {
	return &memStore{
		jobs:   map[string]*store.Job{},
		byDepl: map[deployer.DeploymentID]string{},
	}
}

func (s *memStore) CreateJob(_ context.Context, id deployer.DeploymentID, source string) (store.Job, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.unknown[id] {
		return store.Job{}, false, store.ErrUnknownDeployment
	}
	if jid, ok := s.byDepl[id]; ok {
		return *s.jobs[jid], false, nil
	}
	now := time.Now()
	j := &store.Job{
		ID:           uuid.New().String(),
		DeploymentID: id,
		Source:       source,
		Status:       store.JobStatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.jobs[j.ID] = j
	s.byDepl[id] = j.ID
	return *j, true, nil
}

func (s *memStore) ClaimJob(_ context.Context, id string) (bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != store.JobStatusQueued {
		return false, nil
	}
	j.Status = store.JobStatusExecuting
	j.Attempts++
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *memStore) ClaimNextJob(_ context.Context, stuckSeconds int64) (store.Job, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	var next *store.Job
	stuckBefore := time.Now().Add(-time.Duration(stuckSeconds) * time.Second)
	for _, j := range s.jobs {
		eligible := j.Status == store.JobStatusQueued ||
			(j.Status == store.JobStatusExecuting && j.UpdatedAt.Before(stuckBefore))
		if eligible && (next == nil || j.CreatedAt.Before(next.CreatedAt)) {
			next = j
		}
	}
	if next == nil {
		return store.Job{}, false, nil
	}
	next.Status = store.JobStatusExecuting
	next.Attempts++
	next.UpdatedAt = time.Now()
	return *next, true, nil
}

func (s *memStore) SetJobStatus(_ context.Context, id string, status store.JobStatus, errCause string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	j.Status = status
	j.ErrorCause = errCause
	j.UpdatedAt = time.Now()
	return nil
}

func (s *memStore) job(id deployer.DeploymentID) store.Job {
	s.lock.Lock()
	defer s.lock.Unlock()
	jid, ok := s.byDepl[id]
	if !ok {
		return store.Job{}
	}
	return *s.jobs[jid]
}

func (s *memStore) statusOf(id deployer.DeploymentID) store.JobStatus {
	return s.job(id).Status
}
