package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/tests"
)

var gd1 = deployer.Deployment{
	UserID:           "user-1",
	Model:            "gpt-4o-mini",
	ChannelType:      deployer.ChannelTelegram,
	ChannelTokenEnc:  "c2VhbGVkLXRva2Vu",
	PaymentSessionID: "cs_test_1",
}

func TestCreateDeployment(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()

	d, err := s.CreateDeployment(ctx, gd1)
	require.NoError(t, err)
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, deployer.StatusPending, d.Status)
	assert.False(t, d.CreatedAt.IsZero())

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, gd1.UserID, got.UserID)
	assert.Equal(t, gd1.ChannelTokenEnc, got.ChannelTokenEnc)
	assert.Equal(t, gd1.PaymentSessionID, got.PaymentSessionID)
	assert.Empty(t, got.ErrorMessage)

	_, err = s.CreateDeployment(ctx, gd1)
	require.ErrorIs(t, err, ErrDeploymentExists)

	_, err = s.GetDeployment(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	l, err := s.ListDeployments(ctx, gd1.UserID, 0)
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.Equal(t, d.ID, l[0].ID)
}

func TestCreateDeploymentFail(t *testing.T) {
	t.Parallel()
	s := newStore(t)

	t.Run("user id empty", func(t *testing.T) {
		d := gd1
		d.UserID = ""
		_, err := s.CreateDeployment(context.Background(), d)
		require.Error(t, err)
	})
	t.Run("payment session empty", func(t *testing.T) {
		d := gd1
		d.PaymentSessionID = ""
		_, err := s.CreateDeployment(context.Background(), d)
		require.Error(t, err)
	})
	t.Run("non pending status", func(t *testing.T) {
		d := gd1
		d.Status = deployer.StatusActive
		_, err := s.CreateDeployment(context.Background(), d)
		require.Error(t, err)
	})
}

func TestCompareAndSetStatus(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	d, err := s.CreateDeployment(ctx, gd1)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSetStatus(ctx, d.ID, deployer.StatusPending, deployer.StatusDeploying)
			require.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deployer.StatusDeploying, got.Status)
}

func TestUpdateDeployment(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	d, err := s.CreateDeployment(ctx, gd1)
	require.NoError(t, err)

	active := deployer.DeploymentUpdate{
		Status:                  deployer.StatusActive,
		MarketplaceDeploymentID: "1234",
		LeaseID:                 "1234/1/1/provider-a",
		ServiceURL:              "https://bot.provider-a.example",
	}

	// Not deploying yet.
	require.ErrorIs(t, s.UpdateDeployment(ctx, d.ID, active), ErrNotDeploying)

	ok, err := s.CompareAndSetStatus(ctx, d.ID, deployer.StatusPending, deployer.StatusDeploying)
	require.NoError(t, err)
	require.True(t, ok)

	// Invariant violations never reach the database.
	require.Error(t, s.UpdateDeployment(ctx, d.ID, deployer.DeploymentUpdate{Status: deployer.StatusFailed}))

	require.NoError(t, s.UpdateDeployment(ctx, d.ID, active))
	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deployer.StatusActive, got.Status)
	assert.Equal(t, active.LeaseID, got.LeaseID)
	assert.Equal(t, active.ServiceURL, got.ServiceURL)
	assert.Equal(t, active.MarketplaceDeploymentID, got.MarketplaceDeploymentID)

	// Terminal states are final.
	require.ErrorIs(t, s.UpdateDeployment(ctx, d.ID, deployer.DeploymentUpdate{
		Status:       deployer.StatusFailed,
		ErrorMessage: "late failure",
	}), ErrNotDeploying)
}

func TestPaymentIntent(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	d, err := s.CreateDeployment(ctx, gd1)
	require.NoError(t, err)

	require.NoError(t, s.SetPaymentIntent(ctx, d.ID, "pi_1"))
	require.NoError(t, s.SetPaymentIntent(ctx, d.ID, "pi_2"))
	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_1", got.PaymentIntentID)
}

func TestFailStuckDeployments(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	d, err := s.CreateDeployment(ctx, gd1)
	require.NoError(t, err)
	ok, err := s.CompareAndSetStatus(ctx, d.ID, deployer.StatusPending, deployer.StatusDeploying)
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := s.FailStuckDeployments(ctx, time.Now().Add(-time.Hour), "deployment interrupted")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.FailStuckDeployments(ctx, time.Now().Add(time.Minute), "deployment interrupted")
	require.NoError(t, err)
	assert.Equal(t, []deployer.DeploymentID{d.ID}, ids)

	got, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, deployer.StatusFailed, got.Status)
	assert.Equal(t, "deployment interrupted", got.ErrorMessage)
}

func TestTouchDeployment(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	d, err := s.CreateDeployment(ctx, gd1)
	require.NoError(t, err)

	require.ErrorIs(t, s.TouchDeployment(ctx, d.ID), ErrNotDeploying)

	ok, err := s.CompareAndSetStatus(ctx, d.ID, deployer.StatusPending, deployer.StatusDeploying)
	require.NoError(t, err)
	require.True(t, ok)
	claimed, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)

	time.Sleep(time.Millisecond * 20)
	require.NoError(t, s.TouchDeployment(ctx, d.ID))
	touched, err := s.GetDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, touched.UpdatedAt.After(claimed.UpdatedAt))
	assert.Equal(t, deployer.StatusDeploying, touched.Status)

	// A touched deployment is no longer stuck for a threshold between the
	// claim and the touch.
	ids, err := s.FailStuckDeployments(ctx, claimed.UpdatedAt.Add(time.Millisecond*10), "deployment interrupted")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestBlacklist(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.UpsertBlacklistEntry(ctx, deployer.BlacklistEntry{
		ProviderID: "permanent",
		Reason:     "fraud",
	}))
	require.NoError(t, s.UpsertBlacklistEntry(ctx, deployer.BlacklistEntry{
		ProviderID: "cooling",
		Reason:     "unavailable",
		ExpiresAt:  now.Add(time.Hour),
	}))
	require.NoError(t, s.UpsertBlacklistEntry(ctx, deployer.BlacklistEntry{
		ProviderID: "expired",
		Reason:     "unavailable",
		ExpiresAt:  now.Add(-time.Minute),
	}))

	for id, expected := range map[string]bool{
		"permanent": true,
		"cooling":   true,
		"expired":   false,
		"unknown":   false,
	} {
		ok, err := s.IsBlacklisted(ctx, id, now)
		require.NoError(t, err)
		assert.Equal(t, expected, ok, id)
	}

	// Upsert refreshes instead of failing.
	require.NoError(t, s.UpsertBlacklistEntry(ctx, deployer.BlacklistEntry{
		ProviderID: "expired",
		Reason:     "unavailable again",
		ExpiresAt:  now.Add(time.Hour),
	}))
	ok, err := s.IsBlacklisted(ctx, "expired", now)
	require.NoError(t, err)
	assert.True(t, ok)

	l, err := s.ListBlacklist(ctx, now)
	require.NoError(t, err)
	assert.Len(t, l, 3)

	n, err := s.DeleteExpiredBlacklistEntries(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	l, err = s.ListBlacklist(ctx, now)
	require.NoError(t, err)
	require.Len(t, l, 1)
	assert.Equal(t, "permanent", l[0].ProviderID)
	assert.True(t, l[0].Permanent())
}

func TestJobs(t *testing.T) {
	t.Parallel()
	s := newStore(t)
	ctx := context.Background()
	d, err := s.CreateDeployment(ctx, gd1)
	require.NoError(t, err)

	_, _, err = s.CreateJob(ctx, "missing", "webhook")
	require.ErrorIs(t, err, ErrUnknownDeployment)

	j, created, err := s.CreateJob(ctx, d.ID, "webhook")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobStatusQueued, j.Status)

	j2, created, err := s.CreateJob(ctx, d.ID, "msgbroker")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, j.ID, j2.ID)

	ok, err := s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ClaimJob(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Executing and fresh, so nothing to pick up.
	_, ok, err = s.ClaimNextJob(ctx, 600)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetJobStatus(ctx, j.ID, JobStatusQueued, ""))
	next, ok, err := s.ClaimNextJob(ctx, 600)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, j.ID, next.ID)
	assert.Equal(t, JobStatusExecuting, next.Status)
	assert.Equal(t, 2, next.Attempts)

	require.NoError(t, s.SetJobStatus(ctx, j.ID, JobStatusDone, ""))
	got, created, err := s.CreateJob(ctx, d.ID, "webhook")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, JobStatusDone, got.Status)
}

func newStore(t *testing.T) *Store {
	u, err := tests.PostgresURL()
	require.NoError(t, err)
	s, err := New(u)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}
