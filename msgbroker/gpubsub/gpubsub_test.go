package gpubsub

import (
	"bytes"
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
	"github.com/textileio/deploy-core/msgbroker"
	logger "github.com/textileio/go-log/v2"
)

func init() {
	logger.SetAllLoggers(logger.LevelDebug)
}

// TestE2E registers a handler on topic-1 that republishes to topic-2, and
// checks that a message published on topic-1 reaches the topic-2 handler.
// Topics and subscriptions don't exist beforehand, so their creation is
// covered too.
func TestE2E(t *testing.T) {
	launchPubsubEmulator(t)

	ps1, err := New("", "", "test-", "sub-1")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ps1.Close()) })
	ps2, err := New("", "", "test-", "sub-2")
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ps2.Close()) })

	var lock sync.Mutex
	waitChan := make(chan struct{})
	sentDataTopic1 := []byte("payment-1")
	sentDataTopic2 := []byte("finalized-1")

	err = ps1.RegisterTopicHandler("topic-1", func(ctx context.Context, data []byte) error {
		lock.Lock()
		defer lock.Unlock()
		require.True(t, bytes.Equal(sentDataTopic1, data))

		ctx, cancel := context.WithTimeout(ctx, time.Second*10)
		defer cancel()
		return ps1.PublishMsg(ctx, "topic-2", sentDataTopic2)
	})
	require.NoError(t, err)

	err = ps2.RegisterTopicHandler("topic-2", func(_ context.Context, data []byte) error {
		lock.Lock()
		defer lock.Unlock()
		require.True(t, bytes.Equal(sentDataTopic2, data))
		close(waitChan)
		return nil
	}, msgbroker.WithACKDeadline(time.Second*30))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	require.NoError(t, ps1.PublishMsg(ctx, "topic-1", sentDataTopic1))

	select {
	case <-time.After(time.Second * 10):
		t.Fatalf("timed out waiting for handler call")
	case <-waitChan:
	}
}

func TestNewValidation(t *testing.T) {
	if os.Getenv("PUBSUB_EMULATOR_HOST") != "" {
		t.Skip("emulator host is set")
	}
	_, err := New("project", "", "test-", "sub")
	require.Error(t, err)
	_, err = New("", "{}", "test-", "sub")
	require.Error(t, err)
	_, err = New("project", "{}", "test-", "")
	require.Error(t, err)
}

func launchPubsubEmulator(t *testing.T) {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	container, err := pool.Run("textile/pubsub-emulator", "latest", []string{})
	require.NoError(t, err)

	err = container.Expire(180)
	require.NoError(t, err)

	time.Sleep(time.Second * 2)
	t.Cleanup(func() {
		require.NoError(t, os.Unsetenv("PUBSUB_EMULATOR_HOST"))
		err = pool.Purge(container)
		require.NoError(t, err)
	})

	pubsubHost := "127.0.0.1:" + container.GetPort("8085/tcp")
	err = os.Setenv("PUBSUB_EMULATOR_HOST", pubsubHost)
	require.NoError(t, err)
}
