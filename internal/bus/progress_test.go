package bus

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-audiobook/internal/config"
	"github.com/loqalabs/loqa-audiobook/internal/natsserver"
	"github.com/loqalabs/loqa-audiobook/internal/protocol"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// startBus runs an embedded server and returns its bus config plus a plain subscriber connection.
func startBus(t *testing.T) (config.BusConfig, *nats.Conn) {
	t.Helper()
	cfg := config.Default().Bus
	cfg.Enabled = true
	cfg.Embedded = true
	cfg.Port = -1
	cfg.StoreDir = t.TempDir()

	srv, err := natsserver.Start(cfg, discard())
	require.NoError(t, err)
	require.NotNil(t, srv)
	t.Cleanup(srv.Shutdown)
	cfg.Servers = []string{srv.ClientURL()}

	sub, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(sub.Close)
	return cfg, sub
}

func TestPublisherDeliversChapterAndRunEvents(t *testing.T) {
	cfg, conn := startBus(t)
	sub, err := conn.SubscribeSync("audiobook.>")
	require.NoError(t, err)

	pub, err := Connect(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	require.True(t, pub.Healthy())

	require.NoError(t, pub.ChapterCompleted(protocol.ChapterCompleted{RunID: "r1", Index: 2, Title: "Two", Status: "succeeded", Chunks: 4}))
	require.NoError(t, pub.RunCompleted(protocol.RunCompleted{RunID: "r1", Succeeded: 1}))

	msg, err := sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "audiobook.chapter.completed", msg.Subject)
	var chapter protocol.ChapterCompleted
	require.NoError(t, json.Unmarshal(msg.Data, &chapter))
	assert.Equal(t, 2, chapter.Index)
	assert.Equal(t, "succeeded", chapter.Status)

	msg, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "audiobook.run.completed", msg.Subject)
}

func TestConnectRetainsProgressHistory(t *testing.T) {
	cfg, conn := startBus(t)

	pub, err := Connect(context.Background(), cfg, discard())
	require.NoError(t, err)
	require.NoError(t, pub.ChapterCompleted(protocol.ChapterCompleted{RunID: "r1", Index: 1, Status: "succeeded"}))
	require.NoError(t, pub.RunCompleted(protocol.RunCompleted{RunID: "r1", Succeeded: 1}))
	pub.Close()

	js, err := conn.JetStream()
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		info, err := js.StreamInfo(progressStream)
		return err == nil && info.State.Msgs == 2
	}, 2*time.Second, 20*time.Millisecond)

	info, err := js.StreamInfo(progressStream)
	require.NoError(t, err)
	assert.Equal(t, []string{"audiobook.>"}, info.Config.Subjects)
	assert.Equal(t, progressHistory, info.Config.MaxAge)

	// A second run reuses the stream and its history.
	again, err := Connect(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(again.Close)
	info, err = js.StreamInfo(progressStream)
	require.NoError(t, err)
	assert.EqualValues(t, 2, info.State.Msgs)

	// Late subscribers replay the run from the stream.
	replay, err := js.SubscribeSync("audiobook.run.completed", nats.DeliverAll())
	require.NoError(t, err)
	msg, err := replay.NextMsg(2 * time.Second)
	require.NoError(t, err)
	var run protocol.RunCompleted
	require.NoError(t, json.Unmarshal(msg.Data, &run))
	assert.Equal(t, "r1", run.RunID)
}

func TestConnectWithoutPrefixPublishesLive(t *testing.T) {
	cfg, conn := startBus(t)
	cfg.SubjectPrefix = ""
	sub, err := conn.SubscribeSync(protocol.SubjectRunCompleted)
	require.NoError(t, err)

	pub, err := Connect(context.Background(), cfg, discard())
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	require.NoError(t, pub.RunCompleted(protocol.RunCompleted{RunID: "r2"}))

	_, err = sub.NextMsg(2 * time.Second)
	require.NoError(t, err)
	js, err := conn.JetStream()
	require.NoError(t, err)
	_, err = js.StreamInfo(progressStream)
	assert.ErrorIs(t, err, nats.ErrStreamNotFound)
}

func TestNilPublisherIsNoop(t *testing.T) {
	var pub *Publisher
	assert.NoError(t, pub.ChapterCompleted(protocol.ChapterCompleted{}))
	assert.NoError(t, pub.RunCompleted(protocol.RunCompleted{}))
	assert.False(t, pub.Healthy())
	pub.Close()
}

func TestConnectRequiresServers(t *testing.T) {
	_, err := Connect(context.Background(), config.BusConfig{}, discard())
	assert.Error(t, err)
}

func TestConnectHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, config.BusConfig{Servers: []string{"nats://127.0.0.1:1"}}, discard())
	assert.ErrorIs(t, err, context.Canceled)
}
