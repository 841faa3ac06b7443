package app

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/pstest"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/progress"
	"github.com/JakeFAU/catalog-harvester/internal/progress/sinks"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	var cfg config.Config
	cfg.Crawl.DataDir = t.TempDir()
	return cfg
}

func writeShard(t *testing.T, dataDir, name string, items map[string]json.RawMessage) *checkpoint.Store {
	t.Helper()
	cs, err := checkpoint.New(filepath.Join(dataDir, name), zap.NewNop())
	require.NoError(t, err)
	_, err = cs.FlushShard(context.Background(), items)
	require.NoError(t, err)
	return cs
}

func TestNewAppWithoutServices(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	a, err := NewApp(context.Background(), cfg, nil, WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.Logger())
	assert.Nil(t, a.ProgressRepository())
	assert.Nil(t, a.mirror)
	assert.Nil(t, a.publisher)
	assert.Equal(t, cfg.Crawl.DataDir, a.Config().Crawl.DataDir)
}

func TestAppCollatorWritesToDataDir(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	a, err := NewApp(context.Background(), cfg, zap.NewNop(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	cs := writeShard(t, cfg.Crawl.DataDir, "artist_info", map[string]json.RawMessage{
		"a": json.RawMessage(`{"name":"A"}`),
	})
	col, err := a.Collator(cs, nil)
	require.NoError(t, err)

	res, err := col.Collate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Items)

	data, err := os.ReadFile(filepath.Join(cfg.Crawl.DataDir, "artist_info.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":{"name":"A"}}`, string(data))
}

func TestAppPublishesCompletion(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })
	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	cfg := baseConfig(t)
	cfg.Notify.ProjectID = "harvest-test"
	cfg.Notify.Topic = "crawl-complete"
	a, err := NewApp(ctx, cfg, zap.NewNop(),
		WithPubSubOptions(option.WithGRPCConn(conn)),
		WithRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NotNil(t, a.publisher)

	_, err = a.pubsubClient.CreateTopic(ctx, "crawl-complete")
	require.NoError(t, err)

	cs := writeShard(t, cfg.Crawl.DataDir, "top_tracks", map[string]json.RawMessage{
		"x": json.RawMessage(`["t1"]`),
	})
	col, err := a.Collator(cs, nil)
	require.NoError(t, err)
	_, err = col.Collate(ctx)
	require.NoError(t, err)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &payload))
	assert.Equal(t, "top_tracks", payload["name"])
	assert.EqualValues(t, 1, payload["items"])
}

func TestNewAppWithGCSMirror(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Export.GCSBucket = "harvest-exports"
	cfg.Export.GCSPrefix = "catalog"
	a, err := NewApp(context.Background(), cfg, zap.NewNop(),
		WithStorageOptions(option.WithoutAuthentication()),
		WithRegistry(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.NotNil(t, a.gcsClient)
	assert.NotNil(t, a.mirror)
}

func TestNewAppRejectsBadDSN(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.ProgressDB.DSN = "host=localhost port=notaport"
	_, err := NewApp(context.Background(), cfg, zap.NewNop(), WithRegistry(prometheus.NewRegistry()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "init progress store")
}

func TestAppHubFansOutToBoard(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	a, err := NewApp(context.Background(), cfg, zap.NewNop(), WithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	board := sinks.NewBoardSink()
	hub, err := a.Hub(board, nil)
	require.NoError(t, err)

	runID := uuid.New()
	hub.Emit(progress.Event{RunID: progress.UUIDToBytes(runID), Stage: progress.StageRunStart, TS: time.Now(), Source: "artist_info"})
	require.NoError(t, hub.Close(context.Background()))

	snap, ok := board.Latest()
	require.True(t, ok)
	assert.Equal(t, runID.String(), snap.RunID)
}
