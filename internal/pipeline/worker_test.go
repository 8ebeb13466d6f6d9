package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resume-crosscheck/internal/config"
	"resume-crosscheck/internal/constants"
	"resume-crosscheck/internal/extraction"
	"resume-crosscheck/internal/storage"
)

type fakeConsumer struct {
	started  int
	handlers []func(ctx context.Context, body []byte) bool
	stops    []chan struct{}
}

func (f *fakeConsumer) StartConsumer(_ string, _ int, handler func(ctx context.Context, body []byte) bool) (chan<- struct{}, error) {
	f.started++
	f.handlers = append(f.handlers, handler)
	stop := make(chan struct{})
	f.stops = append(f.stops, stop)
	return stop, nil
}

func TestWorkerStartStop(t *testing.T) {
	consumer := &fakeConsumer{}
	cfg := config.Default().RabbitMQ
	cfg.ConsumerWorkers = 3
	w := NewWorker(nil, consumer, nil, cfg, zerolog.Nop())

	require.NoError(t, w.Start())
	assert.Equal(t, 3, consumer.started)

	w.Stop()
	for _, stop := range consumer.stops {
		_, open := <-stop
		assert.False(t, open)
	}
}

func TestWorkerDropsMalformedMessages(t *testing.T) {
	w := NewWorker(nil, nil, nil, config.Default().RabbitMQ, zerolog.Nop())
	assert.True(t, w.HandleMessage(context.Background(), []byte("{not json")))
	assert.True(t, w.HandleMessage(context.Background(), []byte(`{"event_type":"analysis.requested"}`)))
}

func TestWorkerSkipsLockedAnalysis(t *testing.T) {
	mr := miniredis.RunT(t)
	locker, err := storage.NewRedisAdapter(&config.RedisConfig{Address: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })

	repo := newTestRepo(t)
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini}, WithRepository(repo))
	ctx := context.Background()

	sub, err := svc.Submit(ctx, AnalyzeRequest{Text: sampleResume, Filename: sampleFilename})
	require.NoError(t, err)
	body, err := json.Marshal(storage.AnalysisJobMessage{
		AnalysisID: sub.AnalysisID,
		EventType:  constants.EventAnalysisRequested,
		Kind:       constants.AnalysisUnified,
		Text:       sampleResume,
	})
	require.NoError(t, err)

	held, err := locker.AcquireLock(ctx, locker.AnalysisLockKey(sub.AnalysisID), time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, held)

	w := NewWorker(svc, nil, locker, config.Default().RabbitMQ, zerolog.Nop())
	assert.True(t, w.HandleMessage(ctx, body))
	assert.Zero(t, openai.callCount())

	released, err := locker.ReleaseLock(ctx, locker.AnalysisLockKey(sub.AnalysisID), held)
	require.NoError(t, err)
	require.True(t, released)

	assert.True(t, w.HandleMessage(ctx, body))
	assert.Equal(t, 1, openai.callCount())
	assert.False(t, mr.Exists("test:analysis:lock:"+sub.AnalysisID))

	got, err := svc.Get(ctx, sub.AnalysisID)
	require.NoError(t, err)
	assert.Equal(t, constants.StatusCompleted, got.Status)
}

func TestWorkerAcksMissingAnalysis(t *testing.T) {
	repo := newTestRepo(t)
	openai, gemini := disagreeingProviders()
	svc := newTestService(t, config.Default(), []extraction.Provider{openai, gemini}, WithRepository(repo))
	w := NewWorker(svc, nil, nil, config.Default().RabbitMQ, zerolog.Nop())

	body, err := json.Marshal(storage.AnalysisJobMessage{AnalysisID: "missing", Text: sampleResume})
	require.NoError(t, err)
	assert.True(t, w.HandleMessage(context.Background(), body))
	assert.Zero(t, openai.callCount())
}

func TestRetriable(t *testing.T) {
	assert.True(t, retriable(NewStoreError("id", "db down")))
	assert.True(t, retriable(NewArchiveError("id", "minio down")))
	assert.True(t, retriable(NewVectorStoreError("id", "qdrant down")))
	assert.False(t, retriable(NewExtractError("id", "no providers")))
	assert.False(t, retriable(NewEmbeddingError("id", "All chunk embeddings failed")))
	assert.False(t, retriable(errors.New("plain")))
}

func TestPipelineErrorFormatting(t *testing.T) {
	err := NewStoreError("a-1", "duplicate key")
	assert.Equal(t, "保存分析结果失败 (操作:store, ID:a-1): duplicate key", err.Error())
	assert.ErrorIs(t, err, ErrStoreFailed)

	var pe *PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "store", pe.Op)
}
