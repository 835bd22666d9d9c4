package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/operion/sentinel-agent/internal/buffer"
	"github.com/operion/sentinel-agent/internal/config"
	"github.com/operion/sentinel-agent/internal/models"
	"github.com/operion/sentinel-agent/internal/state"
)

type fakeSource struct {
	samples []models.Sample
	err     error
	calls   int
}

func (f *fakeSource) Collect(context.Context) ([]models.Sample, error) {
	f.calls++
	return f.samples, f.err
}

type fakeTransport struct {
	mu       sync.Mutex
	batches  []*models.Batch
	sendErr  error
	regResp  *models.RegistrationResponse
	regErr   error
	regCalls int
	sentCh   chan *models.Batch
}

func (f *fakeTransport) SendBatch(_ context.Context, batch *models.Batch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.batches = append(f.batches, batch)
	if f.sentCh != nil {
		f.sentCh <- batch
	}
	return nil
}

func (f *fakeTransport) RegisterResource(_ context.Context, _ *models.RegistrationRequest) (*models.RegistrationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regCalls++
	if f.regErr != nil {
		return nil, f.regErr
	}
	return f.regResp, nil
}

func (f *fakeTransport) sent() []*models.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.Batch(nil), f.batches...)
}

type fakeDetector struct {
	identity models.InstanceIdentity
}

func (f *fakeDetector) Detect(context.Context) models.InstanceIdentity {
	return f.identity
}

type memStore struct {
	state   *state.ResourceState
	loadErr error
	saveErr error
	saved   *state.ResourceState
}

func (m *memStore) Load() (*state.ResourceState, error) {
	return m.state, m.loadErr
}

func (m *memStore) Save(s *state.ResourceState) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = s
	return nil
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Agent.Hostname = "test-host"
	cfg.Collection.Interval = config.Duration{Duration: time.Second}
	cfg.Collection.FlushInterval = config.Duration{Duration: time.Second}
	cfg.Collection.BufferSize = 10
	return cfg
}

func makeSamples(count int) []models.Sample {
	samples := make([]models.Sample, count)
	for i := range samples {
		samples[i] = models.Sample{Timestamp: int64(i + 1), Device: "/dev/sda1", MountPoint: "/"}
	}
	return samples
}

func newTestAgent(cfg *config.Config, tr *fakeTransport, st *memStore) *Agent {
	return New(cfg, "0.1.0", &fakeSource{}, tr, &fakeDetector{}, st,
		buffer.New(cfg.Collection.BufferSize, zap.NewNop()),
		clockwork.NewFakeClock(), zap.NewNop())
}

func TestFlushEmptyBufferIsNoOp(t *testing.T) {
	tr := &fakeTransport{}
	a := newTestAgent(testConfig(), tr, &memStore{})

	require.NoError(t, a.flushOnce(context.Background()))
	assert.Empty(t, tr.sent(), "no network call for an empty buffer")
}

func TestFlushUsesSentinelIDWithoutCredentials(t *testing.T) {
	tr := &fakeTransport{}
	a := newTestAgent(testConfig(), tr, &memStore{})
	a.buf.Push(makeSamples(3))

	require.NoError(t, a.flushOnce(context.Background()))

	sent := tr.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, SentinelResourceID, sent[0].ServerID)
	assert.Equal(t, "test-host", sent[0].Hostname)
	assert.Len(t, sent[0].Metrics, 3)
}

func TestFlushFailsWithoutResourceIDWhenCredentialed(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = "test-key"
	tr := &fakeTransport{}
	a := newTestAgent(cfg, tr, &memStore{})
	a.buf.Push(makeSamples(3))

	err := a.flushOnce(context.Background())
	require.ErrorIs(t, err, ErrNotRegistered)
	assert.Empty(t, tr.sent())
	// Samples are drained before the id check and lost with it.
	assert.Equal(t, 0, a.buf.Len())
}

func TestFlushTransportErrorDropsBatch(t *testing.T) {
	tr := &fakeTransport{sendErr: errors.New("connection refused")}
	a := newTestAgent(testConfig(), tr, &memStore{})
	a.buf.Push(makeSamples(2))

	require.Error(t, a.flushOnce(context.Background()))
	assert.Equal(t, 0, a.buf.Len(), "failed batch is dropped, not retried")
}

func TestRegisterSkippedWithoutCredentials(t *testing.T) {
	tr := &fakeTransport{}
	a := newTestAgent(testConfig(), tr, &memStore{})

	a.register(context.Background())

	assert.Empty(t, a.ResourceID())
	assert.Equal(t, 0, tr.regCalls)
}

func TestRegisterAdoptsPersistedIdentity(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = "test-key"
	tr := &fakeTransport{}
	st := &memStore{state: &state.ResourceState{
		ResourceID:   "res_persisted",
		RegisteredAt: "2024-01-15T10:30:00Z",
		AgentVersion: "0.1.0",
	}}
	a := newTestAgent(cfg, tr, st)

	a.register(context.Background())

	assert.Equal(t, "res_persisted", a.ResourceID())
	assert.Equal(t, 0, tr.regCalls, "no remote call when identity is persisted")
}

func TestRegisterFreshPersistsState(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = "test-key"
	tr := &fakeTransport{regResp: &models.RegistrationResponse{
		ResourceID: "res_new",
		Status:     "registered",
	}}
	st := &memStore{}
	a := newTestAgent(cfg, tr, st)

	a.register(context.Background())

	assert.Equal(t, "res_new", a.ResourceID())
	assert.Equal(t, 1, tr.regCalls)
	require.NotNil(t, st.saved)
	assert.Equal(t, "res_new", st.saved.ResourceID)
	assert.Equal(t, "0.1.0", st.saved.AgentVersion)
}

func TestRegisterLoadErrorTreatedAsAbsent(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = "test-key"
	tr := &fakeTransport{regResp: &models.RegistrationResponse{ResourceID: "res_new"}}
	st := &memStore{loadErr: errors.New("corrupt state file")}
	a := newTestAgent(cfg, tr, st)

	a.register(context.Background())

	assert.Equal(t, "res_new", a.ResourceID())
	assert.Equal(t, 1, tr.regCalls)
}

func TestRegisterPersistFailureKeepsInMemoryID(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = "test-key"
	tr := &fakeTransport{regResp: &models.RegistrationResponse{ResourceID: "res_new"}}
	st := &memStore{saveErr: errors.New("disk full")}
	a := newTestAgent(cfg, tr, st)

	a.register(context.Background())

	assert.Equal(t, "res_new", a.ResourceID(), "persistence failure must not discard the id")
}

func TestRegisterRemoteFailureContinuesWithoutID(t *testing.T) {
	cfg := testConfig()
	cfg.API.APIKey = "test-key"
	tr := &fakeTransport{regErr: errors.New("server unavailable")}
	a := newTestAgent(cfg, tr, &memStore{})

	a.register(context.Background())

	assert.Empty(t, a.ResourceID())
}

func TestCollectFailureKeepsBufferIntact(t *testing.T) {
	a := newTestAgent(testConfig(), &fakeTransport{}, &memStore{})
	a.buf.Push(makeSamples(2))
	a.source = &fakeSource{err: errors.New("no timestamp")}

	a.collectOnce(context.Background())

	assert.Equal(t, 2, a.buf.Len())
}

func TestRunCollectsAndFlushes(t *testing.T) {
	cfg := testConfig()
	src := &fakeSource{samples: makeSamples(1)}
	tr := &fakeTransport{sentCh: make(chan *models.Batch, 16)}
	clock := clockwork.NewFakeClock()
	a := New(cfg, "0.1.0", src, tr, &fakeDetector{}, &memStore{},
		buffer.New(10, zap.NewNop()), clock, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Wait for both tickers to be armed before advancing.
	clock.BlockUntil(2)
	assert.Equal(t, StateRunning, a.State())

	var got *models.Batch
	for i := 0; i < 20 && got == nil; i++ {
		clock.Advance(time.Second)
		select {
		case got = <-tr.sentCh:
		case <-time.After(100 * time.Millisecond):
		}
	}

	require.NotNil(t, got, "a batch should be flushed after ticks")
	assert.Equal(t, SentinelResourceID, got.ServerID)
	assert.NotEmpty(t, got.Metrics)

	cancel()
	require.NoError(t, <-done)
}
