package services

import (
	"context"
	"crypto/rand"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobb888/vap-dispatcher/internal/adapters/signer"
	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

// fakeMarketplaceClient is a minimal in-memory stand-in for
// ports.MarketplaceClient, letting dispatcher tests drive admission
// without any real HTTP.
type fakeMarketplaceClient struct {
	mu          sync.Mutex
	jobs        []domain.Job
	accepted    []domain.JobID
	delivered   []domain.JobID
	attestSubs  int
}

func (f *fakeMarketplaceClient) Login(context.Context, domain.Identity) error { return nil }

func (f *fakeMarketplaceClient) ListJobs(context.Context, domain.JobStatus, string) ([]domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Job, len(f.jobs))
	copy(out, f.jobs)
	return out, nil
}

func (f *fakeMarketplaceClient) GetJob(_ context.Context, id domain.JobID) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrJobNotFound
}

func (f *fakeMarketplaceClient) AcceptJob(_ context.Context, id domain.JobID, _ string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeMarketplaceClient) DeliverJob(_ context.Context, id domain.JobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, id)
	return nil
}

func (f *fakeMarketplaceClient) SubmitAttestation(context.Context, domain.JobID, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attestSubs++
	return nil
}

func (f *fakeMarketplaceClient) ChatToken(context.Context) (string, error) { return "chat-token", nil }

type fakeChatTransport struct {
	mu       sync.Mutex
	joined   []domain.JobID
	sent     []string
	events   chan ports.ChatEvent
}

func newFakeChatTransport() *fakeChatTransport {
	return &fakeChatTransport{events: make(chan ports.ChatEvent, 16)}
}

func (f *fakeChatTransport) Connect(context.Context, string) error { return nil }

func (f *fakeChatTransport) JoinRoom(_ context.Context, jobID domain.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, jobID)
	return nil
}

func (f *fakeChatTransport) Send(_ context.Context, _ domain.JobID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	return nil
}

func (f *fakeChatTransport) Events() <-chan ports.ChatEvent { return f.events }

func (f *fakeChatTransport) Close() error {
	close(f.events)
	return nil
}

type fakeContainerManager struct {
	mu        sync.Mutex
	started   int
	destroyed int
	failStart bool
	reply     string
}

func (f *fakeContainerManager) Start(_ context.Context, spec domain.ContainerSpec) (domain.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failStart {
		return domain.Container{}, assert.AnError
	}
	f.started++
	return domain.Container{ID: "container-" + string(spec.JobID), JobID: spec.JobID, Port: spec.Port, BearerToken: spec.BearerToken, CreatedAt: time.Now(), Status: domain.HealthStatusStarting}, nil
}

func (f *fakeContainerManager) WaitForHealth(context.Context, int, string, time.Duration, time.Duration) (bool, error) {
	return true, nil
}

func (f *fakeContainerManager) SendRequest(_ context.Context, _ int, _ string, _ string, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reply != "" {
		return f.reply, nil
	}
	return "ok", nil
}

func (f *fakeContainerManager) Destroy(context.Context, string, int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	return nil
}

type fakeRegistrar struct {
	mu       sync.Mutex
	tokens   map[string]domain.JobID
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{tokens: make(map[string]domain.JobID)}
}

func (f *fakeRegistrar) Register(jobID domain.JobID, token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = jobID
}

func (f *fakeRegistrar) Revoke(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
}

type fakeJobLogger struct {
	mu      sync.Mutex
	facts   map[domain.JobID]domain.Job
	entries map[domain.JobID][]domain.LogEntry
}

func newFakeJobLogger() *fakeJobLogger {
	return &fakeJobLogger{
		facts:   make(map[domain.JobID]domain.Job),
		entries: make(map[domain.JobID][]domain.LogEntry),
	}
}

func (f *fakeJobLogger) WriteFacts(jobID domain.JobID, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[jobID] = job
	return nil
}

func (f *fakeJobLogger) Append(jobID domain.JobID, entry domain.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[jobID] = append(f.entries[jobID], entry)
	return nil
}

func (f *fakeJobLogger) Hash(domain.JobID) (string, error) { return "sha256:stub", nil }
func (f *fakeJobLogger) Close() error                      { return nil }

func newTestDispatcher(t *testing.T, poolSize int, maxQueued int) (*Dispatcher, *fakeMarketplaceClient, *fakeContainerManager, *fakeChatTransport) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	s := signer.New()

	sessions := make([]Session, poolSize)
	client := &fakeMarketplaceClient{}
	for i := 0; i < poolSize; i++ {
		seed := make([]byte, 32)
		_, err := rand.Read(seed)
		require.NoError(t, err)
		agentID := "agent-" + string(rune('A'+i))
		require.NoError(t, s.Enroll(agentID, seed))
		sessions[i] = Session{
			Identity: domain.Identity{AgentID: agentID, IAddress: "i" + agentID, IdentityName: agentID},
			Client:   client,
		}
	}

	cfg := domain.DefaultConfig()
	cfg.MarketplaceAPI = "https://example.test"
	cfg.JobsPath = t.TempDir()
	cfg.PortRangeStart = 20000
	cfg.PortRangeEnd = 20000 + poolSize - 1
	cfg.MaxAcceptsPerMinute = 100
	cfg.MaxQueuedJobs = maxQueued
	cfg.GhostTimeout = time.Hour

	chat := newFakeChatTransport()
	containers := &fakeContainerManager{}
	registrar := newFakeRegistrar()
	jobLogger := newFakeJobLogger()
	attestation := NewAttestation(logger, s, &fakeAttestationSink{})

	d := NewDispatcher(logger, cfg, sessions, s, chat, containers, registrar, attestation, jobLogger)
	return d, client, containers, chat
}

func TestAdmissionStartsContainerWhenCapacityAvailable(t *testing.T) {
	d, client, containers, _ := newTestDispatcher(t, 2, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC", Status: domain.JobStatusRequested}
	d.considerJob(ctx, d.sessions[0], job)

	assert.Contains(t, client.accepted, domain.JobID("job-1"))
	assert.Equal(t, 1, containers.started)

	entry, ok := d.lookupEntry("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobStateReady, entry.State)
}

func TestAdmissionQueuesWhenPoolExhausted(t *testing.T) {
	d, _, containers, chat := newTestDispatcher(t, 1, 5)
	ctx := context.Background()

	job1 := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC"}
	job2 := domain.Job{ID: "job-2", JobHash: "h2", BuyerVerusID: "buyer@y", Amount: 2, Currency: "VRSC"}

	d.considerJob(ctx, d.sessions[0], job1)
	d.considerJob(ctx, d.sessions[0], job2)

	assert.Equal(t, 1, containers.started)

	entry2, ok := d.lookupEntry("job-2")
	require.True(t, ok)
	assert.Equal(t, domain.JobStateQueued, entry2.State)
	assert.Equal(t, 1, entry2.QueuePosition)

	chat.mu.Lock()
	sentCount := len(chat.sent)
	chat.mu.Unlock()
	assert.Equal(t, 1, sentCount)
}

func TestRetireDrainsQueue(t *testing.T) {
	d, _, containers, _ := newTestDispatcher(t, 1, 5)
	// The port job-1 releases enters cooldown, so the pool needs a second
	// port for job-2 to be promoted onto.
	d.portPool = domain.NewPortPool(20000, 20001, d.cfg.PortCooldown)
	ctx := context.Background()

	job1 := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC"}
	job2 := domain.Job{ID: "job-2", JobHash: "h2", BuyerVerusID: "buyer@y", Amount: 2, Currency: "VRSC"}

	d.considerJob(ctx, d.sessions[0], job1)
	d.considerJob(ctx, d.sessions[0], job2)
	require.Equal(t, 1, containers.started)

	d.retire(ctx, "job-1", domain.RetirementCompleted)

	_, ok := d.lookupEntry("job-1")
	assert.False(t, ok)

	entry2, ok := d.lookupEntry("job-2")
	require.True(t, ok)
	assert.Equal(t, domain.JobStateReady, entry2.State)
	assert.Equal(t, 2, containers.started)
}

func TestRetireOnTimeoutSendsApologyMessage(t *testing.T) {
	d, _, _, chat := newTestDispatcher(t, 1, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC"}
	require.NoError(t, d.considerJob(ctx, d.sessions[0], job))

	d.retire(ctx, "job-1", domain.RetirementTimeout)

	chat.mu.Lock()
	defer chat.mu.Unlock()
	require.Len(t, chat.sent, 1)
	assert.Contains(t, chat.sent[0], "time limit")
}

func TestRetireOnCompletionSendsNoTimeoutMessage(t *testing.T) {
	d, _, _, chat := newTestDispatcher(t, 1, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC"}
	require.NoError(t, d.considerJob(ctx, d.sessions[0], job))

	d.retire(ctx, "job-1", domain.RetirementCompleted)

	chat.mu.Lock()
	defer chat.mu.Unlock()
	assert.Empty(t, chat.sent)
}

func TestSeenSetAdmitsJobExactlyOnce(t *testing.T) {
	d, client, containers, _ := newTestDispatcher(t, 3, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-dup", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC"}
	client.mu.Lock()
	client.jobs = []domain.Job{job}
	client.mu.Unlock()

	d.pollOnce(ctx)
	d.pollOnce(ctx)

	assert.Equal(t, 1, containers.started)
}

func TestRejoinJobPlacesPendingEntryWithoutStartingContainer(t *testing.T) {
	d, _, containers, chat := newTestDispatcher(t, 1, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC", Status: domain.JobStatusAccepted}
	require.NoError(t, d.RejoinJob(ctx, d.sessions[0], job))

	assert.Equal(t, 0, containers.started, "RejoinJob must never start a container")
	assert.Contains(t, chat.joined, domain.JobID("job-1"))

	entry, ok := d.lookupEntry("job-1")
	require.True(t, ok)
	assert.Equal(t, domain.JobStatePending, entry.State)

	logger := d.jobLogger.(*fakeJobLogger)
	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.entries["job-1"], 1)
	gap := logger.entries["job-1"][0]
	assert.Equal(t, domain.LogRoleSystem, gap.Role)
	assert.Equal(t, "restart_gap", gap.Event)
}

func TestReconcileJobPromotesPendingEntryOnFirstBuyerTurn(t *testing.T) {
	d, _, containers, _ := newTestDispatcher(t, 1, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC", Status: domain.JobStatusAccepted}
	require.NoError(t, d.RejoinJob(ctx, d.sessions[0], job))
	require.Equal(t, 0, containers.started)

	entry, err := d.ReconcileJob(ctx, d.sessions[0], job)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateReady, entry.State)
	assert.Equal(t, 1, containers.started)
}

func TestReconcileJobShortCircuitsOnNonPendingEntry(t *testing.T) {
	d, _, containers, _ := newTestDispatcher(t, 2, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC"}
	require.NoError(t, d.considerJob(ctx, d.sessions[0], job))
	require.Equal(t, 1, containers.started)

	entry, err := d.ReconcileJob(ctx, d.sessions[0], job)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateReady, entry.State)
	assert.Equal(t, 1, containers.started, "an already-started job must not be restarted")
}

func TestOnDemandStartPromotesCachedPendingEntryWithoutGetJob(t *testing.T) {
	d, client, containers, _ := newTestDispatcher(t, 1, 5)
	ctx := context.Background()

	job := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "buyer@x", Amount: 1, Currency: "VRSC", Status: domain.JobStatusAccepted}
	require.NoError(t, d.RejoinJob(ctx, d.sessions[0], job))

	// The marketplace fake has no jobs registered, so a GetJob-based lookup
	// would fail; onDemandStart must resolve the pending entry from the
	// table instead.
	client.mu.Lock()
	client.jobs = nil
	client.mu.Unlock()

	entry, err := d.onDemandStart(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStateReady, entry.State)
	assert.Equal(t, 1, containers.started)
}

func TestRateLimiterSkipsOverCap(t *testing.T) {
	d, client, containers, _ := newTestDispatcher(t, 10, 10)
	d.limiter = NewRateLimiter(1, 10)
	ctx := context.Background()

	job1 := domain.Job{ID: "job-1", JobHash: "h1", BuyerVerusID: "b@x", Amount: 1, Currency: "VRSC"}
	job2 := domain.Job{ID: "job-2", JobHash: "h2", BuyerVerusID: "b@y", Amount: 1, Currency: "VRSC"}

	d.considerJob(ctx, d.sessions[0], job1)
	d.considerJob(ctx, d.sessions[1], job2)

	assert.Len(t, client.accepted, 1)
	assert.Equal(t, 1, containers.started)
	_, ok := d.lookupEntry("job-2")
	assert.False(t, ok)
}
