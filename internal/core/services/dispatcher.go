package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

const seenTTL = 24 * time.Hour
const lifecycleTick = 5 * time.Second

// Session binds one marketplace identity to its authenticated client. The
// dispatcher holds one per pool identity, built by the caller during
// reconciliation (spec.md §4.6) and handed in at construction.
type Session struct {
	Identity domain.Identity
	Client   ports.MarketplaceClient
}

// Dispatcher is the orchestration core (component H): admission loop,
// message-routing loop, lifecycle loop, active-job table, and queue.
// Grounded on the teacher's WorkerLifecycle/JobScheduler pairing — a
// semaphore-bounded slot count plus a single-ticker reconciliation loop —
// generalised from worker-pool task execution to per-job sandbox lifecycle.
type Dispatcher struct {
	logger      *slog.Logger
	cfg         *domain.Config
	sessions    []Session
	signer      ports.Signer
	chat        ports.ChatTransport
	containers  ports.ContainerManager
	registrar   ports.CredentialRegistrar
	attestation *Attestation
	jobLogger   ports.JobLogger
	limiter     *RateLimiter
	portPool    *domain.PortPool
	router      *Router

	slots *semaphore.Weighted

	tableMu sync.Mutex
	active  map[domain.JobID]*domain.ActiveJob
	queue   []domain.JobID

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewDispatcher wires every leaf component into the orchestrator. sessions
// must already be authenticated (Session.Client.Login called) before Run.
func NewDispatcher(
	logger *slog.Logger,
	cfg *domain.Config,
	sessions []Session,
	signer ports.Signer,
	chat ports.ChatTransport,
	containers ports.ContainerManager,
	registrar ports.CredentialRegistrar,
	attestation *Attestation,
	jobLogger ports.JobLogger,
) *Dispatcher {
	d := &Dispatcher{
		logger:      logger,
		cfg:         cfg,
		sessions:    sessions,
		signer:      signer,
		chat:        chat,
		containers:  containers,
		registrar:   registrar,
		attestation: attestation,
		jobLogger:   jobLogger,
		limiter:     NewRateLimiter(cfg.MaxAcceptsPerMinute, cfg.MaxQueuedJobs),
		portPool:    domain.NewPortPool(cfg.PortRangeStart, cfg.PortRangeEnd, cfg.PortCooldown),
		slots:       semaphore.NewWeighted(int64(len(sessions))),
		active:      make(map[domain.JobID]*domain.ActiveJob),
		seen:        make(map[string]time.Time),
	}

	selfSenders := make([]string, 0, len(sessions))
	for _, s := range sessions {
		selfSenders = append(selfSenders, s.Identity.IAddress, s.Identity.AgentID)
	}

	d.router = NewRouter(logger, containers, chat, jobLogger, cfg.ChatModel, selfSenders, d.lookupEntry, d.onDemandStart, d.touchActivity)
	return d
}

// Run starts the poll loop, the chat event loop, and the lifecycle loop,
// following the teacher's errgroup-based process supervision in
// cmd/aule-kernel/main.go: the first loop to return an error cancels the
// others via ctx.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.pollLoop(ctx) })
	g.Go(func() error { return d.chatLoop(ctx) })
	g.Go(func() error { return d.lifecycleLoop(ctx) })
	return g.Wait()
}

// ShutdownReport summarises one Shutdown call for the startup/shutdown
// structured log line.
type ShutdownReport struct {
	ContainersDestroyed int
}

// Shutdown destroys every in-use container (revoke-then-stop), writing
// best-effort deletion attestations, per spec.md §4.7.
func (d *Dispatcher) Shutdown(ctx context.Context) ShutdownReport {
	d.tableMu.Lock()
	ids := make([]domain.JobID, 0, len(d.active))
	for id, e := range d.active {
		if e.State == domain.JobStateReady || e.State == domain.JobStateStarting {
			ids = append(ids, id)
		}
	}
	// Queued jobs are not promoted while shutting down.
	d.queue = nil
	d.tableMu.Unlock()

	for _, id := range ids {
		d.retire(ctx, id, domain.RetirementShutdown)
	}
	return ShutdownReport{ContainersDestroyed: len(ids)}
}

func (d *Dispatcher) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Dispatcher) pollOnce(ctx context.Context) {
	for _, sess := range d.sessions {
		jobs, err := sess.Client.ListJobs(ctx, domain.JobStatusRequested, "seller")
		if err != nil {
			d.logger.Error("poll: list jobs failed", "agent_id", sess.Identity.AgentID, "error", err)
			continue
		}
		for _, job := range jobs {
			if d.markSeen(job) {
				continue
			}
			if err := d.considerJob(ctx, sess, job); err != nil {
				d.logger.Debug("admission skipped", "job_id", job.ID, "error", err)
			}
		}
	}
}

func (d *Dispatcher) chatLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-d.chat.Events():
			if !ok {
				return fmt.Errorf("dispatcher: chat transport event stream closed")
			}
			go d.router.HandleEvent(ctx, evt)
		}
	}
}

func (d *Dispatcher) lifecycleLoop(ctx context.Context) error {
	ticker := time.NewTicker(lifecycleTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.lifecycleTickOnce(ctx)
		}
	}
}

func (d *Dispatcher) lifecycleTickOnce(ctx context.Context) {
	now := time.Now()
	d.portPool.Tick(now)
	d.drainQueue(ctx)

	for _, port := range d.portPool.Expired(now, d.cfg.ContainerMaxLifetime) {
		if id := d.jobIDForPort(port); id != "" {
			d.retire(ctx, id, domain.RetirementTimeout)
		}
	}

	d.tableMu.Lock()
	var ghosted []domain.JobID
	for id, e := range d.active {
		if e.State == domain.JobStateReady && now.Sub(e.LastActivity) >= d.cfg.GhostTimeout {
			ghosted = append(ghosted, id)
		}
	}
	d.tableMu.Unlock()
	for _, id := range ghosted {
		d.retire(ctx, id, domain.RetirementGhost)
	}
}

func (d *Dispatcher) jobIDForPort(port int) domain.JobID {
	d.tableMu.Lock()
	defer d.tableMu.Unlock()
	for id, e := range d.active {
		if e.Port == port {
			return id
		}
	}
	return ""
}

// considerJob runs the admission decision sequence of spec.md §4.1: rate
// limit, signed accept, join room, then capacity-gated start-or-queue.
func (d *Dispatcher) considerJob(ctx context.Context, sess Session, job domain.Job) error {
	now := time.Now()
	if !d.limiter.AllowAccept(now) {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrRateLimited)
	}

	ts := now.Unix()
	message := AcceptanceMessage(job, ts)
	signature, err := d.signer.Sign(ctx, sess.Identity.AgentID, []byte(message))
	if err != nil {
		return fmt.Errorf("admission: signing acceptance for %s: %w", job.ID, err)
	}
	if err := sess.Client.AcceptJob(ctx, job.ID, signature, ts); err != nil {
		return fmt.Errorf("admission: accept rejected for %s: %w", job.ID, err)
	}
	d.limiter.RecordAccept(now)

	if err := d.chat.JoinRoom(ctx, job.ID); err != nil {
		d.logger.Error("admission: join chat room failed", "job_id", job.ID, "error", err)
	}

	return d.admitToTableOrQueue(ctx, sess, job, now)
}

func (d *Dispatcher) admitToTableOrQueue(ctx context.Context, sess Session, job domain.Job, now time.Time) error {
	if err := d.jobLogger.WriteFacts(job.ID, job); err != nil {
		d.logger.Warn("admission: failed to persist job facts", "job_id", job.ID, "error", err)
	}

	if d.slots.TryAcquire(1) {
		port, ok := d.portPool.Acquire(now)
		if !ok {
			d.slots.Release(1)
			return d.enqueueOrDrop(ctx, sess, job, now)
		}
		d.startContainer(ctx, sess, job, port, now)
		return nil
	}
	return d.enqueueOrDrop(ctx, sess, job, now)
}

func (d *Dispatcher) enqueueOrDrop(ctx context.Context, sess Session, job domain.Job, now time.Time) error {
	position, ok := d.limiter.TryEnqueue()
	if !ok {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrQueueFull)
	}

	entry := &domain.ActiveJob{
		JobID:            job.ID,
		Job:              job,
		AssignedIdentity: sess.Identity,
		State:            domain.JobStateQueued,
		CreatedAt:        now,
		LastActivity:     now,
		QueuePosition:    position,
	}
	d.tableMu.Lock()
	d.active[job.ID] = entry
	d.queue = append(d.queue, job.ID)
	d.tableMu.Unlock()

	if err := d.chat.Send(ctx, job.ID, fmt.Sprintf("You're #%d in the queue, we'll start your job shortly.", position)); err != nil {
		d.logger.Error("admission: failed to send queue notice", "job_id", job.ID, "error", err)
	}
	return nil
}

func (d *Dispatcher) startContainer(ctx context.Context, sess Session, job domain.Job, port int, now time.Time) {
	token := randomBearerToken()
	d.registrar.Register(job.ID, token)

	entry := &domain.ActiveJob{
		JobID:            job.ID,
		Job:              job,
		AssignedIdentity: sess.Identity,
		State:            domain.JobStateStarting,
		Port:             port,
		BearerToken:      token,
		CreatedAt:        now,
		LastActivity:     now,
	}
	d.tableMu.Lock()
	d.active[job.ID] = entry
	d.tableMu.Unlock()

	limits := domain.ResourceLimits{
		MemoryBytes: d.cfg.ContainerMemoryBytes,
		NanoCPUs:    d.cfg.ContainerNanoCPUs,
		MaxLifetime: d.cfg.ContainerMaxLifetime,
		PrivacyTier: "standard",
	}
	spec := domain.ContainerSpec{
		JobID:        job.ID,
		Image:        d.cfg.SandboxImage,
		Port:         port,
		BearerToken:  token,
		ProxyPort:    d.cfg.ProxyPort,
		Limits:       limits,
		ConfigDir:    filepath.Join(d.cfg.JobsPath, string(job.ID), "sandbox-config"),
		WorkspaceDir: filepath.Join(d.cfg.JobsPath, string(job.ID), "workspace"),
	}

	container, err := d.containers.Start(ctx, spec)
	if err != nil {
		d.logger.Error("container start failed", "job_id", job.ID, "error", err)
		d.abortStart(job.ID, token, port)
		return
	}

	d.tableMu.Lock()
	entry.ContainerID = container.ID
	d.tableMu.Unlock()

	healthy, err := d.containers.WaitForHealth(ctx, port, token, d.cfg.HealthProbeTimeout, d.cfg.HealthProbeInterval)
	if err != nil || !healthy {
		d.logger.Error("container failed health probe", "job_id", job.ID, "error", err)
		d.retire(ctx, job.ID, domain.RetirementHealthFail)
		if err := d.chat.Send(ctx, job.ID, "Sorry, we couldn't get your job started. Please try again later."); err != nil {
			d.logger.Error("failed to send health-failure notice", "job_id", job.ID, "error", err)
		}
		return
	}

	d.tableMu.Lock()
	entry.State = domain.JobStateReady
	entry.LastActivity = time.Now()
	d.tableMu.Unlock()

	att, err := d.attestation.Creation(ctx, job, sess.Identity.AgentID, sess.Identity.IdentityName, container.ID, now, limits, limits.PrivacyTier)
	if err != nil {
		d.logger.Error("creation attestation failed", "job_id", job.ID, "error", err)
	} else if err := sess.Client.SubmitAttestation(ctx, job.ID, att); err != nil {
		d.logger.Warn("creation attestation submission failed", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) abortStart(jobID domain.JobID, token string, port int) {
	d.registrar.Revoke(token)
	d.portPool.Release(port, time.Now())
	d.slots.Release(1)
	d.tableMu.Lock()
	delete(d.active, jobID)
	d.tableMu.Unlock()
}

// retire tears a job's container down, releases its resources, writes a
// best-effort deletion attestation, and promotes the next queued job. If no
// slot or port is free yet (a released port sits in cooldown), the head stays
// queued and lifecycleTickOnce promotes it once one is.
func (d *Dispatcher) retire(ctx context.Context, jobID domain.JobID, reason domain.RetirementReason) {
	d.tableMu.Lock()
	entry, ok := d.active[jobID]
	if !ok || entry.State == domain.JobStateRetiring {
		d.tableMu.Unlock()
		return
	}
	entry.State = domain.JobStateRetiring
	d.tableMu.Unlock()

	if entry.BearerToken != "" {
		d.registrar.Revoke(entry.BearerToken)
	}
	if entry.ContainerID != "" {
		if err := d.containers.Destroy(ctx, entry.ContainerID, entry.Port); err != nil {
			d.logger.Error("container destroy failed", "job_id", jobID, "error", err)
		}
	}
	if entry.Port != 0 {
		d.portPool.Release(entry.Port, time.Now())
	}
	d.slots.Release(1)

	if reason == domain.RetirementTimeout {
		if err := d.chat.Send(ctx, jobID, "Sorry, this session's time limit has been reached and your sandbox has been shut down."); err != nil {
			d.logger.Error("failed to send timeout notice", "job_id", jobID, "error", err)
		}
	}

	transcriptHash, err := d.jobLogger.Hash(jobID)
	if err != nil {
		d.logger.Warn("transcript hash unavailable", "job_id", jobID, "error", err)
	}
	dataVolumes := []string{
		filepath.Join(d.cfg.JobsPath, string(jobID), "workspace"),
		filepath.Join(d.cfg.JobsPath, string(jobID), "sandbox-config"),
	}
	att, err := d.attestation.Deletion(ctx, entry.Job, entry.AssignedIdentity.AgentID, entry.ContainerID, entry.CreatedAt, time.Now(), dataVolumes, reason, transcriptHash)
	if err != nil {
		d.logger.Error("deletion attestation failed", "job_id", jobID, "error", err)
	} else if sess, ok := d.sessionFor(entry.AssignedIdentity.AgentID); ok {
		if err := sess.Client.SubmitAttestation(ctx, jobID, att); err != nil {
			d.logger.Warn("deletion attestation submission failed", "job_id", jobID, "error", err)
		}
	}

	d.tableMu.Lock()
	delete(d.active, jobID)
	d.tableMu.Unlock()

	d.drainQueue(ctx)
}

// Deliver signs and submits a VAP-DELIVER message for a completed job,
// then retires its container with reason completed.
func (d *Dispatcher) Deliver(ctx context.Context, jobID domain.JobID, resultSHA256Hex string) error {
	d.tableMu.Lock()
	entry, ok := d.active[jobID]
	d.tableMu.Unlock()
	if !ok {
		return domain.ErrJobNotFound
	}

	sess, ok := d.sessionFor(entry.AssignedIdentity.AgentID)
	if !ok {
		return fmt.Errorf("dispatcher: no session for identity %s", entry.AssignedIdentity.AgentID)
	}

	message := fmt.Sprintf("VAP-DELIVER|Job:%s|Hash:%s", jobID, resultSHA256Hex)
	signature, err := d.signer.Sign(ctx, sess.Identity.AgentID, []byte(message))
	if err != nil {
		return fmt.Errorf("dispatcher: signing delivery: %w", err)
	}
	if err := sess.Client.DeliverJob(ctx, jobID, signature); err != nil {
		return fmt.Errorf("dispatcher: submitting delivery: %w", err)
	}

	d.retire(ctx, jobID, domain.RetirementCompleted)
	return nil
}

func (d *Dispatcher) drainQueue(ctx context.Context) {
	d.tableMu.Lock()
	if len(d.queue) == 0 {
		d.tableMu.Unlock()
		return
	}
	nextID := d.queue[0]
	d.queue = d.queue[1:]
	entry, ok := d.active[nextID]
	d.tableMu.Unlock()
	if !ok {
		d.limiter.Dequeue()
		return
	}

	sess, ok := d.sessionFor(entry.AssignedIdentity.AgentID)
	if !ok {
		d.limiter.Dequeue()
		return
	}
	if !d.slots.TryAcquire(1) {
		d.logger.Debug("drain: no free slot", "job_id", nextID, "error", domain.ErrPoolExhausted)
		d.requeueFront(nextID)
		return
	}
	port, ok := d.portPool.Acquire(time.Now())
	if !ok {
		d.slots.Release(1)
		d.logger.Debug("drain: no free port", "job_id", nextID, "error", domain.ErrPoolExhausted)
		d.requeueFront(nextID)
		return
	}
	d.limiter.Dequeue()
	d.startContainer(ctx, sess, entry.Job, port, time.Now())
}

func (d *Dispatcher) requeueFront(jobID domain.JobID) {
	d.tableMu.Lock()
	d.queue = append([]domain.JobID{jobID}, d.queue...)
	d.tableMu.Unlock()
}

// onDemandStart implements the "not present: attempt on-demand start"
// branch of the chat router (spec.md §4.4), used when a buyer turn
// arrives for a job the in-memory table has no ready entry for — either a
// genuine table-miss (e.g. after a restart, before reconciliation ran) or
// a Pending entry RejoinJob placed there at startup, still waiting for its
// first buyer turn to actually start a sandbox.
func (d *Dispatcher) onDemandStart(ctx context.Context, jobID domain.JobID) (*domain.ActiveJob, error) {
	d.tableMu.Lock()
	pending, ok := d.active[jobID]
	d.tableMu.Unlock()
	if ok && pending.State == domain.JobStatePending {
		sess, ok := d.sessionFor(pending.AssignedIdentity.AgentID)
		if !ok {
			return nil, fmt.Errorf("dispatcher: no session for pending job %s", jobID)
		}
		return d.ReconcileJob(ctx, sess, pending.Job)
	}

	for _, sess := range d.sessions {
		job, err := sess.Client.GetJob(ctx, jobID)
		if err != nil {
			continue
		}
		return d.ReconcileJob(ctx, sess, job)
	}
	return nil, domain.ErrJobNotFound
}

// RejoinJob repopulates the active-job table for a job the marketplace
// already considers accepted/in_progress, without acquiring any pool
// capacity or starting a container. Used only by startup reconciliation
// (spec.md §4.6): the dispatcher never recovers previous containers, it
// only rejoins the chat room and waits for the next buyer turn, which
// promotes this entry through ReconcileJob exactly like onDemandStart
// promotes a genuine table-miss.
func (d *Dispatcher) RejoinJob(ctx context.Context, sess Session, job domain.Job) error {
	if err := d.chat.JoinRoom(ctx, job.ID); err != nil {
		return fmt.Errorf("dispatcher: rejoin chat room for %s: %w", job.ID, err)
	}

	now := time.Now()
	d.tableMu.Lock()
	d.active[job.ID] = &domain.ActiveJob{
		JobID:            job.ID,
		Job:              job,
		AssignedIdentity: sess.Identity,
		State:            domain.JobStatePending,
		CreatedAt:        now,
		LastActivity:     now,
	}
	d.tableMu.Unlock()

	if err := d.jobLogger.Append(job.ID, domain.LogEntry{
		Timestamp: now,
		Role:      domain.LogRoleSystem,
		Event:     "restart_gap",
		Content:   "dispatcher restarted; prior container, if any, was not recovered",
	}); err != nil {
		d.logger.Warn("rejoin: failed to append lifecycle gap entry", "job_id", job.ID, "error", err)
	}
	return nil
}

// ReconcileJob admits a job that the marketplace already considers
// accepted/in_progress without re-sending an acceptance message. If job
// already has a Pending table entry (placed by RejoinJob at startup), it
// promotes that entry to a real start-or-queue decision; otherwise it
// behaves as a fresh on-demand admission. Used by onDemandStart, for both
// of those cases.
func (d *Dispatcher) ReconcileJob(ctx context.Context, sess Session, job domain.Job) (*domain.ActiveJob, error) {
	d.tableMu.Lock()
	existing, ok := d.active[job.ID]
	d.tableMu.Unlock()
	if ok && existing.State != domain.JobStatePending {
		return existing, nil
	}

	if err := d.chat.JoinRoom(ctx, job.ID); err != nil {
		d.logger.Error("reconcile: join chat room failed", "job_id", job.ID, "error", err)
	}

	if err := d.admitToTableOrQueue(ctx, sess, job, time.Now()); err != nil {
		d.logger.Warn("reconcile: admission deferred", "job_id", job.ID, "error", err)
	}

	d.tableMu.Lock()
	entry, ok := d.active[job.ID]
	d.tableMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dispatcher: reconciled job %s has no capacity", job.ID)
	}
	return entry, nil
}

func (d *Dispatcher) sessionFor(agentID string) (Session, bool) {
	for _, s := range d.sessions {
		if s.Identity.AgentID == agentID {
			return s, true
		}
	}
	return Session{}, false
}

func (d *Dispatcher) lookupEntry(id domain.JobID) (*domain.ActiveJob, bool) {
	d.tableMu.Lock()
	defer d.tableMu.Unlock()
	e, ok := d.active[id]
	return e, ok
}

func (d *Dispatcher) touchActivity(id domain.JobID, t time.Time) {
	d.tableMu.Lock()
	defer d.tableMu.Unlock()
	if e, ok := d.active[id]; ok {
		e.LastActivity = t
	}
}

// markSeen reports whether job has already been considered for admission,
// recording it if not. The seen-set is keyed by a blake3 fingerprint of
// the jobId rather than the raw string: this is purely an internal,
// non-persistent dedup key, not the SHA-256 jobHash spec.md pins for
// attestations and the acceptance message, so swapping the hash function
// here carries no wire-format consequence.
func (d *Dispatcher) markSeen(job domain.Job) bool {
	fp := fingerprint(job.ID)
	now := time.Now()

	d.seenMu.Lock()
	defer d.seenMu.Unlock()
	for id, seenAt := range d.seen {
		if now.Sub(seenAt) > seenTTL {
			delete(d.seen, id)
		}
	}
	if _, ok := d.seen[fp]; ok {
		return true
	}
	d.seen[fp] = now
	return false
}

func fingerprint(jobID domain.JobID) string {
	sum := blake3.Sum256([]byte(jobID))
	return hex.EncodeToString(sum[:])
}

func randomBearerToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(fmt.Sprintf("fallback-%d", time.Now().UnixNano())))
	}
	return hex.EncodeToString(buf)
}

// ActiveJobSnapshot returns a shallow copy of the active-job table, for
// metrics and tests.
func (d *Dispatcher) ActiveJobSnapshot() map[domain.JobID]domain.ActiveJob {
	d.tableMu.Lock()
	defer d.tableMu.Unlock()
	out := make(map[domain.JobID]domain.ActiveJob, len(d.active))
	for id, e := range d.active {
		out[id] = *e
	}
	return out
}

// PortPoolCounts exposes the port pool's set sizes for tests/metrics.
func (d *Dispatcher) PortPoolCounts() (free, inUse, cooling int) {
	return d.portPool.Counts()
}
