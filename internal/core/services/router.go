package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

const (
	replyMaxChars  = 3900
	truncationNote = "\n\n[reply truncated]"
)

// Router serialises buyer turns per jobId and drives the sandbox
// chat-completion call, grounded on the teacher's EventBus per-key
// fan-out shape but inverted: instead of broadcasting to subscribers it
// holds one lock per jobId for the duration of a single sendRequest, so
// a job never has two in-flight sandbox calls while unrelated jobs
// proceed concurrently.
type Router struct {
	logger      *slog.Logger
	containers  ports.ContainerManager
	transport   ports.ChatTransport
	jobLogger   ports.JobLogger
	model       string
	selfSenders map[string]struct{}

	locksMu sync.Mutex
	locks   map[domain.JobID]*sync.Mutex

	// lookup resolves the active-job entry for a jobId, or ok=false if
	// none exists. onDemandStart is invoked when a message arrives for a
	// job with no active entry; it returns the entry once started, or an
	// error if the dispatcher has no room for it.
	lookup        func(domain.JobID) (*domain.ActiveJob, bool)
	onDemandStart func(ctx context.Context, jobID domain.JobID) (*domain.ActiveJob, error)
	touch         func(domain.JobID, time.Time)
}

// NewRouter builds a Router. lookup, onDemandStart, and touch are wired by
// Dispatcher to the active-job table it owns, so Router never needs its
// own copy of that state.
func NewRouter(
	logger *slog.Logger,
	containers ports.ContainerManager,
	transport ports.ChatTransport,
	jobLogger ports.JobLogger,
	model string,
	selfSenders []string,
	lookup func(domain.JobID) (*domain.ActiveJob, bool),
	onDemandStart func(ctx context.Context, jobID domain.JobID) (*domain.ActiveJob, error),
	touch func(domain.JobID, time.Time),
) *Router {
	self := make(map[string]struct{}, len(selfSenders))
	for _, id := range selfSenders {
		self[id] = struct{}{}
	}
	return &Router{
		logger:        logger,
		containers:    containers,
		transport:     transport,
		jobLogger:     jobLogger,
		model:         model,
		selfSenders:   self,
		locks:         make(map[domain.JobID]*sync.Mutex),
		lookup:        lookup,
		onDemandStart: onDemandStart,
		touch:         touch,
	}
}

func (r *Router) lockFor(jobID domain.JobID) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	l, ok := r.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[jobID] = l
	}
	return l
}

// HandleEvent processes one inbound chat event. It is safe to call
// concurrently for distinct jobIds; calls for the same jobId block on
// that job's lock.
func (r *Router) HandleEvent(ctx context.Context, evt ports.ChatEvent) {
	if evt.Err != nil {
		r.logger.Error("chat transport error", "error", evt.Err)
		return
	}
	if _, self := r.selfSenders[evt.SenderID]; self {
		return
	}

	lock := r.lockFor(evt.JobID)
	lock.Lock()
	defer lock.Unlock()

	entry, ok := r.lookup(evt.JobID)
	if !ok || entry.State == domain.JobStatePending {
		started, err := r.onDemandStart(ctx, evt.JobID)
		if err != nil {
			r.reply(ctx, evt.JobID, "All slots are busy right now, your job has been queued.")
			return
		}
		entry = started
	}

	switch entry.State {
	case domain.JobStateQueued:
		r.reply(ctx, evt.JobID, fmt.Sprintf("You're #%d in the queue, we'll start your job shortly.", entry.QueuePosition))
		return
	case domain.JobStateStarting:
		r.reply(ctx, evt.JobID, "Starting up, please wait a moment.")
		return
	case domain.JobStateRetiring:
		return
	}

	// Only a Ready entry reaches here, so the ghost timer only ever arms
	// once a job is actually serving buyer turns (spec.md's queued-job
	// Open Question resolution).
	if r.touch != nil {
		r.touch(evt.JobID, time.Now())
	}

	r.route(ctx, entry, evt)
}

func (r *Router) route(ctx context.Context, entry *domain.ActiveJob, evt ports.ChatEvent) {
	nonce := randomNonce()

	_ = r.jobLogger.Append(evt.JobID, domain.LogEntry{
		Timestamp: time.Now(),
		Role:      domain.LogRoleUser,
		Content:   evt.Content,
		Sender:    evt.SenderID,
		Nonce:     nonce,
	})

	reply, err := r.containers.SendRequest(ctx, entry.Port, entry.BearerToken, r.model, evt.Content)
	if err != nil {
		r.logger.Error("sandbox request failed", "job_id", evt.JobID, "nonce", nonce, "error", err)
		_ = r.jobLogger.Append(evt.JobID, domain.LogEntry{
			Timestamp: time.Now(),
			Role:      domain.LogRoleSystem,
			Event:     "error",
			Content:   err.Error(),
			Nonce:     nonce,
		})
		r.reply(ctx, evt.JobID, "Sorry, something went wrong processing your message. Please try again.")
		return
	}

	reply = truncate(reply)

	_ = r.jobLogger.Append(evt.JobID, domain.LogEntry{
		Timestamp: time.Now(),
		Role:      domain.LogRoleAssistant,
		Content:   reply,
		Nonce:     nonce,
		Port:      entry.Port,
		Model:     r.model,
	})

	r.reply(ctx, evt.JobID, reply)
}

func (r *Router) reply(ctx context.Context, jobID domain.JobID, content string) {
	if err := r.transport.Send(ctx, jobID, content); err != nil {
		r.logger.Error("failed to send chat reply", "job_id", jobID, "error", err)
	}
}

func truncate(reply string) string {
	if len(reply) <= replyMaxChars {
		return reply
	}
	cut := replyMaxChars - len(truncationNote)
	if cut < 0 {
		cut = 0
	}
	return reply[:cut] + truncationNote
}

func randomNonce() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("nonce-fallback-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
