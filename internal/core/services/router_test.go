package services

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

func newTestRouter(t *testing.T, lookup func(domain.JobID) (*domain.ActiveJob, bool)) (*Router, *fakeChatTransport) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	chat := newFakeChatTransport()
	containers := &fakeContainerManager{}
	jobLogger := newFakeJobLogger()

	r := NewRouter(logger, containers, chat, jobLogger, "sandbox-default", nil, lookup,
		func(context.Context, domain.JobID) (*domain.ActiveJob, error) {
			return nil, domain.ErrJobNotFound
		},
		nil,
	)
	return r, chat
}

func TestHandleEventGivesQueuedJobItsOwnReplyAndDoesNotTouch(t *testing.T) {
	entry := &domain.ActiveJob{JobID: "job-1", State: domain.JobStateQueued, QueuePosition: 3}
	lookup := func(domain.JobID) (*domain.ActiveJob, bool) { return entry, true }

	r, chat := newTestRouter(t, lookup)
	touchCalls := 0
	r.touch = func(domain.JobID, time.Time) { touchCalls++ }

	r.HandleEvent(context.Background(), ports.ChatEvent{JobID: "job-1", SenderID: "buyer", Content: "hi"})

	require.Len(t, chat.sent, 1)
	assert.Contains(t, chat.sent[0], "#3")
	assert.Equal(t, 0, touchCalls, "a queued job must not arm the ghost timer")
}

func TestHandleEventTouchesOnlyOnceReady(t *testing.T) {
	entry := &domain.ActiveJob{JobID: "job-1", State: domain.JobStateReady, Port: 20000, BearerToken: "tok"}
	lookup := func(domain.JobID) (*domain.ActiveJob, bool) { return entry, true }

	r, _ := newTestRouter(t, lookup)
	touchCalls := 0
	r.touch = func(domain.JobID, time.Time) { touchCalls++ }

	r.HandleEvent(context.Background(), ports.ChatEvent{JobID: "job-1", SenderID: "buyer", Content: "hi"})

	assert.Equal(t, 1, touchCalls)
}

func TestHandleEventTreatsPendingEntryAsTableMiss(t *testing.T) {
	pending := &domain.ActiveJob{JobID: "job-1", State: domain.JobStatePending}
	ready := &domain.ActiveJob{JobID: "job-1", State: domain.JobStateReady, Port: 20000, BearerToken: "tok"}
	lookup := func(domain.JobID) (*domain.ActiveJob, bool) { return pending, true }

	r, _ := newTestRouter(t, lookup)
	started := false
	r.onDemandStart = func(context.Context, domain.JobID) (*domain.ActiveJob, error) {
		started = true
		return ready, nil
	}
	touchCalls := 0
	r.touch = func(domain.JobID, time.Time) { touchCalls++ }

	r.HandleEvent(context.Background(), ports.ChatEvent{JobID: "job-1", SenderID: "buyer", Content: "hi"})

	assert.True(t, started, "a Pending entry must trigger onDemandStart, not route directly")
	assert.Equal(t, 1, touchCalls)
}
