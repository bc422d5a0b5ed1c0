// Package chat implements ports.ChatTransport as a long-poll client
// against the marketplace's realtime event stream. Grounded on
// bureau-foundation-bureau/messaging's RoomWatcher.WaitForEvent: there is
// no WebSocket/Socket.IO dependency anywhere in the retrieved corpus, so
// this adapter reuses the corpus's one realtime-messaging pattern —
// long-polling GETs with a cursor token, retries every 2s with no limit on
// their number (an error event is emitted after every maxPollRetries+1
// consecutive failures), and a drop-and-redial reconnect on transport error —
// instead of inventing a fake dependency.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

const (
	longPollTimeout = 30 * time.Second
	maxPollRetries  = 5
	retryBackoff    = 2 * time.Second
	joinWaitTimeout = 10 * time.Second
)

// Transport is a long-poll realtime chat client. Connect starts one
// background reader goroutine per Transport; Close stops it.
type Transport struct {
	logger  *slog.Logger
	http    *http.Client
	baseURL string

	chatToken string

	events chan ports.ChatEvent

	joinMu  sync.Mutex
	waiters map[domain.JobID]chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Transport against baseURL that sends every request through
// httpClient. Requests authenticate with the chat token given to Connect;
// the marketplace session cookie is not attached unless httpClient's own
// jar holds it (cmd/vap-dispatcher passes a client without a jar).
func New(logger *slog.Logger, baseURL string, httpClient *http.Client) *Transport {
	return &Transport{
		logger:  logger,
		http:    httpClient,
		baseURL: baseURL,
		events:  make(chan ports.ChatEvent, 64),
		waiters: make(map[domain.JobID]chan struct{}),
	}
}

// Connect stores the chat token and starts the background long-poll loop.
func (t *Transport) Connect(ctx context.Context, chatToken string) error {
	t.chatToken = chatToken

	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.pollLoop(loopCtx)
	return nil
}

// JoinRoom requests the jobId's room and blocks until the server confirms
// with a "joined" event or joinWaitTimeout elapses.
func (t *Transport) JoinRoom(ctx context.Context, jobID domain.JobID) error {
	waiter := make(chan struct{}, 1)
	t.joinMu.Lock()
	t.waiters[jobID] = waiter
	t.joinMu.Unlock()
	defer func() {
		t.joinMu.Lock()
		delete(t.waiters, jobID)
		t.joinMu.Unlock()
	}()

	if err := t.postEvent(ctx, jobID, eventJoinJob, ""); err != nil {
		return fmt.Errorf("chat: join_job for %s: %w", jobID, err)
	}

	select {
	case <-waiter:
		return nil
	case <-time.After(joinWaitTimeout):
		return fmt.Errorf("chat: timed out waiting for joined confirmation for %s", jobID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send posts an outbound reply into the jobId's room.
func (t *Transport) Send(ctx context.Context, jobID domain.JobID, content string) error {
	return t.postEvent(ctx, jobID, eventMessage, content)
}

// Events returns the channel of inbound events. Closed when Close runs.
func (t *Transport) Events() <-chan ports.ChatEvent {
	return t.events
}

// Close stops the background reader and closes the event channel.
func (t *Transport) Close() error {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
	close(t.events)
	return nil
}

func (t *Transport) postEvent(ctx context.Context, jobID domain.JobID, eventType, content string) error {
	path := fmt.Sprintf("%s/v1/chat/jobs/%s/events", t.baseURL, jobID)
	body, err := json.Marshal(wireEvent{Type: eventType, JobID: jobID, Content: content})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.chatToken)

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// pollLoop long-polls the event stream, reconnecting with a fixed 2s
// backoff on transport error, mirroring RoomWatcher.WaitForEvent's
// retry-with-short-timeout loop.
func (t *Transport) pollLoop(ctx context.Context) {
	defer close(t.done)

	var cursor string
	var consecutiveFailures int
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := t.poll(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			t.http.CloseIdleConnections()
			t.logger.Warn("chat transport poll failed, reconnecting", "attempt", consecutiveFailures, "error", err)
			if consecutiveFailures > maxPollRetries {
				t.emitError(fmt.Errorf("chat: poll failed %d consecutive times: %w", consecutiveFailures, err))
				consecutiveFailures = 0
			}
			select {
			case <-time.After(retryBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		consecutiveFailures = 0
		cursor = resp.Cursor

		for _, evt := range resp.Events {
			t.dispatch(evt)
		}
	}
}

func (t *Transport) poll(ctx context.Context, cursor string) (pollResponse, error) {
	path := fmt.Sprintf("%s/v1/chat/events?token=%s&since=%s&timeoutMs=%d",
		t.baseURL, t.chatToken, cursor, longPollTimeout.Milliseconds())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return pollResponse{}, fmt.Errorf("build poll request: %w", err)
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return pollResponse{}, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return pollResponse{}, fmt.Errorf("poll returned status %d", resp.StatusCode)
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return pollResponse{}, fmt.Errorf("decode poll response: %w", err)
	}
	return out, nil
}

func (t *Transport) dispatch(evt wireEvent) {
	switch evt.Type {
	case eventJoined:
		t.joinMu.Lock()
		waiter, ok := t.waiters[evt.JobID]
		t.joinMu.Unlock()
		if ok {
			select {
			case waiter <- struct{}{}:
			default:
			}
		}
	case eventMessage:
		t.events <- ports.ChatEvent{JobID: evt.JobID, SenderID: evt.SenderVerusID, Content: evt.Content}
	case eventError:
		t.events <- ports.ChatEvent{JobID: evt.JobID, Err: fmt.Errorf("chat: transport error: %s", evt.Message)}
	}
}

func (t *Transport) emitError(err error) {
	select {
	case t.events <- ports.ChatEvent{Err: err}:
	default:
	}
}
