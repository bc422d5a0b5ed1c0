package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
)

func TestJoinRoomAndReceiveMessage(t *testing.T) {
	var pollCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/events", func(w http.ResponseWriter, r *http.Request) {
		pollCount++
		switch pollCount {
		case 1:
			json.NewEncoder(w).Encode(pollResponse{Cursor: "c1", Events: []wireEvent{
				{Type: eventJoined, JobID: "job-1"},
			}})
		case 2:
			json.NewEncoder(w).Encode(pollResponse{Cursor: "c2", Events: []wireEvent{
				{Type: eventMessage, JobID: "job-1", SenderVerusID: "buyer@x", Content: "hello"},
			}})
		default:
			time.Sleep(10 * time.Millisecond)
			json.NewEncoder(w).Encode(pollResponse{Cursor: "c2", Events: nil})
		}
	})
	mux.HandleFunc("/v1/chat/jobs/job-1/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	tr := New(logger, srv.URL, &http.Client{})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	require.NoError(t, tr.Connect(ctx, "chat-token"))
	require.NoError(t, tr.JoinRoom(ctx, "job-1"))

	select {
	case evt := <-tr.Events():
		assert.Equal(t, domain.JobID("job-1"), evt.JobID)
		assert.Equal(t, "hello", evt.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
	}
}
