package edge

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/featurehub-go/internal/repository"
)

func writeEvent(w http.ResponseWriter, eventType, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	w.(http.Flusher).Flush()
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(5 * time.Millisecond)
}

func newStreaming(t *testing.T, notifier Notifier, edgeURL string, opts ...Option) *StreamingService {
	t.Helper()
	opts = append([]Option{WithBackOff(fastBackOff)}, opts...)
	s := NewStreamingService(notifier, edgeURL, []string{"env/key*1", "env/key*2"}, opts...)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStreamingDeliversEvents(t *testing.T) {
	requests := make(chan *http.Request, 1)
	edgeURL := newEdge(t, func(w http.ResponseWriter, r *http.Request) {
		requests <- r
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(w, "ack", `{}`)
		writeEvent(w, "features", `[{"id":"f1","key":"banner","version":1,"type":"BOOLEAN","value":true}]`)
		writeEvent(w, "feature", `{"id":"f2","key":"colour","version":3,"type":"STRING","value":"red"}`)
		writeEvent(w, "config", `{"edge.stale":false}`)
		<-r.Context().Done()
	})

	repo := repository.New()
	rec := &fakeRecorder{}
	s := newStreaming(t, repo, edgeURL, WithRecorder(rec))
	assert.False(t, s.Active())
	s.Poll()

	req := <-requests
	assert.Equal(t, "/features/env/key*1", req.URL.Path)
	assert.Equal(t, "text/event-stream", req.Header.Get("Accept"))
	assert.Equal(t, "Go", req.Header.Get("X-SDK"))

	require.Eventually(t, func() bool {
		v, _ := repo.Feature("colour").StringValue()
		return v == "red"
	}, time.Second, 5*time.Millisecond)
	assert.True(t, repo.Ready())
	assert.True(t, repo.Feature("banner").Enabled())
	assert.True(t, s.Active())
	assert.False(t, s.Stopped())

	require.NoError(t, s.Close())
	assert.False(t, s.Active())
	require.NoError(t, s.Close())
}

func TestStreamingStaleConfigIsTerminal(t *testing.T) {
	var hits atomic.Int32
	edgeURL := newEdge(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEvent(w, "config", `{"edge.stale":true}`)
		<-r.Context().Done()
	})

	s := newStreaming(t, repository.New(), edgeURL)
	s.Poll()

	require.Eventually(t, s.Stopped, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
	assert.False(t, s.Active())

	s.Poll()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStreamingNotFoundIsTerminal(t *testing.T) {
	var hits atomic.Int32
	edgeURL := newEdge(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	})

	repo := repository.New()
	require.NoError(t, repo.Notify(repository.StatusFeatures, []byte(`[]`)))

	s := newStreaming(t, repo, edgeURL)
	s.Poll()

	require.Eventually(t, s.Stopped, time.Second, 5*time.Millisecond)
	assert.False(t, repo.Ready())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), hits.Load())
}

func TestStreamingReconnectsAfterDisconnect(t *testing.T) {
	var hits atomic.Int32
	edgeURL := newEdge(t, func(w http.ResponseWriter, r *http.Request) {
		switch hits.Add(1) {
		case 1:
			writeEvent(w, "feature", `{"id":"f1","key":"banner","version":1,"type":"BOOLEAN","value":false}`)
		case 2:
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			writeEvent(w, "feature", `{"id":"f1","key":"banner","version":2,"type":"BOOLEAN","value":true}`)
			<-r.Context().Done()
		}
	})

	repo := repository.New()
	rec := &fakeRecorder{}
	s := newStreaming(t, repo, edgeURL, WithRecorder(rec))
	s.Poll()

	require.Eventually(t, repo.Feature("banner").Enabled, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), hits.Load())
	assert.False(t, s.Stopped())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"ok", "503", "ok"}, rec.connects)
}

func TestStreamingContextChangeReconnects(t *testing.T) {
	queries := make(chan string, 4)
	edgeURL := newEdge(t, func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		writeEvent(w, "ack", `{}`)
		<-r.Context().Done()
	})

	s := newStreaming(t, repository.New(), edgeURL)
	s.Poll()
	assert.Equal(t, "", <-queries)

	s.ContextChange("userkey=fred&country=nz")
	select {
	case q := <-queries:
		assert.Equal(t, "userkey=fred&country=nz", q)
	case <-time.After(time.Second):
		t.Fatal("context change did not reconnect")
	}

	s.ContextChange("userkey=fred&country=nz")
	select {
	case <-queries:
		t.Fatal("unchanged context reconnected")
	case <-time.After(30 * time.Millisecond):
	}
}

type countingNotifier struct {
	calls atomic.Int32
}

func (n *countingNotifier) Notify(repository.Status, []byte) error {
	n.calls.Add(1)
	return nil
}

func TestStreamingNoNotificationsAfterClose(t *testing.T) {
	edgeURL := newEdge(t, func(w http.ResponseWriter, r *http.Request) {
		for {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
				writeEvent(w, "ack", `{}`)
			}
		}
	})

	n := &countingNotifier{}
	s := newStreaming(t, n, edgeURL)
	s.Poll()
	require.Eventually(t, func() bool { return n.calls.Load() > 3 }, time.Second, time.Millisecond)

	require.NoError(t, s.Close())
	after := n.calls.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.calls.Load())
}

func TestStreamingDropsEventsForPreviousContext(t *testing.T) {
	n := &countingNotifier{}
	s := newStreaming(t, n, "http://localhost/")
	s.mu.Lock()
	s.header = "userkey=u2"
	s.mu.Unlock()

	s.deliver(repository.StatusFeatures, []byte(`[]`), "userkey=u1")
	assert.Equal(t, int32(0), n.calls.Load())

	s.deliver(repository.StatusFeatures, []byte(`[]`), "userkey=u2")
	assert.Equal(t, int32(1), n.calls.Load())
}

func TestStreamingContextChangeMarksNotReady(t *testing.T) {
	edgeURL := newEdge(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("userkey") == "u1" {
			writeEvent(w, "features", `[]`)
		} else {
			w.(http.Flusher).Flush()
		}
		<-r.Context().Done()
	})

	repo := repository.New()
	s := newStreaming(t, repo, edgeURL)
	s.ContextChange("userkey=u1")
	require.Eventually(t, repo.Ready, time.Second, 5*time.Millisecond)

	s.ContextChange("userkey=u2")
	assert.False(t, repo.Ready())
}

func TestIsStale(t *testing.T) {
	assert.True(t, isStale([]byte(`{"edge.stale":true}`)))
	assert.False(t, isStale([]byte(`{"edge.stale":false}`)))
	assert.False(t, isStale([]byte(`{}`)))
	assert.False(t, isStale([]byte(`not json`)))
}
