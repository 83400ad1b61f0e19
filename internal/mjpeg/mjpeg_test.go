package mjpeg

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
)

func TestWriteFrameWritesMultipartEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	c := &client{id: "c1", w: rec, flusher: rec, connected: time.Now(), done: make(chan struct{})}

	if !writeFrame(c, []byte{0xFF, 0xD8, 0xFF, 0xD9}, time.Second) {
		t.Fatal("writeFrame returned false")
	}

	body := rec.Body.String()
	if !strings.Contains(body, "--"+boundary) {
		t.Fatalf("body missing boundary marker: %q", body)
	}
	if !strings.Contains(body, "Content-Type: image/jpeg") {
		t.Fatalf("body missing content type: %q", body)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.framesSent != 1 {
		t.Fatalf("framesSent = %d, want 1", c.framesSent)
	}
}

type blockingWriter struct {
	unblock chan struct{}
}

func (b *blockingWriter) Write(p []byte) (int, error) {
	<-b.unblock
	return len(p), nil
}

func TestWriteFrameTimesOutOnSlowWriter(t *testing.T) {
	bw := &blockingWriter{unblock: make(chan struct{})}
	defer close(bw.unblock)

	c := &client{id: "c1", w: responseWriterStub{Writer: bw}, flusher: noopFlusher{}, connected: time.Now(), done: make(chan struct{})}

	if writeFrame(c, []byte{1, 2, 3}, 50*time.Millisecond) {
		t.Fatal("expected writeFrame to time out on a slow writer")
	}
}

type responseWriterStub struct {
	Writer interface{ Write([]byte) (int, error) }
}

func (r responseWriterStub) Header() http.Header        { return http.Header{} }
func (r responseWriterStub) Write(p []byte) (int, error) { return r.Writer.Write(p) }
func (r responseWriterStub) WriteHeader(int)             {}

type noopFlusher struct{}

func (noopFlusher) Flush() {}

func TestDropRemovesClientAndClosesDone(t *testing.T) {
	d := New(eventbus.New())
	c := &client{id: "c1", done: make(chan struct{})}
	d.clients["c1"] = c

	d.drop(c)

	if _, ok := d.clients["c1"]; ok {
		t.Fatal("expected client to be removed")
	}
	select {
	case <-c.done:
	default:
		t.Fatal("expected done channel to be closed")
	}
}

func TestTrimWindowRemovesOldTimestamps(t *testing.T) {
	now := time.Now()
	ts := []time.Time{now.Add(-2 * time.Second), now.Add(-1500 * time.Millisecond), now.Add(-200 * time.Millisecond)}
	trimmed := trimWindow(ts, now.Add(-time.Second))
	if len(trimmed) != 1 {
		t.Fatalf("len(trimmed) = %d, want 1", len(trimmed))
	}
}

func TestClientIDFromCookieRoundTrips(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: "abc123"})
	if got := clientIDFromCookie(req); got != "abc123" {
		t.Fatalf("clientIDFromCookie = %q, want abc123", got)
	}
}

func TestClientIDFromCookieMissingReturnsEmpty(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	if got := clientIDFromCookie(req); got != "" {
		t.Fatalf("clientIDFromCookie = %q, want empty", got)
	}
}

func TestStatsReflectsConnectedClients(t *testing.T) {
	d := New(eventbus.New())
	d.clients["c1"] = &client{id: "c1", connected: time.Now(), done: make(chan struct{})}
	d.clients["c2"] = &client{id: "c2", connected: time.Now(), done: make(chan struct{})}

	stats := d.Stats()
	if len(stats) != 2 {
		t.Fatalf("len(stats) = %d, want 2", len(stats))
	}
}
