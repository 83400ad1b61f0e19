// Package mjpeg implements the multipart/x-mixed-replace MJPEG distributor
// (spec.md §4.9, component C9): one HTTP handler serving every connected
// client a live sequence of JPEG frame parts, with per-client bookkeeping
// and drop-on-stall behavior.
//
// Grounded on the teacher's StreamMetrics (stream_metrics.go) field set and
// RWMutex-guarded Record*/Snapshot shape, adapted from one struct per
// session to one struct per MJPEG client, plus ws_stream.go's
// per-connection write-deadline discipline for the drop-on-stall grace
// window.
package mjpeg

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/logging"
)

var log = logging.L("mjpeg")

const (
	boundary   = "onekvmframe"
	cookieName = "onekvm_mjpeg_client"

	// writeGrace is how long a write may block before the client is
	// considered stalled and dropped (spec.md §4.9 "write-would-block
	// beyond a grace window").
	writeGrace = 2 * time.Second
)

// ClientStats is the per-client bookkeeping the distributor tracks and
// republishes for the device-info broadcaster.
type ClientStats struct {
	ClientID  string    `json:"client_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastFrameAt time.Time `json:"last_frame_at"`
	FramesSent  uint64    `json:"frames_sent"`
	FPS         float64   `json:"fps"`
}

type client struct {
	id        string
	w         http.ResponseWriter
	flusher   http.Flusher
	connected time.Time

	mu         sync.Mutex
	framesSent uint64
	lastFrame  time.Time
	fpsWindow  []time.Time

	done chan struct{}
}

// Distributor fans JPEG frames out to every connected HTTP client as a
// multipart/x-mixed-replace stream.
type Distributor struct {
	bus *eventbus.Bus

	mu      sync.Mutex
	clients map[string]*client
}

func New(bus *eventbus.Bus) *Distributor {
	return &Distributor{bus: bus, clients: map[string]*client{}}
}

// ServeHTTP registers the requester as a new client and blocks until the
// connection closes or the client is dropped for stalling.
func (d *Distributor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id := clientIDFromCookie(r)
	if id == "" {
		id = uuid.NewString()
	}
	http.SetCookie(w, &http.Cookie{Name: cookieName, Value: id, Path: "/", HttpOnly: true, SameSite: http.SameSiteStrictMode})

	c := &client{id: id, w: w, flusher: flusher, connected: time.Now(), done: make(chan struct{})}

	d.mu.Lock()
	d.clients[id] = c
	d.mu.Unlock()

	w.Header().Set("Content-Type", fmt.Sprintf("multipart/x-mixed-replace; boundary=%s", boundary))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	log.Info("mjpeg client connected", "client_id", id)

	select {
	case <-r.Context().Done():
	case <-c.done:
	}

	d.mu.Lock()
	delete(d.clients, id)
	d.mu.Unlock()
	log.Info("mjpeg client disconnected", "client_id", id)
	d.publishStats()
}

func clientIDFromCookie(r *http.Request) string {
	if ck, err := r.Cookie(cookieName); err == nil {
		return ck.Value
	}
	return ""
}

// Publish writes jpegFrame to every connected client, dropping any client
// whose write doesn't complete within writeGrace.
func (d *Distributor) Publish(jpegFrame []byte) {
	d.mu.Lock()
	clients := make([]*client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	for _, c := range clients {
		if !writeFrame(c, jpegFrame, writeGrace) {
			d.drop(c)
		}
	}
	if len(clients) > 0 {
		d.publishStats()
	}
}

func (d *Distributor) drop(c *client) {
	d.mu.Lock()
	if existing, ok := d.clients[c.id]; ok && existing == c {
		delete(d.clients, c.id)
	}
	d.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
	log.Warn("dropping stalled mjpeg client", "client_id", c.id)
}

// writeFrame writes one multipart part, returning false if it could not
// complete within deadline.
func writeFrame(c *client, jpegFrame []byte, deadline time.Duration) bool {
	result := make(chan error, 1)
	go func() {
		_, err := fmt.Fprintf(c.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpegFrame))
		if err == nil {
			_, err = c.w.Write(jpegFrame)
		}
		if err == nil {
			_, err = fmt.Fprintf(c.w, "\r\n")
		}
		result <- err
	}()

	select {
	case err := <-result:
		if err != nil {
			return false
		}
	case <-time.After(deadline):
		return false
	}

	c.flusher.Flush()

	c.mu.Lock()
	c.framesSent++
	now := time.Now()
	c.lastFrame = now
	c.fpsWindow = append(c.fpsWindow, now)
	c.fpsWindow = trimWindow(c.fpsWindow, now.Add(-time.Second))
	c.mu.Unlock()

	return true
}

func trimWindow(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}

// Stats returns a snapshot of every connected client's bookkeeping.
func (d *Distributor) Stats() []ClientStats {
	d.mu.Lock()
	clients := make([]*client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	out := make([]ClientStats, 0, len(clients))
	for _, c := range clients {
		c.mu.Lock()
		out = append(out, ClientStats{
			ClientID:    c.id,
			ConnectedAt: c.connected,
			LastFrameAt: c.lastFrame,
			FramesSent:  c.framesSent,
			FPS:         float64(len(c.fpsWindow)),
		})
		c.mu.Unlock()
	}
	return out
}

// Snapshot implements deviceinfo.Source.
func (d *Distributor) Snapshot() any {
	return d.Stats()
}

func (d *Distributor) publishStats() {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.KindStreamStateChanged, d.Stats())
}
