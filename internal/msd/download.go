package msd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/httputil"
)

// DownloadProgress is published on the event bus at <=2 Hz while a download
// runs (spec.md §4.11 "Downloads").
type DownloadProgress struct {
	TaskID      string  `json:"task_id"`
	URL         string  `json:"url"`
	Downloaded  int64   `json:"downloaded"`
	Total       int64   `json:"total"` // 0 if the server didn't advertise Content-Length
	SpeedBps    float64 `json:"speed_bps"`
	ETASeconds  float64 `json:"eta_seconds"`
	Done        bool    `json:"done"`
	Error       string  `json:"error,omitempty"`
	Cancelled   bool    `json:"cancelled"`
}

const progressInterval = 500 * time.Millisecond

// downloadTask tracks one in-flight background download.
type downloadTask struct {
	id     string
	url    string
	cancel context.CancelFunc
}

// Downloader pulls a backing image from an HTTP(S) source in the
// background. Each task is a single GET from byte 0 with no Range header;
// a transfer interrupted during the body read fails the task and is not
// resumed.
//
// The initial GET goes through internal/httputil's retry/backoff helper so
// a transient 5xx or connection reset doesn't fail the whole task; the
// streaming body read itself is plain net/http plus a temp-file-and-rename
// finish, matching Store.Create's own pattern.
type Downloader struct {
	store *Store
	bus   *eventbus.Bus
	http  *http.Client

	mu       sync.Mutex
	tasks    map[string]*downloadTask
	progress map[string]DownloadProgress
}

func NewDownloader(store *Store, bus *eventbus.Bus) *Downloader {
	return &Downloader{
		store:    store,
		bus:      bus,
		http:     &http.Client{},
		tasks:    map[string]*downloadTask{},
		progress: map[string]DownloadProgress{},
	}
}

// Status returns the last published progress for taskID, so GET
// /msd/images/download/{id} has something to report between bus ticks.
func (d *Downloader) Status(taskID string) (DownloadProgress, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.progress[taskID]
	return p, ok
}

// Start begins downloading url in the background and returns a task id
// immediately (spec.md §4.11 "download_image(url) -> task_id").
func (d *Downloader) Start(url string) string {
	taskID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.tasks[taskID] = &downloadTask{id: taskID, url: url, cancel: cancel}
	d.mu.Unlock()

	go d.run(ctx, taskID, url)
	return taskID
}

// Cancel stops a running download and removes its partial bytes (spec.md
// §4.11 "Cancel removes partial bytes").
func (d *Downloader) Cancel(taskID string) {
	d.mu.Lock()
	t, ok := d.tasks[taskID]
	delete(d.tasks, taskID)
	d.mu.Unlock()
	if ok {
		t.cancel()
	}
}

func (d *Downloader) run(ctx context.Context, taskID, url string) {
	defer func() {
		d.mu.Lock()
		delete(d.tasks, taskID)
		d.mu.Unlock()
	}()

	tmpPath := filepath.Join(d.store.dir, taskID+".download")
	if err := os.MkdirAll(d.store.dir, 0o755); err != nil {
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: err.Error()})
		return
	}

	resp, err := httputil.Do(ctx, d.http, http.MethodGet, url, nil, nil, httputil.DefaultRetryConfig())
	if err != nil {
		if ctx.Err() != nil {
			d.finishCancelled(taskID, url, tmpPath)
			return
		}
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: err.Error()})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: fmt.Sprintf("unexpected status %d", resp.StatusCode)})
		return
	}

	out, err := os.Create(tmpPath)
	if err != nil {
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: err.Error()})
		return
	}
	defer out.Close()

	total := resp.ContentLength
	var downloaded int64
	lastPublish := time.Time{}
	start := time.Now()

	buf := make([]byte, 64*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: werr.Error()})
				os.Remove(tmpPath)
				return
			}
			downloaded += int64(n)

			if now := time.Now(); now.Sub(lastPublish) >= progressInterval {
				lastPublish = now
				d.publishRunning(taskID, url, downloaded, total, start)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if ctx.Err() != nil {
				d.finishCancelled(taskID, url, tmpPath)
				return
			}
			d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: readErr.Error()})
			os.Remove(tmpPath)
			return
		}
	}

	if err := out.Close(); err != nil {
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: err.Error()})
		os.Remove(tmpPath)
		return
	}

	id := uuid.NewString()
	format, err := sniffFormat(tmpPath)
	if err != nil {
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: err.Error()})
		os.Remove(tmpPath)
		return
	}
	info := ImageInfo{
		ID:        id,
		Name:      sanitizeName(filepath.Base(url)),
		ByteSize:  downloaded,
		Format:    format,
		CreatedAt: time.Now().UTC(),
	}
	if err := os.Rename(tmpPath, d.store.imagePath(id)); err != nil {
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: err.Error()})
		os.Remove(tmpPath)
		return
	}
	if err := d.store.writeSidecar(info); err != nil {
		os.Remove(d.store.imagePath(id))
		d.publish(DownloadProgress{TaskID: taskID, URL: url, Error: err.Error()})
		return
	}

	d.publish(DownloadProgress{TaskID: taskID, URL: url, Downloaded: downloaded, Total: total, Done: true})
}

func (d *Downloader) finishCancelled(taskID, url, tmpPath string) {
	os.Remove(tmpPath)
	d.publish(DownloadProgress{TaskID: taskID, URL: url, Cancelled: true, Done: true})
}

func (d *Downloader) publishRunning(taskID, url string, downloaded, total int64, start time.Time) {
	elapsed := time.Since(start).Seconds()
	var speed, eta float64
	if elapsed > 0 {
		speed = float64(downloaded) / elapsed
	}
	if speed > 0 && total > downloaded {
		eta = float64(total-downloaded) / speed
	}
	d.publish(DownloadProgress{
		TaskID:     taskID,
		URL:        url,
		Downloaded: downloaded,
		Total:      total,
		SpeedBps:   speed,
		ETASeconds: eta,
	})
}

func (d *Downloader) publish(p DownloadProgress) {
	d.mu.Lock()
	d.progress[p.TaskID] = p
	d.mu.Unlock()
	if d.bus != nil {
		d.bus.Publish(eventbus.KindMsdDownloadProgress, p)
	}
}
