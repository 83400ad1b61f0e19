package msd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/workerpool"
)

// Mode is the MSD controller's backing-storage mode (spec.md §3 "MsdState").
type Mode string

const (
	ModeNone  Mode = "none"
	ModeImage Mode = "image"
	ModeDrive Mode = "drive"
)

var (
	ErrBusy              = errors.New("msd: bus transfer in progress")
	ErrNotConnected      = errors.New("msd: not connected")
	ErrAlreadyConnected  = errors.New("msd: already connected")
	ErrNoImageSelected   = errors.New("msd: no image selected")
	ErrMutateWhileActive = errors.New("msd: cannot change image/mode while connected")
)

// gadgetLUN is the narrow surface the controller needs from the gadget
// service, so tests never touch real configfs (grounded on internal/capture
// and internal/gadget's own injectable-dependency seams).
type gadgetLUN interface {
	MSDLunPath() string
	SetMSDEnabled(enabled bool) error
}

// State is the read-only snapshot spec.md §3 names "MsdState".
type State struct {
	Availability bool        `json:"availability"`
	Mode         Mode        `json:"mode"`
	Connected    bool        `json:"connected"`
	CurrentImage *ImageInfo  `json:"current_image,omitempty"`
	DriveInfo    *DriveState `json:"drive_info,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// DriveState summarizes the Ventoy drive for State snapshots.
type DriveState struct {
	CapacityMB int           `json:"capacity_mb"`
	UsedBytes  int64         `json:"used_bytes"`
	Entries    []VentoyEntry `json:"entries"`
}

// Controller is the single owner of the MSD backing storage and its
// binding to the gadget LUN (spec.md §3 "Ownership": "MSD LUN backing
// file" owned exclusively by its controller).
type Controller struct {
	bus          *eventbus.Bus
	gadget       gadgetLUN
	store        *Store
	drive        *VentoyDrive
	down         *Downloader
	ventoyWrites *workerpool.Pool

	disconnectTimeout time.Duration

	mu          sync.Mutex
	mode        Mode
	connected   bool
	currentImg  string
	lastErr     string
	activeUntil time.Time // best-effort bus-activity window, see Disconnect
}

func NewController(bus *eventbus.Bus, gw gadgetLUN, store *Store, drive *VentoyDrive, disconnectTimeout time.Duration) *Controller {
	return &Controller{
		bus:               bus,
		gadget:            gw,
		store:             store,
		drive:             drive,
		down:              NewDownloader(store, bus),
		ventoyWrites:      workerpool.New(1, 4),
		disconnectTimeout: disconnectTimeout,
		mode:              ModeNone,
	}
}

// SetImage selects id as the next image to connect (spec.md §4.11
// "current_image ... changes are only permitted while connected=false").
func (c *Controller) SetImage(id string) error {
	if _, err := c.store.Get(id); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrMutateWhileActive
	}
	c.mode = ModeImage
	c.currentImg = id
	c.publish()
	return nil
}

// SetVentoy switches to the Ventoy drive as the backing store.
func (c *Controller) SetVentoy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrMutateWhileActive
	}
	c.mode = ModeDrive
	c.currentImg = ""
	c.publish()
	return nil
}

// Clear resets to no backing storage selected.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return ErrMutateWhileActive
	}
	c.mode = ModeNone
	c.currentImg = ""
	c.publish()
	return nil
}

// Connect binds the chosen backing file to the gadget's LUN (spec.md
// §4.11 "binds the chosen backing file ... to the gadget's mass-storage
// LUN file path and signals the gadget to rebind if the LUN was absent").
func (c *Controller) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return ErrAlreadyConnected
	}

	var backingPath string
	switch c.mode {
	case ModeImage:
		if c.currentImg == "" {
			return ErrNoImageSelected
		}
		backingPath = c.store.Path(c.currentImg)
	case ModeDrive:
		backingPath = c.drive.Path()
	default:
		return ErrNoImageSelected
	}

	if err := c.gadget.SetMSDEnabled(true); err != nil {
		c.lastErr = err.Error()
		c.publish()
		return fmt.Errorf("msd: enable gadget function: %w", err)
	}
	if err := os.WriteFile(c.gadget.MSDLunPath(), []byte(backingPath), 0o644); err != nil {
		c.lastErr = err.Error()
		c.publish()
		return fmt.Errorf("msd: bind lun: %w", err)
	}

	// spec.md §4.4: the LUN is always removable media, and presents as a
	// CD-ROM (read-only, no write-back caching assumptions) only while an
	// ISO/IMG image is the backing file; the Ventoy drive is a writable
	// flash disk.
	lunDir := filepath.Dir(c.gadget.MSDLunPath())
	if err := os.WriteFile(filepath.Join(lunDir, "removable"), []byte("1"), 0o644); err != nil {
		c.lastErr = err.Error()
		c.publish()
		return fmt.Errorf("msd: set lun removable: %w", err)
	}
	cdrom := "0"
	if c.mode == ModeImage {
		cdrom = "1"
	}
	if err := os.WriteFile(filepath.Join(lunDir, "cdrom"), []byte(cdrom), 0o644); err != nil {
		c.lastErr = err.Error()
		c.publish()
		return fmt.Errorf("msd: set lun cdrom: %w", err)
	}

	c.connected = true
	c.lastErr = ""
	c.activeUntil = time.Now().Add(c.disconnectTimeout)
	c.publish()
	log.Info("msd connected", "mode", c.mode, "image", c.currentImg)
	return nil
}

// Disconnect clears the LUN backing-file attribute (spec.md §4.11). If it
// is called within disconnectTimeout of Connect, while a bus transfer may
// still be active, it returns ErrBusy at once without waiting.
//
// There is no portable userspace signal for "a USB bus transfer is in
// flight" against a configfs mass-storage LUN; this approximates spec.md's
// "must not leave the target mid-transfer" by keeping a fixed grace window
// open after Connect, during which a Disconnect is refused with ErrBusy
// rather than risking a mid-transfer LUN clear.
func (c *Controller) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}
	if time.Now().Before(c.activeUntil) {
		return ErrBusy
	}

	if err := os.WriteFile(c.gadget.MSDLunPath(), nil, 0o644); err != nil {
		c.lastErr = err.Error()
		c.publish()
		return fmt.Errorf("msd: clear lun: %w", err)
	}

	c.connected = false
	c.lastErr = ""
	c.publish()
	log.Info("msd disconnected")
	return nil
}

// UploadImage streams src into the store (spec.md §4.11 "upload_image").
func (c *Controller) UploadImage(name string, src io.Reader) (ImageInfo, error) {
	info, err := c.store.Create(name, src)
	if err != nil {
		return ImageInfo{}, err
	}
	c.mu.Lock()
	c.publish()
	c.mu.Unlock()
	return info, nil
}

// DownloadImage starts a background fetch (spec.md §4.11 "download_image").
func (c *Controller) DownloadImage(url string) string {
	return c.down.Start(url)
}

// CancelDownload stops an in-flight download.
func (c *Controller) CancelDownload(taskID string) {
	c.down.Cancel(taskID)
}

// DownloadStatus reports the last known progress for taskID.
func (c *Controller) DownloadStatus(taskID string) (DownloadProgress, bool) {
	return c.down.Status(taskID)
}

// DeleteImage removes id, rejecting in-use images (spec.md §4.11 "Deletion
// rejects in-use images").
func (c *Controller) DeleteImage(id string) error {
	c.mu.Lock()
	inUse := c.currentImg == id
	c.mu.Unlock()
	if inUse {
		return ErrInUse
	}
	if err := c.store.Delete(id); err != nil {
		return err
	}
	c.mu.Lock()
	c.publish()
	c.mu.Unlock()
	return nil
}

// ListImages returns every stored image's metadata.
func (c *Controller) ListImages() ([]ImageInfo, error) {
	return c.store.List()
}

// AddISOToVentoy copies src into the Ventoy drive. Writes are serialized
// through a single-worker pool so two concurrent uploads never interleave
// their AddISO calls against the same backing file; a request arriving
// while four writes already wait behind the running one is rejected with
// ErrBusy instead of piling up an unbounded queue of goroutines each
// holding a multipart file open.
func (c *Controller) AddISOToVentoy(ctx context.Context, id, name string, src io.Reader, size int64) error {
	result := make(chan error, 1)
	if !c.ventoyWrites.Submit(func() {
		result <- c.drive.AddISO(ctx, id, name, src, size)
	}) {
		return ErrBusy
	}

	select {
	case err := <-result:
		if err != nil {
			return err
		}
		c.mu.Lock()
		c.publish()
		c.mu.Unlock()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the controller's background workers. Call once at daemon
// shutdown.
func (c *Controller) Close() {
	c.ventoyWrites.StopAccepting()
	c.ventoyWrites.Drain(context.Background())
}

// Snapshot implements deviceinfo.Source.
func (c *Controller) Snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// stateLocked builds the State snapshot; callers must already hold c.mu.
func (c *Controller) stateLocked() State {
	st := State{
		Availability: c.gadget != nil,
		Mode:         c.mode,
		Connected:    c.connected,
		Error:        c.lastErr,
	}
	if c.mode == ModeImage && c.currentImg != "" {
		if info, err := c.store.Get(c.currentImg); err == nil {
			st.CurrentImage = &info
		}
	}
	if c.mode == ModeDrive && c.drive != nil {
		st.DriveInfo = &DriveState{CapacityMB: c.drive.capacityMB, UsedBytes: c.drive.usedBytes(), Entries: c.drive.Entries()}
	}
	return st
}

// publish requires c.mu to already be held by the caller.
func (c *Controller) publish() {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.KindMsdStateChanged, c.stateLocked())
}
