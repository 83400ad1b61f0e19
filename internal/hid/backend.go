package hid

import "context"

// BackendKind selects which transport the controller drives.
type BackendKind string

const (
	BackendOTG    BackendKind = "otg"
	BackendCH9329 BackendKind = "ch9329"
	BackendNone   BackendKind = "none"
)

// ErrBackendUnavailable is returned for sends issued during/after a
// Reload() shutdown of the previous backend (spec.md §4.5 "Reload").
var ErrBackendUnavailable = errBackendUnavailable{}

type errBackendUnavailable struct{}

func (errBackendUnavailable) Error() string { return "hid: backend unavailable" }

// Backend is the minimal transport the Controller drives. Each concrete
// backend owns its device handles exclusively (spec.md §3 "Ownership").
type Backend interface {
	WriteKeyboard(ctx context.Context, report [8]byte) error
	WriteMouse(ctx context.Context, report []byte, absolute bool) error
	WriteConsumer(ctx context.Context, report []byte) error
	// ReadLED polls the keyboard OUT endpoint non-blockingly. ok is false
	// when no new LED byte is available.
	ReadLED() (b byte, ok bool)
	Close() error
	Name() string
}
