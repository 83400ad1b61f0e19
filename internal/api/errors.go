package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/mofeng-git/one-kvm/internal/atx"
	"github.com/mofeng-git/one-kvm/internal/auth"
	"github.com/mofeng-git/one-kvm/internal/config"
	"github.com/mofeng-git/one-kvm/internal/logging"
	"github.com/mofeng-git/one-kvm/internal/msd"
)

var errLog = logging.L("api.error")

// statusTable centralizes every domain sentinel's HTTP status (Design Note
// §9: translate domain errors to a transport code in exactly one place,
// never ad-hoc string matching at each call site).
var statusTable = []struct {
	err    error
	status int
}{
	{auth.ErrInvalidCredentials, http.StatusForbidden},
	{auth.ErrSessionExpired, http.StatusUnauthorized},
	{auth.ErrPermissionDenied, http.StatusForbidden},
	{auth.ErrSetupRequired, http.StatusPreconditionFailed},
	{auth.ErrTOTPRequired, http.StatusForbidden},
	{auth.ErrTOTPInvalid, http.StatusForbidden},
	{auth.ErrLastAdmin, http.StatusPreconditionFailed},
	{config.ErrInvalidConfig, http.StatusBadRequest},
	{msd.ErrBusy, http.StatusConflict},
	{msd.ErrNotConnected, http.StatusConflict},
	{msd.ErrAlreadyConnected, http.StatusConflict},
	{msd.ErrNoImageSelected, http.StatusConflict},
	{msd.ErrMutateWhileActive, http.StatusConflict},
	{msd.ErrNotFound, http.StatusNotFound},
	{msd.ErrInUse, http.StatusConflict},
	{atx.ErrNoDriver, http.StatusServiceUnavailable},
	{atx.ErrNoWOLMAC, http.StatusPreconditionFailed},
	{atx.ErrNoInterface, http.StatusServiceUnavailable},
}

// writeError maps err to its registered status, defaulting to 500 for
// anything not named in statusTable (spec.md §7 "unclassified failures are
// internal errors, never guessed at"). An unclassified error's real text
// never reaches the client: it's logged server-side against an opaque id,
// and only that id is returned (spec.md §7 "Internal — 500, with an opaque
// id; details only in logs").
func writeError(w http.ResponseWriter, err error) {
	for _, entry := range statusTable {
		if errors.Is(err, entry.err) {
			writeErrorMsg(w, entry.status, err.Error())
			return
		}
	}

	id := uuid.NewString()
	errLog.Error("unclassified internal error", "error_id", id, "error", err)
	writeErrorMsg(w, http.StatusInternalServerError, "internal error, id="+id)
}
