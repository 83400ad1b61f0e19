// Package api implements the HTTP/WS surface (spec.md §4.13, component
// C13): a strict per-domain GET/PATCH split over the daemon's config store,
// the user-facing stream/msd/atx/webrtc control endpoints, and the two
// WebSocket upgrades (aggregated device events, binary HID passthrough).
//
// Grounded on the teacher's pkg/api/client.go JSON request/response
// conventions (mirrored here server-side: encode/decode through
// encoding/json, wrap failures in a {"error": "..."} body) and
// internal/websocket/client.go's gorilla/websocket usage, fronted by the
// standard library net/http.ServeMux method+pattern router rather than a
// third routing framework.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/mofeng-git/one-kvm/internal/atx"
	"github.com/mofeng-git/one-kvm/internal/auth"
	"github.com/mofeng-git/one-kvm/internal/capture"
	"github.com/mofeng-git/one-kvm/internal/config"
	"github.com/mofeng-git/one-kvm/internal/deviceinfo"
	"github.com/mofeng-git/one-kvm/internal/encoder"
	"github.com/mofeng-git/one-kvm/internal/eventbus"
	"github.com/mofeng-git/one-kvm/internal/gadget"
	"github.com/mofeng-git/one-kvm/internal/health"
	"github.com/mofeng-git/one-kvm/internal/hid"
	"github.com/mofeng-git/one-kvm/internal/logging"
	"github.com/mofeng-git/one-kvm/internal/mjpeg"
	"github.com/mofeng-git/one-kvm/internal/msd"
	"github.com/mofeng-git/one-kvm/internal/pipeline"
	"github.com/mofeng-git/one-kvm/internal/store"
	"github.com/mofeng-git/one-kvm/internal/webrtc"
)

var log = logging.L("api")

// Deps bundles every controller the API surface fronts. cmd/onekvmd/main.go
// constructs one of these after every other component is up.
type Deps struct {
	Bus    *eventbus.Bus
	Config *config.Store
	DB     *store.Store
	Auth   *auth.Service

	Gadget   *gadget.Gadget
	Capture  *capture.Capturer
	Registry *encoder.Registry
	Pipeline *pipeline.Pipeline
	MJPEG    *mjpeg.Distributor
	WebRTC   *webrtc.Manager
	HID      *hid.Controller
	MSD      *msd.Controller
	ATX      *atx.Controller
	Health   *health.Monitor
	Device   *deviceinfo.Aggregator

	// CookieSecure controls the Secure flag on the session cookie; false in
	// local/dev setups served over plain HTTP.
	CookieSecure bool
}

// Server owns the routing table and has no other mutable state of its own:
// every domain's state lives in the controller it fronts (Design Note §9
// "no package-level mutable singletons").
type Server struct {
	d Deps
}

func New(d Deps) *Server {
	return &Server{d: d}
}

// Routes builds the full method+pattern-routed mux (spec.md §6).
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("POST /auth/logout", s.handleLogout)
	mux.HandleFunc("GET /auth/check", s.handleAuthCheck)
	mux.HandleFunc("POST /setup/init", s.handleSetupInit)

	// User, session-authenticated
	user := http.NewServeMux()
	user.HandleFunc("GET /stream/status", s.handleStreamStatus)
	user.HandleFunc("POST /stream/mode", s.handleStreamMode)
	user.HandleFunc("POST /stream/bitrate", s.handleStreamBitrate)
	user.HandleFunc("GET /stream/codecs", s.handleStreamCodecs)
	user.HandleFunc("GET /devices", s.handleDevices)
	user.HandleFunc("GET /webrtc/ice-servers", s.handleICEServers)
	user.HandleFunc("POST /webrtc/session", s.handleWebRTCSession)
	user.HandleFunc("POST /webrtc/offer", s.handleWebRTCOffer)
	user.HandleFunc("POST /webrtc/ice", s.handleWebRTCICE)
	user.HandleFunc("POST /webrtc/close", s.handleWebRTCClose)
	user.HandleFunc("GET /msd/status", s.handleMSDStatus)
	user.HandleFunc("POST /msd/connect", s.handleMSDConnect)
	user.HandleFunc("POST /msd/disconnect", s.handleMSDDisconnect)
	user.HandleFunc("POST /msd/set-image", s.handleMSDSetImage)
	user.HandleFunc("POST /msd/set-ventoy", s.handleMSDSetVentoy)
	user.HandleFunc("POST /msd/ventoy/isos", s.handleMSDVentoyAddISO)
	user.HandleFunc("POST /msd/clear", s.handleMSDClear)
	user.HandleFunc("GET /msd/images", s.handleMSDImagesList)
	user.HandleFunc("POST /msd/images", s.handleMSDImagesUpload)
	user.HandleFunc("DELETE /msd/images/{id}", s.handleMSDImagesDelete)
	user.HandleFunc("POST /msd/images/download", s.handleMSDDownloadStart)
	user.HandleFunc("GET /msd/images/download/{id}", s.handleMSDDownloadStatus)
	user.HandleFunc("DELETE /msd/images/download/{id}", s.handleMSDDownloadCancel)
	user.HandleFunc("POST /atx/power", s.handleATXPower)
	user.HandleFunc("POST /atx/power_long", s.handleATXPowerLong)
	user.HandleFunc("POST /atx/reset", s.handleATXReset)
	user.HandleFunc("POST /atx/wol", s.handleATXWOL)
	user.HandleFunc("GET /ws", s.handleWS)
	user.HandleFunc("GET /ws/hid", s.handleWSHID)
	user.HandleFunc("GET /streamer/stream", s.d.MJPEG.ServeHTTP)
	mux.Handle("/", auth.RequireSession(s.d.Auth, user))

	// Admin, session-authenticated + Admin role
	admin := http.NewServeMux()
	admin.HandleFunc("GET /config/{section}", s.handleConfigGet)
	admin.HandleFunc("PATCH /config/{section}", s.handleConfigPatch)
	admin.HandleFunc("GET /users", s.handleUsersList)
	admin.HandleFunc("POST /users", s.handleUsersCreate)
	admin.HandleFunc("DELETE /users/{id}", s.handleUsersDelete)
	user.Handle("/config/", auth.RequireAdmin(admin))
	user.Handle("/users", auth.RequireAdmin(admin))
	user.Handle("/users/", auth.RequireAdmin(admin))

	return mux
}

// --- JSON helpers, grounded on pkg/api/client.go's marshal/decode style ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Warn("failed to encode response body", "error", err)
	}
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
