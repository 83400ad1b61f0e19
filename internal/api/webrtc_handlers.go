package api

import (
	"net/http"

	"github.com/mofeng-git/one-kvm/internal/encoder"
	"github.com/mofeng-git/one-kvm/internal/webrtc"
)

// handleICEServers implements GET /webrtc/ice-servers, returning the
// configured STUN/TURN set so the client can reuse it on Offer.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	cfg := s.d.Config.Get().Stream
	servers := []webrtc.ICEServerConfig{{URLs: []string{cfg.STUNServer}}}
	if cfg.TURNServer != "" {
		servers = append(servers, webrtc.ICEServerConfig{
			URLs:       []string{cfg.TURNServer},
			Username:   cfg.TURNUsername,
			Credential: cfg.TURNPassword,
		})
	}
	writeJSON(w, http.StatusOK, servers)
}

// handleWebRTCSession implements POST /webrtc/session: allocate a session
// id ahead of the SDP offer (spec.md §4.10).
func (s *Server) handleWebRTCSession(w http.ResponseWriter, r *http.Request) {
	session := s.d.WebRTC.CreateSession()
	writeJSON(w, http.StatusOK, session.Snapshot())
}

type webrtcOfferRequest struct {
	SessionID string                     `json:"session_id"`
	Codec     string                     `json:"codec"`
	SDP       string                     `json:"sdp"`
	ICE       []webrtc.ICEServerConfig   `json:"ice_servers,omitempty"`
}

type webrtcOfferResponse struct {
	SDP string `json:"sdp"`
}

// handleWebRTCOffer implements POST /webrtc/offer: negotiate a codec,
// create the local answer, and start streaming encoded frames once ICE
// connects.
func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	var req webrtcOfferRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body")
		return
	}

	answer, err := s.d.WebRTC.Offer(req.SessionID, encoder.Codec(req.Codec), req.SDP, req.ICE)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, webrtcOfferResponse{SDP: answer})
}

type webrtcICERequest struct {
	SessionID string `json:"session_id"`
	Candidate string `json:"candidate"`
}

// handleWebRTCICE implements POST /webrtc/ice: feed a trickled ICE
// candidate to the named session's peer connection.
func (s *Server) handleWebRTCICE(w http.ResponseWriter, r *http.Request) {
	var req webrtcICERequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.d.WebRTC.AddICECandidate(req.SessionID, req.Candidate); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type webrtcCloseRequest struct {
	SessionID string `json:"session_id"`
}

// handleWebRTCClose implements POST /webrtc/close: tear down a session the
// client is done with.
func (s *Server) handleWebRTCClose(w http.ResponseWriter, r *http.Request) {
	var req webrtcCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.d.WebRTC.Close(req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
