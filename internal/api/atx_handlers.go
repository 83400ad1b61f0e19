package api

import "net/http"

func (s *Server) handleATXPower(w http.ResponseWriter, r *http.Request) {
	if err := s.d.ATX.PowerPulse(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleATXPowerLong(w http.ResponseWriter, r *http.Request) {
	if err := s.d.ATX.PowerLongPress(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleATXReset(w http.ResponseWriter, r *http.Request) {
	if err := s.d.ATX.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleATXWOL(w http.ResponseWriter, r *http.Request) {
	if err := s.d.ATX.WakeOnLAN(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
