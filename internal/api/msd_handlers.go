package api

import (
	"net/http"

	"github.com/google/uuid"
)

// handleMSDStatus implements GET /msd/status (spec.md §6).
func (s *Server) handleMSDStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.MSD.Snapshot())
}

func (s *Server) handleMSDConnect(w http.ResponseWriter, r *http.Request) {
	if err := s.d.MSD.Connect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.MSD.Snapshot())
}

func (s *Server) handleMSDDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.d.MSD.Disconnect(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.MSD.Snapshot())
}

type msdSetImageRequest struct {
	ID string `json:"id"`
}

func (s *Server) handleMSDSetImage(w http.ResponseWriter, r *http.Request) {
	var req msdSetImageRequest
	if err := decodeJSON(r, &req); err != nil || req.ID == "" {
		writeErrorMsg(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.d.MSD.SetImage(req.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.MSD.Snapshot())
}

func (s *Server) handleMSDSetVentoy(w http.ResponseWriter, r *http.Request) {
	if err := s.d.MSD.SetVentoy(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.MSD.Snapshot())
}

// handleMSDVentoyAddISO implements POST /msd/ventoy/isos: a multipart form
// with a single "file" part, copied into the Ventoy drive's backing file.
func (s *Server) handleMSDVentoyAddISO(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "multipart file field is required")
		return
	}
	defer file.Close()

	id := uuid.NewString()
	if err := s.d.MSD.AddISOToVentoy(r.Context(), id, header.Filename, file, header.Size); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.MSD.Snapshot())
}

func (s *Server) handleMSDClear(w http.ResponseWriter, r *http.Request) {
	if err := s.d.MSD.Clear(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.MSD.Snapshot())
}

func (s *Server) handleMSDImagesList(w http.ResponseWriter, r *http.Request) {
	images, err := s.d.MSD.ListImages()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, images)
}

// handleMSDImagesUpload implements POST /msd/images: a multipart form with
// a single "file" part (spec.md §4.11 "upload_image").
func (s *Server) handleMSDImagesUpload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErrorMsg(w, http.StatusBadRequest, "multipart file field is required")
		return
	}
	defer file.Close()

	info, err := s.d.MSD.UploadImage(header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleMSDImagesDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.d.MSD.DeleteImage(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type msdDownloadRequest struct {
	URL string `json:"url"`
}

type msdDownloadStartResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) handleMSDDownloadStart(w http.ResponseWriter, r *http.Request) {
	var req msdDownloadRequest
	if err := decodeJSON(r, &req); err != nil || req.URL == "" {
		writeErrorMsg(w, http.StatusBadRequest, "url is required")
		return
	}
	taskID := s.d.MSD.DownloadImage(req.URL)
	writeJSON(w, http.StatusOK, msdDownloadStartResponse{TaskID: taskID})
}

func (s *Server) handleMSDDownloadStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	progress, ok := s.d.MSD.DownloadStatus(id)
	if !ok {
		writeErrorMsg(w, http.StatusNotFound, "unknown download task")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleMSDDownloadCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.d.MSD.CancelDownload(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
