package api

import (
	"net/http"

	"github.com/mofeng-git/one-kvm/internal/store"
)

type userResponse struct {
	ID       string     `json:"id"`
	Username string     `json:"username"`
	Role     store.Role `json:"role"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{ID: u.ID, Username: u.Username, Role: u.Role}
}

// handleUsersList implements GET /users (admin-only, spec.md §6).
func (s *Server) handleUsersList(w http.ResponseWriter, r *http.Request) {
	users, err := s.d.Auth.ListUsers(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, out)
}

type createUserRequest struct {
	Username string     `json:"username"`
	Password string     `json:"password"`
	Role     store.Role `json:"role"`
}

// handleUsersCreate implements POST /users (admin-only).
func (s *Server) handleUsersCreate(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil || req.Username == "" || req.Password == "" {
		writeErrorMsg(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if req.Role != store.RoleAdmin && req.Role != store.RoleUser {
		req.Role = store.RoleUser
	}

	user, err := s.d.Auth.CreateUser(r.Context(), req.Username, req.Password, req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(*user))
}

// handleUsersDelete implements DELETE /users/{id} (admin-only).
func (s *Server) handleUsersDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.d.Auth.DeleteUser(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
