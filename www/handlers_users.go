package www

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"dbscope/config"
)

// UserData is the JSON view of a user.
type UserData struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	IsAdmin  bool   `json:"admin"`
}

// UserRequest represents a user create/update request.
type UserRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Role     string `json:"role"`
}

func (h *Handlers) usersData() []UserData {
	h.cfg.Lock()
	defer h.cfg.Unlock()
	result := make([]UserData, 0, len(h.cfg.Web.Users))
	for _, u := range h.cfg.Web.Users {
		result = append(result, UserData{Username: u.Username, Role: u.Role, IsAdmin: isAdmin(u.Role)})
	}
	return result
}

func validRole(role string) bool {
	return role == config.RoleAdmin || role == config.RoleViewer
}

func (h *Handlers) handleUserList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.usersData())
}

// handleUserCreate creates a new user.
func (h *Handlers) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}
	if req.Password == "" {
		http.Error(w, "Password is required", http.StatusBadRequest)
		return
	}
	if !validRole(req.Role) {
		http.Error(w, "Role must be 'admin' or 'viewer'", http.StatusBadRequest)
		return
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		http.Error(w, "Failed to hash password: "+err.Error(), http.StatusInternalServerError)
		return
	}

	h.cfg.Lock()
	if h.cfg.FindWebUser(req.Username) != nil {
		h.cfg.Unlock()
		http.Error(w, "User already exists", http.StatusConflict)
		return
	}
	h.cfg.AddWebUser(config.WebUser{Username: req.Username, PasswordHash: hash, Role: req.Role})
	if err := h.save(); err != nil {
		http.Error(w, "Failed to save config: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, h.usersData())
}

// handleUserUpdate changes the role and, if given, the password of a user.
func (h *Handlers) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	username, _ := url.PathUnescape(chi.URLParam(r, "username"))

	var req UserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !validRole(req.Role) {
		http.Error(w, "Role must be 'admin' or 'viewer'", http.StatusBadRequest)
		return
	}

	var hash string
	if req.Password != "" {
		var err error
		if hash, err = HashPassword(req.Password); err != nil {
			http.Error(w, "Failed to hash password: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	h.cfg.Lock()
	user := h.cfg.FindWebUser(username)
	if user == nil {
		h.cfg.Unlock()
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	updated := config.WebUser{Username: username, PasswordHash: user.PasswordHash, Role: req.Role}
	if hash != "" {
		updated.PasswordHash = hash
	}
	h.cfg.UpdateWebUser(username, updated)
	if err := h.save(); err != nil {
		http.Error(w, "Failed to save config: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, h.usersData())
}

// handleUserDelete deletes a user. The current user and the last admin
// cannot be deleted.
func (h *Handlers) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	username, _ := url.PathUnescape(chi.URLParam(r, "username"))

	if current, _, _ := h.sessions.getUser(r); current == username {
		http.Error(w, "Cannot delete your own account", http.StatusBadRequest)
		return
	}

	h.cfg.Lock()
	if user := h.cfg.FindWebUser(username); user != nil && isAdmin(user.Role) {
		admins := 0
		for _, u := range h.cfg.Web.Users {
			if isAdmin(u.Role) {
				admins++
			}
		}
		if admins <= 1 {
			h.cfg.Unlock()
			http.Error(w, "Cannot delete the last admin user", http.StatusBadRequest)
			return
		}
	}
	if !h.cfg.RemoveWebUser(username) {
		h.cfg.Unlock()
		http.Error(w, "User not found", http.StatusNotFound)
		return
	}
	if err := h.save(); err != nil {
		http.Error(w, "Failed to save config: "+err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, h.usersData())
}

// save writes the config, which must be locked, and unlocks it. Without a
// config path the change stays in memory.
func (h *Handlers) save() error {
	if h.configPath == "" {
		h.cfg.Unlock()
		return nil
	}
	return h.cfg.UnlockAndSave(h.configPath)
}
