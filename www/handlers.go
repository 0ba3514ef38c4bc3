package www

import (
	"encoding/json"
	"net/http"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLoginPage renders the login form.
func (h *Handlers) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if username, _, ok := h.sessions.getUser(r); ok && username != "" {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	h.renderTemplate(w, "login.html", nil)
}

// handleLoginSubmit accepts a form post or a JSON body.
func (h *Handlers) handleLoginSubmit(w http.ResponseWriter, r *http.Request) {
	asJSON := wantsJSON(r)
	var req loginRequest
	if asJSON {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
			return
		}
	} else {
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	fail := func(status int, msg string) {
		if asJSON {
			writeJSON(w, status, map[string]string{"error": msg})
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(status)
		h.renderTemplate(w, "login.html", map[string]interface{}{"Error": msg})
	}

	if req.Username == "" || req.Password == "" {
		fail(http.StatusBadRequest, "Username and password are required")
		return
	}

	h.cfg.Lock()
	var hash, role string
	if user := h.cfg.FindWebUser(req.Username); user != nil {
		hash, role = user.PasswordHash, user.Role
	}
	h.cfg.Unlock()

	if hash == "" || !checkPassword(req.Password, hash) {
		fail(http.StatusUnauthorized, "Invalid username or password")
		return
	}

	if err := h.sessions.setUser(w, r, req.Username, role); err != nil {
		fail(http.StatusInternalServerError, "Session error: "+err.Error())
		return
	}

	if asJSON {
		writeJSON(w, http.StatusOK, map[string]string{"username": req.Username, "role": role})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// handleLogout ends the session.
func (h *Handlers) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.clear(w, r)
	if wantsJSON(r) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *Handlers) handleHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/api/datablocks", http.StatusSeeOther)
}

// handleMe returns the logged-in user.
func (h *Handlers) handleMe(w http.ResponseWriter, r *http.Request) {
	username, role, _ := h.sessions.getUser(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"username": username,
		"role":     role,
		"admin":    isAdmin(role),
	})
}
