package www

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dbscope/api"
	"dbscope/config"
	"dbscope/logging"
	"dbscope/session"
)

// Handlers holds the HTTP handlers of the web front door.
type Handlers struct {
	cfg        *config.Config
	configPath string
	sessions   *sessionStore
	tmpl       *template.Template
}

func newHandlers(cfg *config.Config, configPath string) *Handlers {
	return &Handlers{
		cfg:        cfg,
		configPath: configPath,
		sessions:   newSessionStore(cfg.Web.SessionSecret),
		tmpl:       template.Must(template.New("login.html").Parse(loginPage)),
	}
}

// NewRouter creates the web router. The REST API is mounted under /api
// and requires a login; its state-changing routes require the admin role.
func NewRouter(cfg *config.Config, configPath string, m *session.Manager, hub *api.EventHub) chi.Router {
	h := newHandlers(cfg, configPath)

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Compress(5))

	r.Get("/login", h.handleLoginPage)
	r.Post("/login", h.handleLoginSubmit)
	r.Post("/logout", h.handleLogout)

	r.Group(func(r chi.Router) {
		r.Use(h.authMiddleware)

		r.Get("/", h.handleHome)
		r.Get("/me", h.handleMe)
		r.Mount("/api", api.NewRouter(m, api.Options{
			Config:     cfg,
			ConfigPath: configPath,
			Hub:        hub,
			Guard:      h.adminOnlyMiddleware,
		}))

		r.Route("/users", func(r chi.Router) {
			r.Use(h.adminOnlyMiddleware)
			r.Get("/", h.handleUserList)
			r.Post("/", h.handleUserCreate)
			r.Put("/{username}", h.handleUserUpdate)
			r.Delete("/{username}", h.handleUserDelete)
		})
	})

	return r
}

func wantsJSON(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, "/api") ||
		strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// authMiddleware checks that the request carries a session of a user that
// still exists.
func (h *Handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, _, ok := h.sessions.getUser(r)
		if ok {
			h.cfg.Lock()
			exists := h.cfg.FindWebUser(username) != nil
			h.cfg.Unlock()
			if !exists {
				h.sessions.clear(w, r)
				ok = false
			}
		}
		if !ok {
			if wantsJSON(r) {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "login required"})
				return
			}
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// adminOnlyMiddleware checks that the user has the admin role.
func (h *Handlers) adminOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, role, ok := h.sessions.getUser(r)
		if !ok || !isAdmin(role) {
			logging.DebugLog("api", "forbidden %s %s for %q", r.Method, r.URL.Path, username)
			if wantsJSON(r) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin access required"})
				return
			}
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handlers) renderTemplate(w http.ResponseWriter, name string, data map[string]interface{}) {
	if data == nil {
		data = make(map[string]interface{})
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.tmpl.ExecuteTemplate(w, name, data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

const loginPage = `<!DOCTYPE html>
<html>
<head><title>dbscope login</title></head>
<body>
<h1>dbscope</h1>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<form method="post" action="/login">
<label>Username <input name="username" autofocus></label>
<label>Password <input name="password" type="password"></label>
<button type="submit">Log in</button>
</form>
</body>
</html>
`
