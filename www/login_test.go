package www

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"dbscope/catalog"
	"dbscope/config"
	"dbscope/session"
)

const testSecret = "dGVzdHNlY3JldHRlc3RzZWNyZXR0ZXN0c2VjcmV0dGVzdA==" // 32 bytes base64

const db1Source = `DATA_BLOCK "DB1"
   STRUCT
      Speed : Int;
   END_STRUCT;
BEGIN
END_DATA_BLOCK
`

type nullSource struct{}

func (nullSource) ReadDB(ctx context.Context, number, size int) ([]byte, error) {
	return make([]byte, size), nil
}

func (nullSource) WriteDB(ctx context.Context, number int, data []byte) error { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *config.Config, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "DB1.db"), []byte(db1Source), 0644); err != nil {
		t.Fatal(err)
	}
	cat := catalog.New(dir, nil)
	if err := cat.Scan(); err != nil {
		t.Fatal(err)
	}

	adminHash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	viewerHash, _ := bcrypt.GenerateFromPassword([]byte("look"), bcrypt.MinCost)
	cfg := config.DefaultConfig()
	cfg.Web.SessionSecret = testSecret
	cfg.Web.Users = []config.WebUser{
		{Username: "admin", PasswordHash: string(adminHash), Role: config.RoleAdmin},
		{Username: "viewer", PasswordHash: string(viewerHash), Role: config.RoleViewer},
	}
	path := filepath.Join(t.TempDir(), "config.yaml")

	m := session.NewManager(cat, nullSource{})
	srv := httptest.NewServer(NewRouter(cfg, path, m, nil))
	t.Cleanup(srv.Close)
	return srv, cfg, path
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	return &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func login(t *testing.T, srv *httptest.Server, c *http.Client, user, pass string) *http.Response {
	t.Helper()
	form := url.Values{"username": {user}, "password": {pass}}
	resp, err := c.Post(srv.URL+"/login", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("POST /login: %v", err)
	}
	resp.Body.Close()
	return resp
}

func status(t *testing.T, c *http.Client, method, u, body string) int {
	t.Helper()
	req, _ := http.NewRequest(method, u, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func TestBcryptHashYAMLRoundtrip(t *testing.T) {
	hash, _ := bcrypt.GenerateFromPassword([]byte("admin"), bcrypt.MinCost)
	cfg := config.DefaultConfig()
	cfg.Web.Users = []config.WebUser{{Username: "admin", PasswordHash: string(hash), Role: config.RoleAdmin}}

	path := filepath.Join(t.TempDir(), "test.yaml")
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(loaded.Web.Users) == 0 {
		t.Fatal("no users after load")
	}
	if !checkPassword("admin", loaded.Web.Users[0].PasswordHash) {
		t.Error("bcrypt verify failed after YAML roundtrip")
	}
}

func TestLoginFlow(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := newClient(t)

	resp, err := c.Get(srv.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/login" {
		t.Errorf("anonymous GET / = %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
	if code := status(t, c, http.MethodGet, srv.URL+"/api/datablocks", ""); code != http.StatusUnauthorized {
		t.Errorf("anonymous API = %d, want 401", code)
	}

	if resp := login(t, srv, c, "admin", "wrong"); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad password = %d, want 401", resp.StatusCode)
	}
	resp = login(t, srv, c, "admin", "secret")
	if resp.StatusCode != http.StatusSeeOther || resp.Header.Get("Location") != "/" {
		t.Fatalf("login = %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}

	if code := status(t, c, http.MethodGet, srv.URL+"/api/datablocks", ""); code != http.StatusOK {
		t.Errorf("API after login = %d", code)
	}
	if code := status(t, c, http.MethodPost, srv.URL+"/api/datablocks/DB1/open", ""); code != http.StatusOK {
		t.Errorf("admin open = %d", code)
	}

	if code := status(t, c, http.MethodPost, srv.URL+"/logout", ""); code != http.StatusSeeOther {
		t.Errorf("logout = %d", code)
	}
	if code := status(t, c, http.MethodGet, srv.URL+"/api/datablocks", ""); code != http.StatusUnauthorized {
		t.Errorf("API after logout = %d, want 401", code)
	}
}

func TestViewerCannotMutate(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := newClient(t)
	if resp := login(t, srv, c, "viewer", "look"); resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("login = %d", resp.StatusCode)
	}

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodGet, "/api/datablocks", "", http.StatusOK},
		{http.MethodPost, "/api/datablocks/DB1/open", "", http.StatusForbidden},
		{http.MethodPost, "/api/current/write", `{"path":"Speed","value":"1"}`, http.StatusForbidden},
		{http.MethodGet, "/users/", "", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if code := status(t, c, tt.method, srv.URL+tt.path, tt.body); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestJSONLogin(t *testing.T) {
	srv, _, _ := newTestServer(t)
	c := newClient(t)
	if code := status(t, c, http.MethodPost, srv.URL+"/login", `{"username":"admin","password":"secret"}`); code != http.StatusOK {
		t.Fatalf("JSON login = %d", code)
	}
	if code := status(t, c, http.MethodGet, srv.URL+"/me", ""); code != http.StatusOK {
		t.Errorf("GET /me = %d", code)
	}
	if code := status(t, c, http.MethodPost, srv.URL+"/login", `{"username":"admin"}`); code != http.StatusBadRequest {
		t.Errorf("missing password = %d, want 400", code)
	}
}

func TestUserManagement(t *testing.T) {
	srv, cfg, path := newTestServer(t)
	c := newClient(t)
	login(t, srv, c, "admin", "secret")

	tests := []struct {
		name, method, path, body string
		want                     int
	}{
		{"create", http.MethodPost, "/users/", `{"username":"op","password":"pw","role":"viewer"}`, http.StatusCreated},
		{"duplicate", http.MethodPost, "/users/", `{"username":"op","password":"pw","role":"viewer"}`, http.StatusConflict},
		{"bad role", http.MethodPost, "/users/", `{"username":"x","password":"pw","role":"root"}`, http.StatusBadRequest},
		{"promote", http.MethodPut, "/users/op", `{"role":"admin"}`, http.StatusOK},
		{"update missing", http.MethodPut, "/users/ghost", `{"role":"viewer"}`, http.StatusNotFound},
		{"delete self", http.MethodDelete, "/users/admin", "", http.StatusBadRequest},
		{"delete viewer", http.MethodDelete, "/users/viewer", "", http.StatusOK},
		{"delete missing", http.MethodDelete, "/users/ghost", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := status(t, c, tt.method, srv.URL+tt.path, tt.body); code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
		})
	}

	loaded, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if u := loaded.FindWebUser("op"); u == nil || u.Role != config.RoleAdmin {
		t.Errorf("saved op = %+v", u)
	}
	if loaded.FindWebUser("viewer") != nil {
		t.Error("deleted user still saved")
	}
	if cfg.FindWebUser("op") == nil {
		t.Error("in-memory config missing op")
	}
}

func TestEnsureDefaultAdmin(t *testing.T) {
	cfg := config.DefaultConfig()
	added, err := EnsureDefaultAdmin(cfg)
	if err != nil || !added {
		t.Fatalf("EnsureDefaultAdmin = %v, %v", added, err)
	}
	u := cfg.FindWebUser("admin")
	if u == nil || !isAdmin(u.Role) || !checkPassword("admin", u.PasswordHash) {
		t.Errorf("default admin = %+v", u)
	}
	if added, _ := EnsureDefaultAdmin(cfg); added {
		t.Error("second call added another user")
	}
}
