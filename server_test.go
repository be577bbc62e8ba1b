package clearcms

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/labstack/echo/v4"

	"github.com/clearcms/clearcms/config"
)

var testSiteFiles = map[string]string{
	"config.json":       `{"name": "Site"}`,
	"routes/index.json": `[{"path": "/whoami", "get": "whoami"}]`,
	"routes/auth.lua": `
exports["POST /login"] = function(req)
	return { session = { user = req.query.user }, redirect = "/whoami" }
end
`,
	"views/whoami.html": `{{with .server.session}}{{.user}}{{else}}anonymous{{end}}`,
}

func newTestServer(t *testing.T, key *fernet.Key) (*Server, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "site")
	writeTree(t, dir, testSiteFiles)

	cfg := config.Default()
	cfg.Plugin.Dir = dir
	cfg.Security.SessionKey = key

	e := echo.New()
	e.Logger = testLogger()
	s, err := New(e, cfg)
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	t.Cleanup(s.Close)
	return s, dir
}

func sessionCookie(rec *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == cookieName {
			return c
		}
	}
	return nil
}

func testSessions(t *testing.T, key *fernet.Key) {
	s, _ := newTestServer(t, key)

	rec := serve(s.e, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if got := rec.Body.String(); got != "anonymous" {
		t.Fatalf("GET /whoami without session = %q, want %q", got, "anonymous")
	}

	rec = serve(s.e, httptest.NewRequest(http.MethodPost, "/login?user=bob", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("POST /login = %v, want %v", rec.Code, http.StatusFound)
	}
	cookie := sessionCookie(rec)
	if cookie == nil {
		t.Fatalf("POST /login didn't set a session cookie")
	}
	if key != nil {
		if _, err := s.Sessions.get(cookie.Value); !errors.Is(err, ErrSessionExpired) {
			t.Errorf("sealed cookie holds the raw session token")
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(cookie)
	rec = serve(s.e, req)
	if got := rec.Body.String(); got != "bob" {
		t.Errorf("GET /whoami with session = %q, want %q", got, "bob")
	}

	// An unknown session token clears the cookie
	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: cookieName, Value: "nope"})
	rec = serve(s.e, req)
	if got := rec.Body.String(); got != "anonymous" {
		t.Errorf("GET /whoami with unknown session = %q, want %q", got, "anonymous")
	}
	if c := sessionCookie(rec); c == nil || c.Value != "" {
		t.Errorf("unknown session cookie wasn't cleared")
	}
}

func TestServer_sessions(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		testSessions(t, nil)
	})
	t.Run("sealed", func(t *testing.T) {
		var key fernet.Key
		if err := key.Generate(); err != nil {
			t.Fatal(err)
		}
		testSessions(t, &key)
	})
}

func TestSessionManager_expiry(t *testing.T) {
	sm := newSessionManager(nil, 20*time.Millisecond)
	defer sm.Close()

	s, err := sm.Put()
	if err != nil {
		t.Fatalf("Put() = %v", err)
	}
	s.Store().Put("k", "v")
	if got, err := sm.get(s.token); err != nil || got != s {
		t.Fatalf("get() = %v, %v", got, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := sm.get(s.token); errors.Is(err, ErrSessionExpired) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session didn't expire")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_reload(t *testing.T) {
	s, dir := newTestServer(t, nil)
	old := s.Plugin()

	writeTree(t, dir, map[string]string{"views/whoami.html": "reloaded"})
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	if s.Plugin() == old {
		t.Fatalf("Reload() kept the old plugin")
	}
	if names := s.registry.Names(); len(names) != 1 || names[0] != "Site" {
		t.Errorf("registry = %v, want [Site]", names)
	}

	rec := serve(s.e, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if got := rec.Body.String(); got != "reloaded" {
		t.Errorf("GET /whoami after reload = %q, want %q", got, "reloaded")
	}

	// A broken plugin leaves the current one in place
	writeTree(t, dir, map[string]string{"views/whoami.html": "{% broken %}"})
	current := s.Plugin()
	if err := s.Reload(); err == nil {
		t.Fatalf("Reload() of a broken plugin succeeded")
	}
	if s.Plugin() != current {
		t.Errorf("failed Reload() replaced the plugin")
	}
	if ns, ok := s.registry.Lookup("Site"); !ok || ns.Self != current {
		t.Errorf("failed Reload() didn't restore the registry")
	}
}

func TestServer_reloadRemovesRoutes(t *testing.T) {
	s, dir := newTestServer(t, nil)

	if err := os.Remove(filepath.Join(dir, "routes", "auth.lua")); err != nil {
		t.Fatal(err)
	}
	writeTree(t, dir, map[string]string{"routes/index.json": "[]"})
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() = %v", err)
	}

	for _, method := range []string{http.MethodGet, http.MethodPost} {
		for _, path := range []string{"/whoami", "/login"} {
			rec := serve(s.e, httptest.NewRequest(method, path, nil))
			if rec.Code != http.StatusNotFound {
				t.Errorf("%v %v after reload = %v, want %v", method, path, rec.Code, http.StatusNotFound)
			}
		}
	}

	// Routes added to the plugin are served after the next reload
	writeTree(t, dir, map[string]string{"routes/index.json": `[{"path": "/me", "get": "whoami"}]`})
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload() = %v", err)
	}
	rec := serve(s.e, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "anonymous" {
		t.Errorf("GET /me = %v %q, want %v %q", rec.Code, rec.Body.String(), http.StatusOK, "anonymous")
	}
}

func TestServer_closed(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.Close()

	rec := serve(s.e, httptest.NewRequest(http.MethodGet, "/whoami", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /whoami after Close() = %v, want %v", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestNew_noPlugin(t *testing.T) {
	cfg := config.Default()
	cfg.Plugin.Dir = t.TempDir()

	e := echo.New()
	e.Logger = testLogger()
	if _, err := New(e, cfg); !errors.Is(err, ErrNoConfig) {
		t.Errorf("New() = %v, want ErrNoConfig", err)
	}
}
