package clearcms

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

func testLogger() echo.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

// writeTree creates files below dir. Keys are slash-separated paths.
func writeTree(tb testing.TB, dir string, files map[string]string) {
	tb.Helper()
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			tb.Fatalf("failed to create directory for %q: %v", name, err)
		}
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			tb.Fatalf("failed to write %q: %v", name, err)
		}
	}
}

// loadTestPlugin writes files to a fresh directory named "site" and loads it
// as a plugin.
func loadTestPlugin(tb testing.TB, files map[string]string) *Plugin {
	tb.Helper()
	dir := filepath.Join(tb.TempDir(), "site")
	writeTree(tb, dir, files)

	p, err := Load(NewRegistry(), dir, testLogger())
	if err != nil {
		tb.Fatalf("Load() = %v", err)
	}
	tb.Cleanup(func() { p.Close() })
	return p
}

func TestLoad_noConfig(t *testing.T) {
	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"views/home.html": "home"})

	_, err := Load(NewRegistry(), dir, testLogger())
	if !errors.Is(err, ErrNoConfig) {
		t.Fatalf("Load() = %v, want ErrNoConfig", err)
	}
}

func TestLoad_namingConflict(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a", "blog")
	b := filepath.Join(root, "b", "blog")
	writeTree(t, a, map[string]string{"config.json": "{}"})
	writeTree(t, b, map[string]string{"config.json": "{}"})

	reg := NewRegistry()
	p, err := Load(reg, a, testLogger())
	if err != nil {
		t.Fatalf("Load(a) = %v", err)
	}
	defer p.Close()

	if _, err := Load(reg, b, testLogger()); !errors.Is(err, ErrNamingConflict) {
		t.Fatalf("Load(b) = %v, want ErrNamingConflict", err)
	}

	// The failed load must not evict the first plugin
	ns, ok := reg.Lookup("PluginBlog")
	if !ok || ns.Self != p {
		t.Errorf("registry lost plugin %q", "PluginBlog")
	}
}

func TestLoad_sameDirTwice(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")
	writeTree(t, dir, map[string]string{"config.json": "{}"})

	reg := NewRegistry()
	p, err := Load(reg, dir, testLogger())
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if _, err := Load(reg, dir, testLogger()); !errors.Is(err, ErrNamingConflict) {
		t.Fatalf("second Load() = %v, want ErrNamingConflict", err)
	}

	p.Close()
	if _, ok := reg.Lookup(p.Name()); ok {
		t.Fatalf("Close() didn't unregister %q", p.Name())
	}
	p2, err := Load(reg, dir, testLogger())
	if err != nil {
		t.Fatalf("Load() after Close() = %v", err)
	}
	p2.Close()
}

func TestLoad_emptyPlugin(t *testing.T) {
	p := loadTestPlugin(t, map[string]string{"config.json": "{}"})

	if p.Name() != "PluginSite" {
		t.Errorf("Name() = %q, want %q", p.Name(), "PluginSite")
	}
	if len(p.I18n()) != 0 {
		t.Errorf("I18n() = %v, want empty", p.I18n())
	}
	if len(p.Files()) != 0 {
		t.Errorf("Files() = %v, want empty", p.Files())
	}
	if len(p.StaticRoutes()) != 0 {
		t.Errorf("StaticRoutes() = %v, want empty", p.StaticRoutes())
	}
	if len(p.filters) != 0 || len(p.asyncFilters) != 0 || len(p.locals) != 0 ||
		len(p.asyncLocals) != 0 || len(p.tags) != 0 || len(p.routes) != 0 {
		t.Errorf("missing optional modules should yield empty mappings")
	}

	if _, ok := p.Context().Local("config"); !ok {
		t.Errorf("render context has no config local")
	}
	if p.Namespace().Self != p || p.Namespace().Context != p.Context() {
		t.Errorf("namespace doesn't point back to the plugin")
	}
}

func TestLoad_resources(t *testing.T) {
	p := loadTestPlugin(t, map[string]string{
		"config.json":          `{"name": "Blog"}`,
		"i18n/en.json":         `{"hello": "Hello"}`,
		"i18n/zh.json":         `{"hello": "你好"}`,
		"i18n/extra/fr.json":   `{"hello": "Bonjour"}`,
		"i18n/README.md":       "not a dictionary",
		"plugin/a.txt":         "a",
		"plugin/sub/b.txt":     "b",
		"template/filters.lua": `exports.shout = function(s) return s .. "!" end`,
		"template/locals.lua":  `return { title = "My blog", f = function() end }`,
		"template/tags.lua":    `exports.now = function(name, body) return "{{.title}}" end`,
		"routes/index.json":    `[{"path": "/", "get": "home"}]`,
		"routes/posts.lua":     `exports["GET /posts"] = function(req) return "posts" end`,
		"views/home.html":      "{% now %}",
		"views/posts.html":     "posts",
		"views/snippet/a.html": "snippet",
		"views/ignored.liquid": "{% unknown %}",
	})

	if p.Name() != "Blog" {
		t.Errorf("Name() = %q, want %q", p.Name(), "Blog")
	}
	wantI18n := map[string]interface{}{
		"en": map[string]interface{}{"hello": "Hello"},
		"zh": map[string]interface{}{"hello": "你好"},
		"fr": map[string]interface{}{"hello": "Bonjour"},
	}
	if diff := cmp.Diff(wantI18n, p.I18n()); diff != "" {
		t.Errorf("I18n() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"a.txt"}, p.Files()); diff != "" {
		t.Errorf("Files() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := p.filters["shout"]; !ok {
		t.Errorf("filter %q not loaded", "shout")
	}
	if diff := cmp.Diff(map[string]interface{}{"title": "My blog"}, p.locals); diff != "" {
		t.Errorf("locals mismatch (-want +got):\n%s", diff)
	}
	if _, ok := p.tags["now"]; !ok {
		t.Errorf("tag %q not loaded", "now")
	}
	if len(p.routes) != 1 || len(p.routes[0].routes) != 1 {
		t.Fatalf("expected one route script with one route, got %v", p.routes)
	}
	want := []StaticRoute{{Path: "/", Templates: map[string]string{"get": "home"}}}
	if diff := cmp.Diff(want, p.StaticRoutes()); diff != "" {
		t.Errorf("StaticRoutes() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_badView(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "site")
	writeTree(t, dir, map[string]string{
		"config.json":     "{}",
		"views/home.html": "{% nope %}",
	})

	reg := NewRegistry()
	if _, err := Load(reg, dir, testLogger()); err == nil {
		t.Fatalf("Load() succeeded with an unknown tag")
	}
	if names := reg.Names(); len(names) != 0 {
		t.Errorf("failed load left %v registered", names)
	}
}
