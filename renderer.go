package clearcms

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
)

// engine loads views and executes them. Views are html/template files whose
// custom {% tags %} are expanded before parsing.
type engine struct {
	logger echo.Logger
	dir    string
	ext    string
	cache  bool
	tags   map[string]TagFunc
	// funcs holds every filter name, so that views parse. Async filters are
	// re-bound before each execution.
	funcs template.FuncMap

	locker sync.Mutex
	base   *template.Template // protected by locker, nil until first use
}

func newEngine(logger echo.Logger, config Config, tags map[string]TagFunc, rc *RenderContext) *engine {
	ext := strings.TrimPrefix(config.String("view engine"), ".")
	if ext == "" {
		ext = "html"
	}
	return &engine{
		logger: logger,
		dir:    config.Path("views"),
		ext:    "." + ext,
		cache:  config.Bool("enable view cache"),
		tags:   tags,
		funcs:  rc.FuncMap(context.Background()),
	}
}

// viewName returns the template name of a view file: its path relative to
// the views directory, without extension and with forward slashes.
func (e *engine) viewName(path string) (string, error) {
	rel, err := filepath.Rel(e.dir, path)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(strings.TrimSuffix(rel, e.ext)), nil
}

func (e *engine) load() (*template.Template, error) {
	base := template.New("").Funcs(e.funcs)

	if _, err := os.Stat(e.dir); os.IsNotExist(err) {
		e.logger.Warnf("Views directory %q doesn't exist", e.dir)
		return base, nil
	}

	n := 0
	err := filepath.WalkDir(e.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || filepath.Ext(path) != e.ext {
			return nil
		}

		name, err := e.viewName(path)
		if err != nil {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		src, err := expandTags(string(b), e.tags)
		if err != nil {
			return fmt.Errorf("failed to expand tags in view %q: %v", name, err)
		}
		if _, err := base.New(name).Parse(src); err != nil {
			return fmt.Errorf("failed to parse view %q: %v", name, err)
		}
		n++
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debugf("Loaded %v views from %q", n, e.dir)
	return base, nil
}

// templates returns the parsed views. With the view cache enabled, views are
// parsed once.
func (e *engine) templates() (*template.Template, error) {
	if !e.cache {
		return e.load()
	}

	e.locker.Lock()
	defer e.locker.Unlock()

	if e.base == nil {
		base, err := e.load()
		if err != nil {
			return nil, err
		}
		e.base = base
	}
	return e.base, nil
}

// Execute renders the view name with the filters and variables of rc.
func (e *engine) Execute(ctx context.Context, w io.Writer, name string, rc *RenderContext) error {
	base, err := e.templates()
	if err != nil {
		return err
	}

	// base is never executed, so that it can always be cloned
	t, err := base.Clone()
	if err != nil {
		return fmt.Errorf("failed to clone views: %v", err)
	}
	t.Funcs(rc.FuncMap(ctx))

	data, err := rc.Data(ctx)
	if err != nil {
		return err
	}

	return t.ExecuteTemplate(w, name, data)
}
