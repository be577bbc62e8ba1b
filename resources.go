package clearcms

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"
)

// loadI18n parses every JSON file found below the i18n directory. Each
// dictionary is keyed by its file name without extension.
func loadI18n(config Config) (map[string]interface{}, error) {
	i18n := make(map[string]interface{})

	dir := config.Path("i18n path")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return i18n, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || filepath.Ext(path) != ".json" {
			return nil
		}

		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var dict interface{}
		if err := json.Unmarshal(b, &dict); err != nil {
			return fmt.Errorf("failed to parse i18n file %q: %v", path, err)
		}
		i18n[strings.TrimSuffix(d.Name(), ".json")] = dict
		return nil
	})
	if err != nil {
		return nil, err
	}
	return i18n, nil
}

// listPluginFiles returns the names of the regular files in the plugin
// directory. Sub-directories aren't visited.
func listPluginFiles(config Config) ([]string, error) {
	entries, err := os.ReadDir(config.Path("plugin path"))
	if os.IsNotExist(err) {
		return []string{}, nil
	} else if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func moduleFunctions(m *luaModule, logger echo.Logger, f func(name string, fn *lua.LFunction)) {
	if m == nil {
		return
	}
	m.each(func(name string, v lua.LValue) {
		fn, ok := v.(*lua.LFunction)
		if !ok {
			logger.Warnf("%v: ignoring export %q: not a function", m.filename, name)
			return
		}
		f(name, fn)
	})
}

func loadFilters(m *luaModule, logger echo.Logger) template.FuncMap {
	filters := make(template.FuncMap)
	moduleFunctions(m, logger, func(name string, fn *lua.LFunction) {
		filters[name] = func(args ...interface{}) (interface{}, error) {
			return m.call(nil, fn, args...)
		}
	})
	return filters
}

func loadAsyncFilters(m *luaModule, logger echo.Logger) map[string]AsyncFilter {
	filters := make(map[string]AsyncFilter)
	moduleFunctions(m, logger, func(name string, fn *lua.LFunction) {
		filters[name] = func(ctx context.Context, args ...interface{}) (interface{}, error) {
			return m.call(ctx, fn, args...)
		}
	})
	return filters
}

func loadLocals(m *luaModule, logger echo.Logger) map[string]interface{} {
	locals := make(map[string]interface{})
	if m == nil {
		return locals
	}
	m.each(func(name string, v lua.LValue) {
		if _, ok := v.(*lua.LFunction); ok {
			logger.Warnf("%v: ignoring export %q: functions belong in async locals", m.filename, name)
			return
		}
		locals[name] = m.value(v)
	})
	return locals
}

func loadAsyncLocals(m *luaModule) map[string]AsyncLocal {
	locals := make(map[string]AsyncLocal)
	if m == nil {
		return locals
	}
	m.each(func(name string, v lua.LValue) {
		fn, ok := v.(*lua.LFunction)
		if !ok {
			value := m.value(v)
			locals[name] = func(context.Context) (interface{}, error) {
				return value, nil
			}
			return
		}
		locals[name] = func(ctx context.Context) (interface{}, error) {
			return m.call(ctx, fn, name)
		}
	})
	return locals
}

func loadTags(m *luaModule, logger echo.Logger) map[string]TagFunc {
	tags := make(map[string]TagFunc)
	moduleFunctions(m, logger, func(name string, fn *lua.LFunction) {
		tags[name] = func(tag, body string) (string, error) {
			v, err := m.call(nil, fn, tag, body)
			if err != nil {
				return "", err
			}
			switch v := v.(type) {
			case nil:
				return "", nil
			case string:
				return v, nil
			default:
				return "", fmt.Errorf("tag %q returned %T, expected a string", tag, v)
			}
		}
	})
	return tags
}

// loadRoutes loads every Lua script found below the routes directory.
func loadRoutes(config Config, ns *Namespace, logger echo.Logger) ([]*routeModule, error) {
	var modules []*routeModule

	dir := config.Path("routes path")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return modules, nil
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || filepath.Ext(path) != ".lua" {
			return nil
		}

		m, err := loadOptionalLuaModule(path, ns, logger)
		if err != nil {
			return err
		}
		rm, err := newRouteModule(m)
		if err != nil {
			m.Close()
			return err
		}
		modules = append(modules, rm)
		return nil
	})
	if err != nil {
		for _, m := range modules {
			m.Close()
		}
		return nil, err
	}
	return modules, nil
}

// loadStaticRoutes reads the static routes file, if any. It may be written in
// JSON, YAML or Lua.
func loadStaticRoutes(config Config, ns *Namespace, logger echo.Logger) ([]StaticRoute, error) {
	filename := config.Path("static routes path")
	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return []StaticRoute{}, nil
	} else if err != nil {
		return nil, err
	}

	var v interface{}
	switch filepath.Ext(filename) {
	case ".lua":
		m, err := loadLuaModule(filename, ns, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load static routes %q: %v", filename, err)
		}
		v = m.value(m.exports)
		m.Close()
	case ".json", ".yaml", ".yml":
		b, err := os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		if filepath.Ext(filename) == ".json" {
			err = json.Unmarshal(b, &v)
		} else {
			err = yaml.Unmarshal(b, &v)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse static routes %q: %v", filename, err)
		}
	default:
		return nil, fmt.Errorf("unsupported static routes file %q", filename)
	}

	return parseStaticRoutes(v), nil
}
