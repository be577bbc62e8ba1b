package clearcms

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/yuin/gopher-lua"
)

// staticRouteMethods maps the method keys of static route entries to HTTP
// methods. An empty method matches any method.
var staticRouteMethods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"put":    http.MethodPut,
	"del":    http.MethodDelete,
	"delete": http.MethodDelete,
	"all":    "",
}

// StaticRoute is a route that always renders the same template, described
// by an entry such as:
//
//	{"path": "/about", "get": "about"}
type StaticRoute struct {
	Path string
	// Templates maps method keys ("get", "post", "put", "del", "delete" or
	// "all") to template names.
	Templates map[string]string
}

func parseStaticRoutes(v interface{}) []StaticRoute {
	list, ok := v.([]interface{})
	if !ok {
		return []StaticRoute{}
	}

	routes := make([]StaticRoute, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		r := StaticRoute{Templates: make(map[string]string)}
		r.Path, _ = entry["path"].(string)
		for k, v := range entry {
			if _, ok := staticRouteMethods[k]; !ok {
				continue
			}
			if name, ok := v.(string); ok {
				r.Templates[k] = name
			}
		}
		routes = append(routes, r)
	}
	return routes
}

// staticRouteKeys returns the method keys of r in registration order: "all"
// first, so that specific methods override it, then the others sorted.
func staticRouteKeys(r StaticRoute) []string {
	keys := make([]string, 0, len(r.Templates))
	for key := range r.Templates {
		if key != "all" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	if _, ok := r.Templates["all"]; ok {
		keys = append([]string{"all"}, keys...)
	}
	return keys
}

func staticRouteHandler(name string) echo.HandlerFunc {
	return func(ectx echo.Context) error {
		return ectx.Render(http.StatusOK, name, nil)
	}
}

type scriptRoute struct {
	method string // empty for any method
	path   string
	f      *lua.LFunction
}

// routeModule is a Lua script defining routes. Each export is keyed by a
// method and a path, and handles matching requests:
//
//	exports["GET /posts/:id"] = function(req)
//		return { template = "post", data = { id = req.params.id } }
//	end
type routeModule struct {
	*luaModule
	routes []scriptRoute
}

func newRouteModule(m *luaModule) (*routeModule, error) {
	rm := &routeModule{luaModule: m}

	var err error
	m.each(func(name string, v lua.LValue) {
		if err != nil {
			return
		}

		fields := strings.Fields(name)
		if len(fields) != 2 || !strings.HasPrefix(fields[1], "/") {
			err = fmt.Errorf("%v: invalid route %q, expected \"<METHOD> /<path>\"", m.filename, name)
			return
		}
		f, ok := v.(*lua.LFunction)
		if !ok {
			err = fmt.Errorf("%v: route %q isn't a function", m.filename, name)
			return
		}

		method := strings.ToUpper(fields[0])
		if method == "ALL" || method == "ANY" || method == "*" {
			method = ""
		}
		rm.routes = append(rm.routes, scriptRoute{method, fields[1], f})
	})
	if err != nil {
		return nil, err
	}
	return rm, nil
}

func (rm *routeModule) handler(r scriptRoute) echo.HandlerFunc {
	return func(ectx echo.Context) error {
		req, err := serverData(ectx)
		if err != nil {
			return err
		}
		req["method"] = ectx.Request().Method

		v, err := rm.call(ectx.Request().Context(), r.f, req)
		if err != nil {
			return err
		}
		if err := updateSession(ectx, v); err != nil {
			return err
		}
		return respond(ectx, v)
	}
}

// updateSession stores the "session" table returned by a route script in
// the request session.
func updateSession(ectx echo.Context, v interface{}) error {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	values, ok := m["session"].(map[string]interface{})
	if !ok {
		return nil
	}

	ctx := ContextFrom(ectx)
	if ctx == nil {
		return fmt.Errorf("route returned session values, but sessions are unavailable")
	}
	s, err := ctx.StartSession()
	if err != nil {
		return err
	}
	for k, v := range values {
		s.Store().Put(k, v)
	}
	return nil
}

// respond writes the value returned by a route script. A string is a
// template name. A table may hold a redirect, a template with data, a JSON
// value or a raw body.
func respond(ectx echo.Context, v interface{}) error {
	switch v := v.(type) {
	case nil:
		return ectx.NoContent(http.StatusNoContent)
	case string:
		return ectx.Render(http.StatusOK, v, nil)
	case map[string]interface{}:
		status := http.StatusOK
		if n, ok := toNumber(v["status"]); ok {
			status = int(n)
			if status < 100 || status > 999 {
				return fmt.Errorf("route returned invalid status %v", v["status"])
			}
		}

		if to, ok := v["redirect"].(string); ok {
			if status == http.StatusOK {
				status = http.StatusFound
			}
			return ectx.Redirect(status, to)
		}
		if name, ok := v["template"].(string); ok {
			return ectx.Render(status, name, v["data"])
		}
		if data, ok := v["json"]; ok {
			return ectx.JSON(status, data)
		}
		if body, ok := v["body"]; ok {
			contentType, _ := v["type"].(string)
			if contentType == "" {
				contentType = echo.MIMETextHTMLCharsetUTF8
			}
			return ectx.Blob(status, contentType, []byte(fmt.Sprint(body)))
		}
		return ectx.NoContent(status)
	default:
		return fmt.Errorf("route returned a %T, expected a string or a table", v)
	}
}

// SetRoutes registers the plugin routes in group: static routes, script
// routes and public assets.
func (p *Plugin) SetRoutes(group *echo.Group) {
	for _, r := range p.staticRoutes {
		if r.Path == "" {
			continue
		}
		for _, key := range staticRouteKeys(r) {
			name := r.Templates[key]
			method := staticRouteMethods[key]
			if method == "" {
				group.Any(r.Path, staticRouteHandler(name))
			} else {
				group.Add(method, r.Path, staticRouteHandler(name))
			}
		}
	}

	for _, m := range p.routes {
		for _, r := range m.routes {
			if r.method == "" {
				group.Any(r.path, m.handler(r))
			} else {
				group.Add(r.method, r.path, m.handler(r))
			}
		}
	}

	public := p.config.Path("public path")
	if fi, err := os.Stat(public); err == nil && fi.IsDir() {
		group.Static("/public", public)
	}
}

// Bind registers the plugin routes on e and makes the plugin render
// templates for e.
func (p *Plugin) Bind(e *echo.Echo) {
	e.Renderer = p
	p.SetRoutes(e.Group(""))
}
