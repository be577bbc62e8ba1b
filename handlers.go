package clearcms

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/tidwall/gjson"
)

const contextKey = "clearcms.context"

// Context is the context used by HTTP handlers.
//
// Use ContextFrom to get it from a echo.Context.
type Context struct {
	echo.Context
	Server  *Server  // nil if not served by a Server
	Plugin  *Plugin  // plugin rendering templates for this request
	Session *Session // nil if the request has no session

	locals map[string]interface{}
}

// ContextFrom returns the Context attached to ectx by Plugin.Handler or by
// the Server. It returns nil if there is none.
func ContextFrom(ectx echo.Context) *Context {
	if ctx, ok := ectx.(*Context); ok {
		return ctx
	}
	ctx, _ := ectx.Get(contextKey).(*Context)
	return ctx
}

func newContext(ectx echo.Context) *Context {
	ctx := &Context{Context: ectx}
	ctx.Set(contextKey, ctx)
	return ctx
}

// SetLocal sets a template variable for the templates rendered while handling
// this request.
func (ctx *Context) SetLocal(name string, v interface{}) {
	if ctx.locals == nil {
		ctx.locals = make(map[string]interface{})
	}
	ctx.locals[name] = v
}

// Handler returns a middleware which makes the plugin render the templates
// of the requests it handles.
func (p *Plugin) Handler() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ectx echo.Context) error {
			ctx := ContextFrom(ectx)
			if ctx == nil {
				ctx = newContext(ectx)
			}
			ctx.Plugin = p
			return next(ctx)
		}
	}
}

// Render implements echo.Renderer. Besides the plugin filters and locals,
// templates get:
//
//   - the request locals set with Context.SetLocal
//   - server: the request URL, session, query, params, body and headers
//   - i18n: an empty dictionary
//   - the entries of data, if it's a map
func (p *Plugin) Render(w io.Writer, name string, data interface{}, ectx echo.Context) error {
	// ectx is the raw echo context, not our own *Context
	ctx := ContextFrom(ectx)
	if ctx != nil && ctx.Plugin != nil && ctx.Plugin != p {
		return ctx.Plugin.Render(w, name, data, ectx)
	}

	rc := p.context.Clone()
	if ctx != nil {
		for k, v := range ctx.locals {
			rc.SetLocal(k, v)
		}
	}

	server, err := serverData(ectx)
	if err != nil {
		return err
	}
	rc.SetLocal("server", server)
	rc.SetLocal("i18n", map[string]interface{}{})

	switch data := data.(type) {
	case nil:
		// This space is intentionally left blank
	case map[string]interface{}:
		for k, v := range data {
			rc.SetLocal(k, v)
		}
	case echo.Map:
		for k, v := range data {
			rc.SetLocal(k, v)
		}
	default:
		rc.SetLocal("data", data)
	}

	if err := p.engine.Execute(ectx.Request().Context(), w, name, rc); err != nil {
		return fmt.Errorf("failed to render template %q: %v", name, err)
	}
	return nil
}

// serverData collects the request data exposed to templates and route
// scripts.
func serverData(ectx echo.Context) (map[string]interface{}, error) {
	req := ectx.Request()

	body, err := requestBody(ectx)
	if err != nil {
		return nil, err
	}

	params := make(map[string]interface{})
	values := ectx.ParamValues()
	for i, name := range ectx.ParamNames() {
		if i < len(values) {
			params[name] = values[i]
		}
	}

	headers := make(map[string]interface{}, len(req.Header)+1)
	for k, v := range req.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	if req.Host != "" {
		headers["host"] = req.Host
	}

	var session interface{}
	if ctx := ContextFrom(ectx); ctx != nil && ctx.Session != nil {
		session = ctx.Session.Values()
	}

	return map[string]interface{}{
		"url":     req.URL.RequestURI(),
		"session": session,
		"query":   flattenValues(ectx.QueryParams()),
		"params":  params,
		"body":    body,
		"headers": headers,
	}, nil
}

// requestBody decodes JSON and form request bodies. JSON bodies are put back
// in place for later readers.
func requestBody(ectx echo.Context) (interface{}, error) {
	req := ectx.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return map[string]interface{}{}, nil
	}

	mediaType, _, _ := mime.ParseMediaType(req.Header.Get(echo.HeaderContentType))
	switch {
	case mediaType == echo.MIMEApplicationJSON || strings.HasSuffix(mediaType, "+json"):
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read request body: %v", err)
		}
		req.Body = io.NopCloser(bytes.NewReader(b))
		if len(bytes.TrimSpace(b)) == 0 {
			return map[string]interface{}{}, nil
		}
		if !gjson.ValidBytes(b) {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid JSON request body")
		}
		return gjson.ParseBytes(b).Value(), nil
	case mediaType == echo.MIMEApplicationForm || mediaType == echo.MIMEMultipartForm:
		form, err := ectx.FormParams()
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, err)
		}
		return flattenValues(form), nil
	default:
		return map[string]interface{}{}, nil
	}
}

// flattenValues turns single values into strings and keeps lists for
// repeated keys.
func flattenValues(values url.Values) map[string]interface{} {
	m := make(map[string]interface{}, len(values))
	for k, v := range values {
		switch len(v) {
		case 0:
			m[k] = ""
		case 1:
			m[k] = v[0]
		default:
			m[k] = append([]string(nil), v...)
		}
	}
	return m
}
