package clearcms

import (
	"context"
	"fmt"
	"html/template"
)

// AsyncFilter is a template filter evaluated with the context of the request
// being rendered.
type AsyncFilter func(ctx context.Context, args ...interface{}) (interface{}, error)

// AsyncLocal computes the value of a template variable each time a template
// is rendered.
type AsyncLocal func(ctx context.Context) (interface{}, error)

// RenderContext holds the filters and variables available to templates.
type RenderContext struct {
	filters      template.FuncMap
	asyncFilters map[string]AsyncFilter
	locals       map[string]interface{}
	asyncLocals  map[string]AsyncLocal
}

// NewRenderContext creates an empty render context.
func NewRenderContext() *RenderContext {
	return &RenderContext{
		filters:      make(template.FuncMap),
		asyncFilters: make(map[string]AsyncFilter),
		locals:       make(map[string]interface{}),
		asyncLocals:  make(map[string]AsyncLocal),
	}
}

// SetFilter registers a filter. f must be a function suitable for
// template.FuncMap.
func (rc *RenderContext) SetFilter(name string, f interface{}) {
	delete(rc.asyncFilters, name)
	rc.filters[name] = f
}

// SetAsyncFilter registers a filter which receives the request context.
func (rc *RenderContext) SetAsyncFilter(name string, f AsyncFilter) {
	delete(rc.filters, name)
	rc.asyncFilters[name] = f
}

// SetLocal sets a template variable.
func (rc *RenderContext) SetLocal(name string, v interface{}) {
	delete(rc.asyncLocals, name)
	rc.locals[name] = v
}

// SetAsyncLocal sets a template variable computed at render time.
func (rc *RenderContext) SetAsyncLocal(name string, f AsyncLocal) {
	delete(rc.locals, name)
	rc.asyncLocals[name] = f
}

// Local returns the value of a template variable set with SetLocal.
func (rc *RenderContext) Local(name string) (interface{}, bool) {
	v, ok := rc.locals[name]
	return v, ok
}

// Clone returns a copy of the render context. Values themselves are shared.
func (rc *RenderContext) Clone() *RenderContext {
	c := NewRenderContext()
	for k, v := range rc.filters {
		c.filters[k] = v
	}
	for k, v := range rc.asyncFilters {
		c.asyncFilters[k] = v
	}
	for k, v := range rc.locals {
		c.locals[k] = v
	}
	for k, v := range rc.asyncLocals {
		c.asyncLocals[k] = v
	}
	return c
}

// FuncMap returns all filters as template functions, with async filters
// bound to ctx.
func (rc *RenderContext) FuncMap(ctx context.Context) template.FuncMap {
	funcs := make(template.FuncMap, len(rc.filters)+len(rc.asyncFilters))
	for k, f := range rc.filters {
		funcs[k] = f
	}
	for k, f := range rc.asyncFilters {
		f := f
		funcs[k] = func(args ...interface{}) (interface{}, error) {
			return f(ctx, args...)
		}
	}
	return funcs
}

// Data evaluates async locals and returns the variables passed to templates.
func (rc *RenderContext) Data(ctx context.Context) (map[string]interface{}, error) {
	data := make(map[string]interface{}, len(rc.locals)+len(rc.asyncLocals))
	for k, v := range rc.locals {
		data[k] = v
	}
	for k, f := range rc.asyncLocals {
		v, err := f(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %q: %v", k, err)
		}
		data[k] = v
	}
	return data, nil
}
