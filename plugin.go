package clearcms

import (
	"fmt"
	"html/template"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// Plugin is a directory of configuration, views, filters, locals, tags and
// routes loaded into a web application.
type Plugin struct {
	path      string
	config    Config
	logger    echo.Logger
	registry  *Registry
	namespace *Namespace
	context   *RenderContext
	engine    *engine

	i18n         map[string]interface{}
	files        []string
	filters      template.FuncMap
	asyncFilters map[string]AsyncFilter
	locals       map[string]interface{}
	asyncLocals  map[string]AsyncLocal
	tags         map[string]TagFunc
	routes       []*routeModule
	staticRoutes []StaticRoute

	modules []*luaModule
}

// Load loads the plugin in dir and registers its namespace in reg. It fails
// with ErrNoConfig if dir has no configuration file, and with
// ErrNamingConflict if the plugin name is already registered. A nil logger
// discards logs below the warning level.
func Load(reg *Registry, dir string, logger echo.Logger) (*Plugin, error) {
	if logger == nil {
		l := log.New("clearcms")
		l.SetLevel(log.WARN)
		logger = l
	}

	config, err := LoadConfig(dir)
	if err != nil {
		return nil, err
	}

	p := &Plugin{
		path:     config.String("path"),
		config:   config,
		logger:   logger,
		registry: reg,
		context:  NewRenderContext(),
	}
	p.namespace = &Namespace{
		Name:    config.Name(),
		Path:    p.path,
		Config:  config,
		Self:    p,
		Context: p.context,
	}
	if err := reg.Register(p.namespace); err != nil {
		return nil, err
	}

	logger.Printf("Loading plugin '%v' from '%v'", p.Name(), p.path)
	if err := p.load(); err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to load plugin '%v': %v", p.Name(), err)
	}
	return p, nil
}

func (p *Plugin) loadModule(key string) (*luaModule, error) {
	m, err := loadOptionalLuaModule(p.config.Path(key), p.namespace, p.logger)
	if err != nil {
		return nil, err
	}
	if m != nil {
		p.modules = append(p.modules, m)
	}
	return m, nil
}

func (p *Plugin) load() error {
	var err error
	if p.i18n, err = loadI18n(p.config); err != nil {
		return err
	}
	if p.files, err = listPluginFiles(p.config); err != nil {
		return err
	}

	modules := make(map[string]*luaModule)
	for _, key := range []string{"filters path", "async filters path", "locals path", "async locals path", "tags path"} {
		if modules[key], err = p.loadModule(key); err != nil {
			return err
		}
	}
	p.filters = loadFilters(modules["filters path"], p.logger)
	p.asyncFilters = loadAsyncFilters(modules["async filters path"], p.logger)
	p.locals = loadLocals(modules["locals path"], p.logger)
	p.asyncLocals = loadAsyncLocals(modules["async locals path"])
	p.tags = loadTags(modules["tags path"], p.logger)

	if p.routes, err = loadRoutes(p.config, p.namespace, p.logger); err != nil {
		return err
	}
	if p.staticRoutes, err = loadStaticRoutes(p.config, p.namespace, p.logger); err != nil {
		return err
	}

	p.context.SetLocal("config", map[string]interface{}(p.config))
	for name, f := range builtinFilters {
		p.context.SetFilter(name, f)
	}
	for name, f := range p.filters {
		p.context.SetFilter(name, f)
	}
	for name, f := range p.asyncFilters {
		p.context.SetAsyncFilter(name, f)
	}
	for name, v := range p.locals {
		p.context.SetLocal(name, v)
	}
	for name, f := range p.asyncLocals {
		p.context.SetAsyncLocal(name, f)
	}

	tags := make(map[string]TagFunc, len(builtinTags)+len(p.tags))
	for name, f := range builtinTags {
		tags[name] = f
	}
	for name, f := range p.tags {
		tags[name] = f
	}

	p.engine = newEngine(p.logger, p.config, tags, p.context)
	if p.engine.cache {
		// Report view errors at load time rather than on the first request
		if _, err := p.engine.templates(); err != nil {
			return err
		}
	}
	return nil
}

// Name returns the plugin name.
func (p *Plugin) Name() string {
	return p.namespace.Name
}

// Path returns the absolute path of the plugin directory.
func (p *Plugin) Path() string {
	return p.path
}

// Config returns the plugin configuration.
func (p *Plugin) Config() Config {
	return p.config
}

// Namespace returns the plugin namespace.
func (p *Plugin) Namespace() *Namespace {
	return p.namespace
}

// Context returns the render context shared by all requests.
func (p *Plugin) Context() *RenderContext {
	return p.context
}

// I18n returns the i18n dictionaries, keyed by locale.
func (p *Plugin) I18n() map[string]interface{} {
	return p.i18n
}

// Files returns the names of the files in the plugin directory.
func (p *Plugin) Files() []string {
	return p.files
}

// StaticRoutes returns the routes loaded from the static routes file.
func (p *Plugin) StaticRoutes() []StaticRoute {
	return p.staticRoutes
}

// Close unregisters the plugin and releases its Lua modules.
func (p *Plugin) Close() error {
	if ns, ok := p.registry.Lookup(p.Name()); ok && ns == p.namespace {
		p.registry.Unregister(p.Name())
	}
	for _, m := range p.modules {
		if err := m.Close(); err != nil {
			p.logger.Printf("Failed to close module '%v': %v", m.filename, err)
		}
	}
	for _, m := range p.routes {
		m.Close()
	}
	p.modules = nil
	p.routes = nil
	return nil
}
