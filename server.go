package clearcms

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/agilira/argus"
	"github.com/labstack/echo/v4"

	"github.com/clearcms/clearcms/config"
)

// Server serves a plugin with an echo instance. It adds sessions, and can
// reload the plugin from disk.
type Server struct {
	e        *echo.Echo
	Sessions *SessionManager
	registry *Registry
	config   *config.ClearConfig

	loadLocker sync.Mutex   // serializes reloads
	mutex      sync.RWMutex // used for server reload
	plugin     *Plugin
	mux        *echo.Echo // routes of plugin, rebuilt on each load
	watcher    *argus.Watcher
}

// Logger returns the server logger.
func (s *Server) Logger() echo.Logger {
	return s.e.Logger
}

// Plugin returns the plugin being served.
func (s *Server) Plugin() *Plugin {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.plugin
}

func (s *Server) load() error {
	s.loadLocker.Lock()
	defer s.loadLocker.Unlock()

	// The previous plugin keeps serving until the new one is ready, but its
	// name must be free for the new one to register.
	old := s.plugin
	if old != nil {
		s.registry.Unregister(old.Name())
	}

	p, err := Load(s.registry, s.config.Plugin.Dir, s.e.Logger)
	if err != nil {
		if old != nil {
			if err := s.registry.Register(old.namespace); err != nil {
				s.e.Logger.Errorf("Failed to restore plugin '%v': %v", old.Name(), err)
			}
		}
		return fmt.Errorf("failed to load plugin: %w", err)
	}

	// Routes are bound to a fresh instance, so that routes removed from the
	// plugin stop being served
	mux := echo.New()
	mux.Logger = s.e.Logger
	mux.HTTPErrorHandler = s.handleError
	mux.Use(s.sessionMiddleware, p.Handler())
	p.Bind(mux)

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.e.Logger.Printf("Failed to unload plugin '%v': %v", old.Name(), err)
		}
	}

	s.plugin = p
	s.mux = mux
	return nil
}

// dispatch hands the request over to the routes of the current plugin. The
// caller holds the read lock.
func (s *Server) dispatch(ectx echo.Context) error {
	if s.mux == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable)
	}
	s.mux.ServeHTTP(ectx.Response(), ectx.Request())
	return nil
}

func (s *Server) handleError(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		msg = fmt.Sprint(he.Message)
	} else {
		c.Logger().Error(err)
	}
	if c.Response().Committed {
		return
	}
	c.String(code, msg)
}

func (s *Server) sessionMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(ectx echo.Context) error {
		ctx := newContext(ectx)
		ctx.Server = s

		cookie, err := ctx.Cookie(cookieName)
		if err == http.ErrNoCookie {
			return next(ctx)
		} else if err != nil {
			return err
		}

		ctx.Session, err = s.Sessions.fromCookie(cookie.Value)
		if err == ErrSessionExpired {
			if err := ctx.SetSession(nil); err != nil {
				return err
			}
		} else if err != nil {
			return err
		} else {
			ctx.Session.ping()
		}

		return next(ctx)
	}
}

// Reload loads the plugin from disk again.
func (s *Server) Reload() error {
	s.e.Logger.Printf("Reloading server")
	return s.load()
}

func (s *Server) watch() error {
	filename := s.plugin.Config().String("config file")

	w := argus.New(argus.Config{
		PollInterval: s.config.Plugin.PollInterval,
		ErrorHandler: func(err error, path string) {
			s.e.Logger.Errorf("Failed to watch '%v': %v", path, err)
		},
	})
	err := w.Watch(filename, func(event argus.ChangeEvent) {
		if event.IsDelete {
			s.e.Logger.Warnf("Plugin configuration '%v' was deleted, not reloading", event.Path)
			return
		}
		if err := s.Reload(); err != nil {
			s.e.Logger.Errorf("Failed to reload server: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to watch '%v': %v", filename, err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("failed to start watcher: %v", err)
	}

	s.e.Logger.Printf("Watching '%v' for changes", filename)
	s.watcher = w
	return nil
}

// Close stops watching the plugin, closes sessions and unloads the plugin.
func (s *Server) Close() {
	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.e.Logger.Printf("Failed to stop watcher: %v", err)
		}
		s.watcher = nil
	}

	s.Sessions.Close()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.plugin != nil {
		s.plugin.Close()
		s.plugin = nil
	}
	s.mux = nil
}

// New creates a new server serving the plugin configured in cfg.
func New(e *echo.Echo, cfg *config.ClearConfig) (*Server, error) {
	s := &Server{
		e:        e,
		config:   cfg,
		registry: NewRegistry(),
		Sessions: newSessionManager(cfg.Security.SessionKey, cfg.Server.SessionDuration),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	e.HTTPErrorHandler = s.handleError

	e.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ectx echo.Context) error {
			s.mutex.RLock()
			defer s.mutex.RUnlock()
			return next(ectx)
		}
	})

	e.Any("/", s.dispatch)
	e.Any("/*", s.dispatch)

	if cfg.Plugin.Watch {
		if err := s.watch(); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}
