package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/clearcms/clearcms"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"

	"github.com/clearcms/clearcms/config"
)

var ConfigFile = "./clearcms.conf"

func main() {
	var pluginDir string
	flag.StringVar(&ConfigFile, "config", ConfigFile, "configuration file")
	flag.StringVar(&pluginDir, "plugin", "", "plugin directory, overrides the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if pluginDir != "" {
		cfg.Plugin.Dir = pluginDir
	}

	e := echo.New()
	e.HideBanner = true
	if l, ok := e.Logger.(*log.Logger); ok {
		l.SetHeader("${time_rfc3339} ${level}")
	}
	e.Use(middleware.Recover())
	if cfg.Log.Debug {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} method=${method}, uri=${uri}, status=${status}\n",
		}))
		e.Logger.SetLevel(log.DEBUG)
	}

	s, err := clearcms.New(e, cfg)
	if err != nil {
		e.Logger.Fatal(err)
	}

	go func() {
		if err := e.Start(cfg.Server.Address); err != nil {
			e.Logger.Printf("Server stopped: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)

	for sig := range sigs {
		if sig == syscall.SIGUSR1 {
			if err := s.Reload(); err != nil {
				e.Logger.Errorf("Failed to reload server: %v", err)
			}
		} else {
			break
		}
	}

	ctx, cancel := context.WithDeadline(context.Background(),
		time.Now().Add(30*time.Second))
	e.Shutdown(ctx)
	cancel()

	s.Close()
}
