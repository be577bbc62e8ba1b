package config

import (
	"fmt"
	"time"

	"github.com/fernet/fernet-go"
	"gopkg.in/ini.v1"
)

type ServerConfig struct {
	Address         string        `ini:"address"`
	SessionDuration time.Duration `ini:"session-duration"`
}

type PluginConfig struct {
	Dir          string        `ini:"dir"`
	Watch        bool          `ini:"watch"`
	PollInterval time.Duration `ini:"poll-interval"`
}

type LogConfig struct {
	Debug bool `ini:"debug"`
}

type SecurityConfig struct {
	SessionKey *fernet.Key `ini:"-"`
}

type ClearConfig struct {
	Server   ServerConfig   `ini:"server"`
	Plugin   PluginConfig   `ini:"plugin"`
	Log      LogConfig      `ini:"log"`
	Security SecurityConfig `ini:"security"`
}

// Default returns the configuration used for options missing from the
// configuration file.
func Default() *ClearConfig {
	return &ClearConfig{
		Server: ServerConfig{
			Address:         ":1323",
			SessionDuration: 30 * time.Minute,
		},
		Plugin: PluginConfig{
			Watch:        false,
			PollInterval: time.Second,
		},
		Log: LogConfig{
			Debug: false,
		},
	}
}

func LoadConfig(filename string) (*ClearConfig, error) {
	config := Default()

	file, err := ini.Load(filename)
	if err != nil {
		return nil, err
	}

	sessionKey := file.Section("security").Key("session-key").String()
	if sessionKey != "" {
		fernetKey, err := fernet.DecodeKey(sessionKey)
		if err != nil {
			return nil, fmt.Errorf("invalid session key: %v", err)
		}
		config.Security.SessionKey = fernetKey
	}

	if err := file.MapTo(config); err != nil {
		return nil, err
	}

	if config.Plugin.Dir == "" {
		return nil, fmt.Errorf("Expected a plugin directory")
	}
	if config.Server.SessionDuration <= 0 {
		return nil, fmt.Errorf("Expected a positive session duration")
	}
	if config.Plugin.Watch && config.Plugin.PollInterval <= 0 {
		return nil, fmt.Errorf("Expected a positive poll interval")
	}

	return config, nil
}
