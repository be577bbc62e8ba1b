package clearcms

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"
)

// ErrNoConfig is returned by LoadConfig when the plugin directory has no
// configuration file.
var ErrNoConfig = errors.New("clearcms: no plugin configuration file")

// configNames lists the configuration file names looked up in a plugin
// directory, by order of preference.
var configNames = []string{"config.json", "config.yaml", "config.yml", "config.lua"}

// Config is a plugin configuration: a mapping of option name to value. It
// must not be modified once loaded.
type Config map[string]interface{}

func defaultConfig(dir string) Config {
	return Config{
		"name":               pluginName(dir),
		"env":                "development",
		"views":              "./views",
		"view engine":        "html",
		"enable view cache":  true,
		"default locale":     "en",
		"i18n path":          "./i18n",
		"plugin path":        "./plugin",
		"filters path":       "./template/filters.lua",
		"async filters path": "./template/async_filters.lua",
		"locals path":        "./template/locals.lua",
		"async locals path":  "./template/async_locals.lua",
		"tags path":          "./template/tags.lua",
		"routes path":        "./routes",
		"static routes path": "./routes/index.json",
		"public path":        "./public",
	}
}

// pluginName derives a plugin name from its directory: "blog" becomes
// "PluginBlog".
func pluginName(dir string) string {
	base := filepath.Base(dir)
	r, size := utf8.DecodeRuneInString(base)
	return "Plugin" + string(unicode.ToUpper(r)) + base[size:]
}

// LoadConfig reads the configuration file of the plugin in dir and merges it
// over the defaults. The file is read from disk on each call.
func LoadConfig(dir string) (Config, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var filename string
	for _, name := range configNames {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			filename = p
			break
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if filename == "" {
		return nil, fmt.Errorf("%w in %q", ErrNoConfig, dir)
	}

	values, err := readConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load plugin configuration %q: %v", filename, err)
	}

	config := defaultConfig(dir)
	for k, v := range values {
		config[k] = v
	}
	config["path"] = dir
	config["config file"] = filename
	return config, nil
}

func readConfigFile(filename string) (map[string]interface{}, error) {
	if filepath.Ext(filename) == ".lua" {
		return readLuaConfig(filename)
	}

	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	values := make(map[string]interface{})
	switch filepath.Ext(filename) {
	case ".json":
		err = json.Unmarshal(b, &values)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &values)
	default:
		err = fmt.Errorf("unsupported configuration format")
	}
	if err != nil {
		return nil, err
	}
	return values, nil
}

// readLuaConfig runs a Lua configuration script, which must return a table.
func readLuaConfig(filename string) (map[string]interface{}, error) {
	l := lua.NewState()
	defer l.Close()

	if err := l.DoFile(filename); err != nil {
		return nil, err
	}
	t, ok := l.Get(-1).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("configuration script must return a table")
	}

	values, ok := fromLua(t).(map[string]interface{})
	if !ok {
		// an empty table or a list
		return make(map[string]interface{}), nil
	}
	return values, nil
}

// Name returns the plugin name.
func (c Config) Name() string {
	return c.String("name")
}

// String returns a string option, or an empty string if it's missing or
// isn't a string.
func (c Config) String(key string) string {
	s, _ := c[key].(string)
	return s
}

// Bool returns a boolean option. The strings "true", "yes", "on" and "1" are
// accepted as true.
func (c Config) Bool(key string) bool {
	switch v := c[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "on", "1":
			return true
		}
	case float64:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	}
	return false
}

// Path returns a path option resolved against the plugin directory.
func (c Config) Path(key string) string {
	p := c.String(key)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.String("path"), p)
}
