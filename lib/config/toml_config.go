package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/BurntSushi/toml"
)

const (
	// ConfigFileName is the name of the configuration file shrinkpi looks for.
	ConfigFileName = "shrinkpi.toml"
	// EnvConfigPath overrides the config file search when set.
	EnvConfigPath = "SHRINKPI_CONFIG"
)

var (
	systemConfigDir = "/etc/shrinkpi"
	getenv          = os.Getenv
)

// Defaults are the built-in values used for every key the config file does
// not set.
var Defaults = map[string]string{
	"Loop.Device":                "/dev/loop0",
	"Mount.Point":                "/mnt/shrinkpi",
	"Shrink.BlockSize":           "4096",
	"Shrink.SafetyMarginSectors": "100",
	"Retry.Limit":                "3",
	"Retry.UnitSeconds":          "1",
	"Boot.ResizeMarker":          "init=/usr/lib/raspi-config/init_resize.sh",
	"Boot.CmdlinePath":           "cmdline.txt",
	"Root.FstabPath":             "etc/fstab",
	"Workflow.KeepOnFailure":     "false",
}

// TomlConfig is a config reader that loads values from a TOML file layered
// on top of Defaults. Files in "<path>.d/*.toml" are applied afterwards in
// lexical order.
type TomlConfig struct {
	path string
	cfg  map[string][]string
}

// NewTomlConfig creates a TomlConfig reading path. An empty path searches
// $SHRINKPI_CONFIG and then /etc/shrinkpi/shrinkpi.toml; when neither exists
// only Defaults are served.
func NewTomlConfig(path string) (IConfig, error) {
	if path == "" {
		path = searchPath()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return &TomlConfig{path: path}, nil
}

func searchPath() string {
	candidates := []string{
		getenv(EnvConfigPath),
		filepath.Join(systemConfigDir, ConfigFileName),
	}
	for _, p := range candidates {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Path returns the file backing this config, or "" when only defaults apply.
func (c *TomlConfig) Path() string {
	return c.path
}

func (c *TomlConfig) Load() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	c.cfg = make(map[string][]string)
	for k, v := range Defaults {
		c.cfg[k] = []string{v}
	}
	if c.path == "" {
		return nil
	}
	if err := c.loadFile(c.path); err != nil {
		return err
	}
	return c.loadSubConfigs(c.path + ".d")
}

func (c *TomlConfig) loadFile(path string) error {
	var doc map[string]any
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return fmt.Errorf("failed to load config %s: %w", path, err)
	}
	c.generateConfig("", doc)
	return nil
}

func (c *TomlConfig) loadSubConfigs(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		// A missing directory just means there are no subconfigs.
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read subconfig directory %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".toml" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		if err := c.loadFile(filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("failed to load subconfig %s: %w", name, err)
		}
	}
	return nil
}

// generateConfig flattens tables: [Section] Key -> Section.Key. Later files
// replace earlier values; arrays become multi-valued keys.
func (c *TomlConfig) generateConfig(prefix string, doc map[string]any) {
	for key, value := range doc {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		switch v := value.(type) {
		case map[string]any:
			c.generateConfig(fullKey, v)
		case []any:
			vals := make([]string, 0, len(v))
			for _, item := range v {
				vals = append(vals, fmt.Sprint(item))
			}
			c.cfg[fullKey] = vals
		default:
			c.cfg[fullKey] = []string{fmt.Sprint(v)}
		}
	}
}

// Set overrides a single key, typically from a command line flag.
func (c *TomlConfig) Set(key, value string) {
	if c.cfg == nil {
		c.cfg = make(map[string][]string)
	}
	c.cfg[key] = []string{value}
}

// GetItem retrieves the single config value associated to the provided config key.
// If multiple values are present, it returns the last one.
func (c *TomlConfig) GetItem(key string) (string, error) {
	if c == nil {
		return "", fmt.Errorf("config is nil")
	}
	lst, ok := c.cfg[key]
	if !ok {
		return "", fmt.Errorf("invalid key %s", key)
	}
	var val string
	if len(lst) > 0 {
		val = lst[len(lst)-1]
	}
	return val, nil
}

func (c *TomlConfig) GetBool(key string) (bool, error) {
	val, err := c.GetItem(key)
	if err != nil {
		return false, err
	}
	return val == "true", nil
}

func (c *TomlConfig) GetInt(key string) (int64, error) {
	val, err := c.GetItem(key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", key, val)
	}
	return n, nil
}

func (c *TomlConfig) GetItems(key string) ([]string, error) {
	if c == nil {
		return nil, fmt.Errorf("config is nil")
	}
	lst, ok := c.cfg[key]
	if !ok {
		return nil, fmt.Errorf("invalid key %s", key)
	}
	return lst, nil
}
