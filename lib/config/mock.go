package config

import (
	"fmt"
	"strconv"
)

// MockConfig is a test-only implementation of IConfig backed by in-memory maps.
// Keys missing from Items fall back to Defaults, so tests only spell out the
// values they care about.
//
// Usage:
//
//	cfg := &config.MockConfig{
//	    Items: map[string][]string{
//	        "Loop.Device": {"/dev/loop7"},
//	    },
//	}
type MockConfig struct {
	Items map[string][]string
}

// Load is a no-op for the mock.
func (m *MockConfig) Load() error { return nil }

// GetItem returns the last value from the Items map for the given key, then
// the default, then "".
func (m *MockConfig) GetItem(key string) (string, error) {
	if lst, ok := m.Items[key]; ok {
		var val string
		if len(lst) > 0 {
			val = lst[len(lst)-1]
		}
		return val, nil
	}
	return Defaults[key], nil
}

// GetItems returns the full value slice from the Items map for the given key.
func (m *MockConfig) GetItems(key string) ([]string, error) {
	if val, ok := m.Items[key]; ok {
		return val, nil
	}
	if val, ok := Defaults[key]; ok {
		return []string{val}, nil
	}
	return nil, nil
}

// Set overrides a single key.
func (m *MockConfig) Set(key, value string) {
	if m.Items == nil {
		m.Items = make(map[string][]string)
	}
	m.Items[key] = []string{value}
}

// GetBool reports whether the value for key is "true".
func (m *MockConfig) GetBool(key string) (bool, error) {
	val, _ := m.GetItem(key)
	return val == "true", nil
}

// GetInt parses the value for key.
func (m *MockConfig) GetInt(key string) (int64, error) {
	val, _ := m.GetItem(key)
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %q", key, val)
	}
	return n, nil
}

// ErrConfig is a test-only IConfig that returns the configured error for every
// method call. Useful for testing error-propagation paths.
//
// Usage:
//
//	cfg := &config.ErrConfig{Err: errors.New("broken")}
type ErrConfig struct{ Err error }

// Load returns the configured error.
func (e *ErrConfig) Load() error { return e.Err }

// GetItem returns ("", Err).
func (e *ErrConfig) GetItem(string) (string, error) { return "", e.Err }

// GetItems returns (nil, Err).
func (e *ErrConfig) GetItems(string) ([]string, error) { return nil, e.Err }

// GetBool returns (false, Err).
func (e *ErrConfig) GetBool(string) (bool, error) { return false, e.Err }

// GetInt returns (0, Err).
func (e *ErrConfig) GetInt(string) (int64, error) { return 0, e.Err }
