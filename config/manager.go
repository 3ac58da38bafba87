package config

import (
	"encoding/json"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Manager holds flattened configuration values keyed like "host.limit"
type Manager struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		values: make(map[string]any),
	}
}

// Set sets a configuration value
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

// Get gets a configuration value
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	return value, exists
}

// GetString gets a string configuration value
func (m *Manager) GetString(key, defaultValue string) string {
	if value, exists := m.Get(key); exists {
		if str, ok := value.(string); ok {
			return str
		}
	}
	return defaultValue
}

// LoadFromEnv loads variables named <prefix>_<KEY> from environ (os.Environ
// when nil). RESTENGINE_HOST_LIMIT becomes "host.limit".
func (m *Manager) LoadFromEnv(prefix string, environ []string) {
	if environ == nil {
		environ = os.Environ()
	}
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}

		if prefix != "" {
			if !strings.HasPrefix(key, prefix+"_") {
				continue
			}
			key = strings.TrimPrefix(key, prefix+"_")
		}

		key = strings.ToLower(key)
		key = strings.ReplaceAll(key, "_", ".")

		m.Set(key, value)
	}
}

// LoadFromJSON loads configuration from JSON file. Nested objects are
// flattened with dots.
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}

	var values map[string]any
	if err := json.Unmarshal(data, &values); err != nil {
		return errors.Wrapf(err, "parse JSON config %s", filename)
	}

	m.loadFromMap("", values)
	return nil
}

// loadFromMap recursively loads configuration from a map
func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := strings.ToLower(key)
		if prefix != "" {
			fullKey = prefix + "." + fullKey
		}

		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}

// Unmarshal copies the values into the fields of target whose `config`
// tag (or lower-cased name) matches a key. Absent keys leave fields as is.
func (m *Manager) Unmarshal(prefix string, target any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr || targetValue.Elem().Kind() != reflect.Struct {
		return errors.New("target must be a pointer to struct")
	}
	targetValue = targetValue.Elem()
	targetType := targetValue.Type()

	for i := 0; i < targetType.NumField(); i++ {
		field := targetType.Field(i)
		fieldValue := targetValue.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		configKey := field.Tag.Get("config")
		if configKey == "" {
			configKey = strings.ToLower(field.Name)
		}
		if prefix != "" {
			configKey = prefix + "." + configKey
		}

		value, exists := m.values[configKey]
		if !exists {
			continue
		}
		if err := setFieldValue(fieldValue, value); err != nil {
			return errors.Wrapf(err, "config %s", configKey)
		}
	}
	return nil
}

// setFieldValue converts value to the field's type. Durations accept Go
// duration strings or a number of seconds.
func setFieldValue(field reflect.Value, value any) error {
	if field.Type() == durationType {
		d, err := toDuration(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		if str, ok := value.(string); ok {
			field.SetString(str)
		} else {
			return errors.Errorf("want string, got %T", value)
		}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch v := value.(type) {
		case int:
			field.SetInt(int64(v))
		case float64:
			if v != float64(int64(v)) {
				return errors.Errorf("%v is not an integer", v)
			}
			field.SetInt(int64(v))
		case string:
			i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return errors.Wrapf(err, "parse %q", v)
			}
			field.SetInt(i)
		default:
			return errors.Errorf("want integer, got %T", value)
		}

	case reflect.Bool:
		switch v := value.(type) {
		case bool:
			field.SetBool(v)
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return errors.Wrapf(err, "parse %q", v)
			}
			field.SetBool(b)
		default:
			return errors.Errorf("want bool, got %T", value)
		}

	default:
		return errors.Errorf("unsupported field type %v", field.Type())
	}
	return nil
}

func toDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case int:
		return time.Duration(v) * time.Second, nil
	case string:
		v = strings.TrimSpace(v)
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(v)
		return d, errors.Wrapf(err, "parse duration %q", v)
	default:
		return 0, errors.Errorf("want duration, got %T", value)
	}
}

// GetAll returns all configuration values
func (m *Manager) GetAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]any, len(m.values))
	for k, v := range m.values {
		result[k] = v
	}
	return result
}
