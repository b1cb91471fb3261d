package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ConfigBackend abstracts config storage. Keys are dotted paths such as
// "analysis.stride" that map onto nested TOML tables.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	SetFloat(key string, val float64) error
	SetBool(key string, val bool) error
	Delete(key string) error
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "exhibit-data"
		}
	}
	return filepath.Join(dir, "exhibit")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "exhibit", "config.toml")
}

func newPlatformBackend() ConfigBackend {
	return newFileBackend(configFilePath())
}

// fileBackend stores config as a TOML document.
type fileBackend struct {
	path string
	data map[string]any
}

func newFileBackend(path string) *fileBackend {
	b := &fileBackend{path: path, data: make(map[string]any)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "[WARN] could not read config file %s: %v. Using default values.\n", b.path, err)
		}
		return
	}
	if err := toml.Unmarshal(data, &b.data); err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse config file %s: %v. Using default values.\n", b.path, err)
		b.data = make(map[string]any)
	}
}

func (b *fileBackend) save() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := toml.Marshal(b.data)
	if err != nil {
		return err
	}
	return os.WriteFile(b.path, data, 0o600)
}

func (b *fileBackend) lookup(key string) (any, bool) {
	var cur any = b.data
	for _, part := range strings.Split(key, ".") {
		table, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = table[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func (b *fileBackend) set(key string, val any) error {
	parts := strings.Split(key, ".")
	table := b.data
	for _, part := range parts[:len(parts)-1] {
		next, ok := table[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			table[part] = next
		}
		table = next
	}
	table[parts[len(parts)-1]] = val
	return b.save()
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return "", false, nil
	}
	switch t := v.(type) {
	case string:
		return t, true, nil
	case map[string]any:
		return "", false, fmt.Errorf("%s is a table, not a value", key)
	default:
		return fmt.Sprint(t), true, nil
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.lookup(key)
	if !ok {
		return 0, false, nil
	}
	switch t := v.(type) {
	case int64:
		return int(t), true, nil
	case float64:
		if t != math.Trunc(t) {
			return 0, false, fmt.Errorf("%s: %v is not an integer", key, t)
		}
		return int(t), true, nil
	case string:
		i, err := strconv.Atoi(t)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("%s: expected integer, got %T", key, v)
	}
}

func (b *fileBackend) SetString(key, val string) error        { return b.set(key, val) }
func (b *fileBackend) SetInt(key string, val int) error       { return b.set(key, int64(val)) }
func (b *fileBackend) SetFloat(key string, val float64) error { return b.set(key, val) }
func (b *fileBackend) SetBool(key string, val bool) error     { return b.set(key, val) }

func (b *fileBackend) Delete(key string) error {
	parts := strings.Split(key, ".")
	var cur any = b.data
	for _, part := range parts[:len(parts)-1] {
		table, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = table[part]
	}
	table, ok := cur.(map[string]any)
	if !ok {
		return nil
	}
	if _, ok := table[parts[len(parts)-1]]; !ok {
		return nil
	}
	delete(table, parts[len(parts)-1])
	return b.save()
}
