package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ConfigBackend holds the non-secret keys. Lookup returns a value in its
// text form; the key's spec parses it.
type ConfigBackend interface {
	Lookup(key string) (raw string, ok bool, err error)
	Store(key string, value any) error
}

// appDir returns $env/catalogd, or ~/home/catalogd when env is unset.
func appDir(env string, home ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return filepath.Join(dir, "catalogd")
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "catalogd"
	}
	return filepath.Join(append(append([]string{h}, home...), "catalogd")...)
}

func configFilePath() string {
	return filepath.Join(appDir("XDG_CONFIG_HOME", ".config"), "config.json")
}

// jsonFile is a flat JSON object of key to scalar. Numbers and booleans
// stay JSON scalars so the file can be edited by hand.
type jsonFile struct {
	path   string
	values map[string]json.RawMessage
}

// openJSONFile reads path. A missing file is an empty config.
func openJSONFile(path string) (*jsonFile, error) {
	f := &jsonFile{path: path, values: make(map[string]json.RawMessage)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &f.values); err != nil {
		return f, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return f, nil
}

// loadConfigFile opens the user's config file. An unreadable file is
// reported and treated as empty so the daemon still starts on defaults.
func loadConfigFile() *jsonFile {
	f, err := openJSONFile(configFilePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] %v. Using default values.\n", err)
	}
	return f
}

func (f *jsonFile) Lookup(key string) (string, bool, error) {
	raw, ok := f.values[key]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", true, fmt.Errorf("%s: %w", key, err)
		}
		return s, true, nil
	case '{', '[':
		return "", true, fmt.Errorf("%s: want a string, number or boolean", key)
	default:
		return string(raw), true, nil
	}
}

// Store sets key and rewrites the file through a temp file in the same
// directory.
func (f *jsonFile) Store(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	f.values[key] = raw

	out, err := json.MarshalIndent(f.values, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(out, '\n')); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}
