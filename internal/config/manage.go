package config

import (
	"fmt"
	"time"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll returns all non-secret config key/value pairs from cfg. Secrets
// are listed with a masked value when set.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		v := s.extract(cfg)
		value := fmt.Sprintf("%v", v)
		if d, ok := v.(time.Duration); ok {
			value = d.String()
		}
		if s.secret {
			if value == "" {
				continue
			}
			value = "********"
		}
		result = append(result, KeyInfo{Key: s.key, EnvVar: s.env, Value: value})
	}
	return result
}

// SetKey validates and writes a config key. Secret keys go to the secrets
// file, everything else to the config file.
func SetKey(key, value string) error {
	f, err := openJSONFile(configFilePath())
	if err != nil {
		return err
	}
	return setKeyWith(f, newFileSecrets(secretsFilePath()), key, value)
}

func setKeyWith(b ConfigBackend, secrets fileSecrets, key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		v, err := s.parse(value)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if s.secret {
			return secrets.Set(key, value)
		}
		if d, ok := v.(time.Duration); ok {
			return b.Store(key, d.String())
		}
		return b.Store(key, v)
	}
	return fmt.Errorf("unknown config key: %q", key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
