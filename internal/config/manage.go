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
	Secret bool
}

// ShowAll returns all config key/value pairs from the current config.
// Secret values are masked.
func ShowAll(cfg Config) []KeyInfo {
	var result []KeyInfo
	for _, s := range specs {
		value := fmt.Sprintf("%v", s.extract(cfg))
		if d, ok := s.extract(cfg).(time.Duration); ok {
			value = d.String()
		}
		if s.secret {
			value = mask(value)
		}
		result = append(result, KeyInfo{
			Key:    s.key,
			EnvVar: s.env,
			Value:  value,
			Secret: s.secret,
		})
	}
	return result
}

func mask(v string) string {
	switch {
	case v == "":
		return "(unset)"
	case len(v) <= 8:
		return "********"
	default:
		return v[:4] + "****" + v[len(v)-2:]
	}
}

// SetKey validates value against the key's type and writes it to the
// config file. Secrets go to the platform secret store instead.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), keychainSet, key, value)
}

func setKey(b ConfigBackend, setSecret func(service, account, value string) error, key, value string) error {
	s, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}

	v, err := s.parse(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if s.secret {
		if err := setSecret("askcube", key, value); err != nil {
			return fmt.Errorf("storing secret %s: %w (or use environment variable %s)", key, err, s.env)
		}
		return nil
	}
	if s.typ == kInt {
		return b.SetInt(key, v.(int))
	}
	return b.SetString(key, value)
}

// UnsetKey removes a key from the config file so its default applies again.
func UnsetKey(key string) error {
	s, ok := specFor(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("cannot unset secret %q; remove it from the secret store or unset %s", key, s.env)
	}
	return newFileBackend(configFilePath()).Delete(key)
}

// ValidKeys returns the list of valid config key names.
func ValidKeys() []string {
	keys := make([]string, 0, len(specs))
	for _, s := range specs {
		keys = append(keys, s.key)
	}
	return keys
}
