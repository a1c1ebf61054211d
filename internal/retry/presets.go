package retry

import (
	"fmt"
	"strings"
	"time"
)

// Named policies. They are plain Config values; pick one and override fields
// as needed.
var (
	Default = Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
	}
	Connection = Config{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        5 * time.Second,
		ExponentialBase: 2,
	}
	Aggressive = Config{
		MaxRetries:      10,
		BaseDelay:       50 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		ExponentialBase: 1.5,
	}
	Patient = Config{
		MaxRetries:      5,
		BaseDelay:       2 * time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2,
		JitterMin:       0.8,
		JitterMax:       1.2,
	}
)

// Preset looks up a named policy.
func Preset(name string) (Config, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return Default, nil
	case "connection":
		return Connection, nil
	case "aggressive":
		return Aggressive, nil
	case "patient":
		return Patient, nil
	default:
		return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, name)
	}
}
