package occa

import (
	"fmt"
)

// DefaultBackends are tried in order by NewDefault
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// NewDefault creates a device on the first backend that initializes,
// preferring parallel backends over Serial.
func NewDefault() (*Device, error) {
	var lastErr error
	for _, props := range DefaultBackends {
		d, err := New(Config{Props: props})
		if err == nil {
			fmt.Printf("Created %s Device\n", d.Mode())
			return d, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("no OCCA backend available: %w", lastErr)
}
