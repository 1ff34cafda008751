package embedded

import (
	_ "embed"
)

//go:embed config.example.yaml
var configExample []byte

// ConfigExample returns the annotated example configuration.
func ConfigExample() []byte {
	return configExample
}
