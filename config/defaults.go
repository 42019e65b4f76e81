package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed default_config.json
var defaultConfigJSON []byte

// DefaultDocument returns a fresh copy of the built-in configuration document.
func DefaultDocument() map[string]any {
	var doc map[string]any
	if err := json.Unmarshal(defaultConfigJSON, &doc); err != nil {
		panic(fmt.Sprintf("embedded default config is invalid: %v", err))
	}
	return doc
}

// teamAddress is the FRC robot controller address 10.TE.AM.2 for a team number.
func teamAddress(team int) string {
	return fmt.Sprintf("10.%d.%d.2", team/100, team%100)
}
