// Package defaults provides embedded copies of the default configuration
// and persona files for the starkbot init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaMD is the example persona, identical in intent to the built-in
// one, for operators who want to edit it.
//
//go:embed persona.example.md
var PersonaMD []byte
