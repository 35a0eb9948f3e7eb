// Package configs provides the embedded configuration template for amanrag.
//
// The template is embedded at build time so binary releases and
// `go install` builds carry it. `amanrag config init` writes it to
// ./amanrag.yaml, or to the user config path with --user.
//
// Keys and defaults mirror internal/config NewConfig(); edit both together.
package configs

import _ "embed"

// ConfigTemplate is a commented amanrag.yaml listing every key with its default.
//
//go:embed amanrag.example.yaml
var ConfigTemplate string
