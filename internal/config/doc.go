// Package config loads and hot-reloads the chartbot configuration file.
//
// JSON and YAML are accepted; YAML is converted to JSON first so both go through the
// same strict decoder. Watch re-parses on change and only publishes configs that pass
// Validate and the optional validator hook.
package config
