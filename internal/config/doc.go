// Package config provides configuration loading and validation for the kiosk
// audio service. Configuration comes from a YAML file layered over built-in
// defaults, then from KIOSK_* environment variables, optionally seeded from a
// .env file.
package config
