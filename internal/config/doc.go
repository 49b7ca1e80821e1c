// Package config loads the escrowd JSON configuration, fills defaults relative
// to the file's directory and applies ESCROW_* environment overrides per
// section.
package config
