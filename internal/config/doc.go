// Package config defines the agent settings and provides helpers to load,
// validate and atomically save them.
//
// The document is parsed with a YAML decoder, so JSON configuration files
// written by existing device tooling load as-is. The redundant bootloader
// environment is either listed inline or read from an fw_env.config file.
package config
