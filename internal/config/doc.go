// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the runtime configuration for harborstackd using
// Koanf v2 with three layered sources, lowest to highest priority:
//
//  1. Defaults: the struct literal returned by defaultConfig.
//  2. Config file: an optional YAML file ($CONFIG_PATH when it names an
//     existing file, else the first of DefaultConfigPaths that exists).
//  3. Environment variables: HARBORSTACKD_-prefixed, double-underscore
//     nested (HARBORSTACKD_SERVER__DATA_DIR, HARBORSTACKD_LOGGING__FORMAT).
//
// Load returns a validated *Config; the graph, orchestrator, and
// dispatch layers never read environment variables or files directly —
// they consume the resolved struct.
package config
