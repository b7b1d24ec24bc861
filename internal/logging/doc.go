// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging provides centralized zerolog-based structured logging
// shared by every provider, the orchestrator, and the wire-protocol
// dispatch layer.
//
// # Quick Start
//
//	logging.Init(logging.Config{Level: "info", Format: "json"})
//	logging.Info().Str("provider", "queue").Msg("started")
//	logging.Ctx(ctx).Warn().Str("request_id", reqID).Msg("dispatch failed")
//
// # Configuration
//
// The package reads no environment variables of its own; Init(Config)
// is the only way to set it up. cmd/server fills Config from the
// logging section of internal/config (level: trace, debug, info, warn,
// error; format: json or console; caller: true or false).
//
// # Component Loggers
//
//	providerLog := logging.WithComponent("queue")
//	providerLog.Info().Msg("listening")
//
// # Context-Aware Logging
//
// A request/invocation ID attached to a context.Context via
// ContextWithRequestID is picked up automatically by Ctx:
//
//	logger := logging.Ctx(ctx)
//	logger.Info().Msg("invoking function")
//
// # slog Adapter
//
// NewSlogLogger bridges to the standard slog.Logger required by
// sutureslog, so the orchestrator's suture.Supervisor tree logs through
// the same zerolog sink as everything else.
package logging
