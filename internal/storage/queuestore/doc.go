// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package queuestore persists queue messages in BadgerDB, one store per
// queue under <data>/queue/<name>.db. A message moves through enqueued ->
// in-flight (invisibility lease) -> acknowledged (deleted) or redelivered
// when the lease lapses; past the queue's max receive count it is routed
// to the configured dead-letter queue.
package queuestore
