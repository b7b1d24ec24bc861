// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package eventsource bridges producers to function invocations: pull
// pollers for queues, push dispatchers for buckets/buses/streams, a
// schedule runner for rate and cron rules, and the rule pattern matcher
// the event bus filters with.
package eventsource
