// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package kvstore persists key-value tables in an embedded DuckDB
// database, one file per logical table at <data>/kv/<table>.db. Each
// logical table maps to one SQL table holding the partition key, the
// optional sort key, and the full item as a JSON column, plus one SQL
// table per declared secondary index.
package kvstore
