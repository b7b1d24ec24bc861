// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package objectstore persists bucket objects as a file tree under the
// configured data directory: object bodies at <data>/obj/<bucket>/<key>
// and a JSON metadata sidecar at <data>/obj/.meta/<bucket>/<key>.json.
package objectstore
