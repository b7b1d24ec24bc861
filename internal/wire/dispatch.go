// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package wire implements the common patterns shared by every emulated
// service's HTTP surface: the four dispatch dialects
// (JSON-target, query-action, REST-path, hybrid-REST), the operation
// table every service keys its handlers by, path-template compilation,
// and the error envelope each dialect renders.
package wire

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/harborstackd/harborstackd/internal/audit"
	"github.com/harborstackd/harborstackd/internal/middleware"
)

// Dialect names the four wire-protocol shapes a service surface may speak.
type Dialect string

const (
	DialectJSONTarget  Dialect = "json-target"
	DialectQueryAction Dialect = "query-action"
	DialectRESTPath    Dialect = "rest-path"
	DialectHybridREST  Dialect = "hybrid-rest"
)

// Body is the decoded request payload handed to a Handler. Exactly one
// of Fields or Raw is meaningful, selected by the dialect: JSON-target
// and query-action decode into Fields; REST-path and hybrid-REST may
// carry either, per operation.
type Body struct {
	Fields map[string]interface{}
	Raw    []byte
}

// Request is what a Handler receives, regardless of dialect: the
// decoded body (or raw bytes), the parsed path variables, and a context
// carrying the request identifier.
type Request struct {
	Context    context.Context
	Operation  string
	Body       Body
	PathParams map[string]string
	Query      map[string][]string
	Headers    http.Header
	RequestID  string
}

// Response is what a Handler returns; the dispatcher serializes it per
// the dialect's response envelope.
type Response struct {
	StatusCode int
	Fields     map[string]interface{} // JSON dialects
	Raw        []byte                 // raw-byte dialects (object bodies, etc.)
	ContentType string
	Headers    http.Header
}

// Handler implements one logical operation for a service.
type Handler func(req *Request) (*Response, error)

// OperationTable maps a service's logical operation names to handlers,
// the "operation-name -> handler" contract every dispatcher shares.
type OperationTable map[string]Handler

// RequestIDFromContext extracts the request identifier propagated by
// internal/middleware.RequestID, falling back to empty.
func RequestIDFromContext(ctx context.Context) string {
	return middleware.GetRequestID(ctx)
}

// auditDispatch appends the request to the process audit trail, when
// one is configured.
func auditDispatch(ctx context.Context, service, operation string, status int) {
	if l := audit.Default(); l != nil {
		l.LogDispatch(ctx, service, operation, status)
	}
}

// marshalJSON and unmarshalJSON centralize the wire-protocol JSON codec
// so every dialect uses the same (de)serializer.
func marshalJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func unmarshalJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
