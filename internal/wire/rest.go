// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"io"
	"net/http"
)

// RESTDispatcher implements the REST-path dialect: method +
// path template selects the operation, body is JSON or raw bytes per
// operation, response mirrors the same choice. It also covers the
// hybrid-REST dialect (path template plus a sub-resource query string
// like "?website" or "?policy") by letting Router templates include that
// distinction in how handlers are registered — the dispatch mechanics
// are identical, only the error-format selector and body shape differ,
// so both use the same dispatcher rather than duplicating it per
// body shape.
type RESTDispatcher struct {
	Router *Router
	Format ErrorFormat // nil => always JSON
}

func (d *RESTDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	tmpl, params, ok := d.Router.Route(r.Method, r.URL.Path)
	if !ok {
		WriteError(w, r, requestID, NewError(KindNotFound, "no route for "+r.Method+" "+r.URL.Path, nil), d.Format)
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteError(w, r, requestID, NewError(KindValidation, "failed to read request body", err), d.Format)
		return
	}
	var fields map[string]interface{}
	if len(raw) > 0 && looksLikeJSON(r.Header.Get("Content-Type")) {
		_ = unmarshalJSON(raw, &fields) // best-effort; handlers fall back to Raw
	}

	resp, err := tmpl.Handler(&Request{
		Context:    r.Context(),
		Operation:  tmpl.Operation,
		Body:       Body{Fields: fields, Raw: raw},
		PathParams: params,
		Query:      r.URL.Query(),
		Headers:    r.Header,
		RequestID:  requestID,
	})
	if err != nil {
		auditDispatch(r.Context(), "rest-path", tmpl.Operation, StatusCode(err))
		WriteError(w, r, requestID, err, d.Format)
		return
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	auditDispatch(r.Context(), "rest-path", tmpl.Operation, status)
	writeRESTResponse(w, resp, d.Format != nil && d.Format(r))
}

func looksLikeJSON(contentType string) bool {
	return contentType == "" || contentType == "application/json" ||
		len(contentType) >= 16 && contentType[:16] == "application/json"
}

func writeRESTResponse(w http.ResponseWriter, resp *Response, xmlMode bool) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if resp.Raw != nil {
		ct := resp.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(status)
		_, _ = w.Write(resp.Raw)
		return
	}
	if xmlMode {
		body, err := marshalXMLRoot("Response", resp.Fields)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/xml")
		w.WriteHeader(status)
		_, _ = w.Write(body)
		return
	}
	body, err := marshalJSON(resp.Fields)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
