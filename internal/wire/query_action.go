// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"encoding/xml"
	"net/http"
)

// QueryActionDispatcher implements the query-action dialect (spec
// §4.5): operation selected by the form field or query parameter
// "Action", form-urlencoded request body, XML response envelope.
type QueryActionDispatcher struct {
	Operations OperationTable
}

func (d *QueryActionDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	if err := r.ParseForm(); err != nil {
		WriteXMLError(w, requestID, NewError(KindValidation, "failed to parse form body", err))
		return
	}
	action := r.Form.Get("Action")
	handler, ok := d.Operations[action]
	if !ok {
		WriteXMLError(w, requestID, NewError(KindValidation, "unknown action: "+action, nil))
		return
	}

	fields := make(map[string]interface{}, len(r.Form))
	for k, vs := range r.Form {
		if k == "Action" {
			continue
		}
		if len(vs) == 1 {
			fields[k] = vs[0]
		} else {
			fields[k] = vs
		}
	}

	resp, err := handler(&Request{
		Context:   r.Context(),
		Operation: action,
		Body:      Body{Fields: fields},
		Query:     r.URL.Query(),
		Headers:   r.Header,
		RequestID: requestID,
	})
	if err != nil {
		auditDispatch(r.Context(), "query-action", action, StatusCode(err))
		WriteXMLError(w, requestID, err)
		return
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	auditDispatch(r.Context(), "query-action", action, status)
	writeXMLResponse(w, resp)
}

func writeXMLResponse(w http.ResponseWriter, resp *Response) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(status)
	if resp.Raw != nil {
		_, _ = w.Write([]byte(xml.Header))
		_, _ = w.Write(resp.Raw)
		return
	}
	body, err := marshalXMLRoot("Response", resp.Fields)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}
