// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"io"
	"net/http"
	"strings"
)

// JSONTargetDispatcher implements the JSON-target dialect:
// operation selected by the "X-Amz-Target: ServicePrefix.Operation"
// header, JSON request body, JSON response envelope.
type JSONTargetDispatcher struct {
	Prefix     string // e.g. "AmazonSQS"
	Operations OperationTable
}

func (d *JSONTargetDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := RequestIDFromContext(r.Context())

	target := r.Header.Get("X-Amz-Target")
	op := operationFromTarget(target, d.Prefix)
	handler, ok := d.Operations[op]
	if !ok {
		WriteJSONError(w, requestID, NewError(KindValidation, "unknown operation: "+target, nil))
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		WriteJSONError(w, requestID, NewError(KindValidation, "failed to read request body", err))
		return
	}
	var fields map[string]interface{}
	if len(raw) > 0 {
		if err := unmarshalJSON(raw, &fields); err != nil {
			WriteJSONError(w, requestID, NewError(KindValidation, "malformed JSON body", err))
			return
		}
	}

	resp, err := handler(&Request{
		Context:   r.Context(),
		Operation: op,
		Body:      Body{Fields: fields, Raw: raw},
		Query:     r.URL.Query(),
		Headers:   r.Header,
		RequestID: requestID,
	})
	if err != nil {
		auditDispatch(r.Context(), d.Prefix, op, StatusCode(err))
		WriteJSONError(w, requestID, err)
		return
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	auditDispatch(r.Context(), d.Prefix, op, status)
	writeJSONResponse(w, requestID, resp)
}

// operationFromTarget splits "ServicePrefix.Operation" into the bare
// operation name (the text after the last '.'); a missing header yields
// "" and a header without a '.' is taken whole. The prefix is not checked.
func operationFromTarget(target, prefix string) string {
	if target == "" {
		return ""
	}
	idx := strings.LastIndexByte(target, '.')
	if idx < 0 {
		return target
	}
	return target[idx+1:]
}

func writeJSONResponse(w http.ResponseWriter, requestID string, resp *Response) {
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/x-amz-json-1.1")
	w.Header().Set("X-Amzn-RequestId", requestID)
	w.WriteHeader(status)
	if resp.Raw != nil {
		_, _ = w.Write(resp.Raw)
		return
	}
	body, err := marshalJSON(resp.Fields)
	if err != nil {
		return
	}
	_, _ = w.Write(body)
}
