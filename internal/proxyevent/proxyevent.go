// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package proxyevent converts HTTP requests into the JSON events a
// gateway or function URL hands to a function, and function response
// shapes back into HTTP responses, in both the legacy (v1) and the
// http-api / function-url (v2) payload formats.
package proxyevent

import (
	"encoding/base64"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// defaultBinaryTypes is the fixed content-type set whose request bodies
// ride base64-encoded. Explicitly configured types are checked in
// addition to these.
var defaultBinaryTypes = []string{
	"application/octet-stream",
	"image/",
	"audio/",
	"video/",
}

// Config tunes event construction per gateway.
type Config struct {
	// BinaryMediaTypes extends the built-in binary content-type set.
	// Entries ending in "/*" match the whole primary type.
	BinaryMediaTypes []string
}

// IsBinary reports whether a request body with contentType should be
// base64-encoded into the event.
func (c Config) IsBinary(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	if ct == "" {
		return false
	}
	for _, t := range defaultBinaryTypes {
		if strings.HasSuffix(t, "/") {
			if strings.HasPrefix(ct, t) {
				return true
			}
		} else if ct == t {
			return true
		}
	}
	for _, t := range c.BinaryMediaTypes {
		t = strings.ToLower(t)
		if strings.HasSuffix(t, "/*") {
			if strings.HasPrefix(ct, strings.TrimSuffix(t, "*")) {
				return true
			}
		} else if ct == t {
			return true
		}
	}
	return false
}

// RequestContext carries the identity of the route that matched.
type RequestContext struct {
	RouteKey   string // "GET /items/{id}", v2 only
	Resource   string // the v1 resource template
	PathParams map[string]string
	Stage      string
}

// BuildV1 constructs the legacy gateway event for r. body is the already
// read request body (the caller owns draining r.Body).
func BuildV1(r *http.Request, body []byte, rc RequestContext, cfg Config) map[string]interface{} {
	headers := map[string]interface{}{}
	multiHeaders := map[string]interface{}{}
	for name, vs := range r.Header {
		key := name
		headers[key] = vs[len(vs)-1]
		list := make([]interface{}, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		multiHeaders[key] = list
	}

	query := map[string]interface{}{}
	multiQuery := map[string]interface{}{}
	for name, vs := range r.URL.Query() {
		query[name] = vs[len(vs)-1]
		list := make([]interface{}, len(vs))
		for i, v := range vs {
			list[i] = v
		}
		multiQuery[name] = list
	}

	bodyStr, isBase64 := encodeBody(body, r.Header.Get("Content-Type"), cfg)

	resource := rc.Resource
	if resource == "" {
		resource = r.URL.Path
	}
	stage := rc.Stage
	if stage == "" {
		stage = "$default"
	}

	event := map[string]interface{}{
		"httpMethod":                      r.Method,
		"path":                            r.URL.Path,
		"resource":                        resource,
		"headers":                         headers,
		"multiValueHeaders":               multiHeaders,
		"queryStringParameters":           nilIfEmpty(query),
		"multiValueQueryStringParameters": nilIfEmpty(multiQuery),
		"pathParameters":                  stringMapValue(rc.PathParams),
		"body":                            bodyStr,
		"isBase64Encoded":                 isBase64,
		"requestContext": map[string]interface{}{
			"resourcePath": resource,
			"httpMethod":   r.Method,
			"path":         r.URL.Path,
			"stage":        stage,
			"requestId":    uuid.NewString(),
			"identity": map[string]interface{}{
				"sourceIp":  remoteIP(r),
				"userAgent": r.UserAgent(),
			},
			"requestTimeEpoch": time.Now().UnixMilli(),
		},
	}
	return event
}

// BuildV2 constructs the "2.0" payload-format event for r. Repeated
// headers and query parameters are comma-joined; cookies move out of the
// header map into their own list.
func BuildV2(r *http.Request, body []byte, rc RequestContext, cfg Config) map[string]interface{} {
	headers := map[string]interface{}{}
	var cookies []interface{}
	for name, vs := range r.Header {
		if strings.EqualFold(name, "Cookie") {
			for _, v := range vs {
				for _, c := range strings.Split(v, "; ") {
					if c != "" {
						cookies = append(cookies, c)
					}
				}
			}
			continue
		}
		headers[strings.ToLower(name)] = strings.Join(vs, ",")
	}

	query := map[string]interface{}{}
	for name, vs := range r.URL.Query() {
		query[name] = strings.Join(vs, ",")
	}

	bodyStr, isBase64 := encodeBody(body, r.Header.Get("Content-Type"), cfg)

	routeKey := rc.RouteKey
	if routeKey == "" {
		routeKey = "$default"
	}
	stage := rc.Stage
	if stage == "" {
		stage = "$default"
	}

	event := map[string]interface{}{
		"version":               "2.0",
		"routeKey":              routeKey,
		"rawPath":               r.URL.Path,
		"rawQueryString":        r.URL.RawQuery,
		"headers":               headers,
		"queryStringParameters": nilIfEmpty(query),
		"pathParameters":        stringMapValue(rc.PathParams),
		"body":                  bodyStr,
		"isBase64Encoded":       isBase64,
		"requestContext": map[string]interface{}{
			"routeKey":  routeKey,
			"stage":     stage,
			"requestId": uuid.NewString(),
			"timeEpoch": time.Now().UnixMilli(),
			"http": map[string]interface{}{
				"method":    r.Method,
				"path":      r.URL.Path,
				"protocol":  r.Proto,
				"sourceIp":  remoteIP(r),
				"userAgent": r.UserAgent(),
			},
		},
	}
	if cookies != nil {
		event["cookies"] = cookies
	}
	return event
}

func encodeBody(body []byte, contentType string, cfg Config) (interface{}, bool) {
	if len(body) == 0 {
		return nil, false
	}
	if cfg.IsBinary(contentType) {
		return base64.StdEncoding.EncodeToString(body), true
	}
	return string(body), false
}

func nilIfEmpty(m map[string]interface{}) interface{} {
	if len(m) == 0 {
		return nil
	}
	return m
}

func stringMapValue(m map[string]string) interface{} {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func remoteIP(r *http.Request) string {
	addr := r.RemoteAddr
	if i := strings.LastIndexByte(addr, ':'); i > 0 {
		return strings.Trim(addr[:i], "[]")
	}
	return addr
}

// Response is the function-returned shape both payload formats accept.
type Response struct {
	StatusCode        int                 `json:"statusCode"`
	Headers           map[string]string   `json:"headers"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders"`
	Body              string              `json:"body"`
	IsBase64Encoded   bool                `json:"isBase64Encoded"`
	Cookies           []string            `json:"cookies"`
}

// WriteResponse renders resp onto w. Missing statusCode defaults to 200
// and a base64 body is decoded before transmission. v2 cookies become
// repeated Set-Cookie headers; v1 multiValueHeaders become repeated
// response headers.
func WriteResponse(w http.ResponseWriter, resp *Response) error {
	// Deterministic header order keeps responses reproducible.
	names := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.Header().Set(name, resp.Headers[name])
	}

	names = names[:0]
	for name := range resp.MultiValueHeaders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range resp.MultiValueHeaders[name] {
			w.Header().Add(name, v)
		}
	}

	for _, c := range resp.Cookies {
		w.Header().Add("Set-Cookie", c)
	}

	body := []byte(resp.Body)
	if resp.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(resp.Body)
		if err != nil {
			return err
		}
		body = decoded
	}

	status := resp.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(body) > 0 {
		if _, err := w.Write(body); err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

// ParseResponse interprets the raw function result as a Response. A
// payload that is not the structured shape (a bare string or JSON value)
// is wrapped as a 200 with the payload as the body, matching gateway
// behavior for v2 "simple" responses.
func ParseResponse(payload []byte, unmarshal func([]byte, interface{}) error) *Response {
	var probe map[string]interface{}
	if err := unmarshal(payload, &probe); err == nil {
		if _, ok := probe["statusCode"]; ok {
			var resp Response
			if err := unmarshal(payload, &resp); err == nil {
				return &resp
			}
		}
	}
	body := string(payload)
	// A bare JSON string unquotes into the body.
	var s string
	if err := unmarshal(payload, &s); err == nil {
		body = s
	}
	return &Response{StatusCode: http.StatusOK, Body: body}
}
