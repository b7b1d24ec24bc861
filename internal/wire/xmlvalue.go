// harborstackd - local emulator for managed cloud services
// SPDX-License-Identifier: AGPL-3.0-or-later

package wire

import (
	"bytes"
	"encoding/xml"
)

// marshalXMLRoot renders fields as a single root element named name,
// since encoding/xml has no notion of "marshal this map with this root
// tag" without a concrete struct type.
func marshalXMLRoot(name string, fields map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := enc.EncodeElement(xmlMap(fields), xml.StartElement{Name: xml.Name{Local: name}}); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// xmlMap renders a map[string]interface{} as a flat tree of elements
// named after its keys. encoding/xml can't marshal a bare map, and the
// query-action dialect's response shapes are simple enough that a
// generic element-per-key walk is sufficient without hand-writing a
// struct per operation; exact XML rendering stays a service-operation
// detail.
type xmlMap map[string]interface{}

func (m xmlMap) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for k, v := range m {
		if err := encodeXMLValue(e, k, v); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func encodeXMLValue(e *xml.Encoder, name string, v interface{}) error {
	name = sanitizeXMLName(name)
	switch val := v.(type) {
	case map[string]interface{}:
		return xmlMap(val).MarshalXML(e, xml.StartElement{Name: xml.Name{Local: name}})
	case []interface{}:
		for _, item := range val {
			if err := encodeXMLValue(e, "member", wrapForXML(item)); err != nil {
				return err
			}
		}
		return nil
	default:
		return e.EncodeElement(val, xml.StartElement{Name: xml.Name{Local: name}})
	}
}

// wrapForXML wraps a list element's value so encodeXMLValue's type
// switch handles it uniformly (list items may themselves be maps).
func wrapForXML(v interface{}) interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return map[string]interface{}(m)
	}
	return v
}

func sanitizeXMLName(s string) string {
	if s == "" {
		return "Value"
	}
	return s
}
