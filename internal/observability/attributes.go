// Package observability provides metrics for the API and the delivery engine.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod = "method"
	attrPath   = "path"
	attrStatus = "status"
	attrResult = "result"
	attrFrom   = "from"
	attrTo     = "to"
	attrReason = "reason"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	if path == "" {
		path = "unmatched"
	}
	return attribute.String(attrPath, path)
}

func statusAttr(code int) attribute.KeyValue {
	return attribute.String(attrStatus, statusClass(code))
}

// statusClass groups status codes to bound cardinality: 200-299 -> 2xx.
// Code 0 means no response was received.
func statusClass(code int) string {
	if code <= 0 {
		return "none"
	}
	return fmt.Sprintf("%dxx", code/100)
}

func resultAttr(result string) attribute.KeyValue {
	return attribute.String(attrResult, result)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}
