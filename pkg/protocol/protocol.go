// Package protocol performs capability discovery and invocation against
// registered tools, over a local in-process transport or the Model Context
// Protocol for networked tools, and normalizes heterogeneous results into
// one canonical shape.
//
// The client never retries: classifying an outcome is its job, deciding
// whether a different request should be tried belongs to the execution loop.
package protocol

import (
	"encoding/json"
	"strings"

	"github.com/keldan/steward/pkg/credential"
	"github.com/keldan/steward/pkg/registry"
)

// Capability is one named, schema-described operation exposed by a tool.
// Produced by discovery and cached per tool for the life of the connection.
type Capability struct {
	ToolID       string
	Name         string
	Description  string
	InputSchema  []byte
	OutputSchema []byte
}

// Invocation is one call attempt. Attempts are never reused across retries;
// the loop builds a fresh Invocation with new arguments each time.
type Invocation struct {
	ToolID     string
	Capability string
	Args       map[string]any

	// Credential presented downstream; zero for anonymous tools.
	Credential credential.Credential

	// CorrelationID ties the request, response, and trace spans together.
	CorrelationID string
}

// Content is one typed block of tool output.
type Content struct {
	Kind       registry.ContentKind
	Text       string
	Structured json.RawMessage
	Data       []byte
	MIMEType   string
}

// TextContent builds a text block.
func TextContent(s string) Content {
	return Content{Kind: registry.ContentText, Text: s}
}

// StructuredContent builds a structured-data block from v.
func StructuredContent(v any) Content {
	b, _ := json.Marshal(v)
	return Content{Kind: registry.ContentStructured, Structured: b}
}

// BinaryContent builds a binary block with its MIME type.
func BinaryContent(data []byte, mime string) Content {
	return Content{Kind: registry.ContentBinary, Data: data, MIMEType: mime}
}

// Result is a successful invocation outcome: an ordered sequence of typed
// content blocks. Failures are reported as tool or transport errors instead.
type Result struct {
	Content []Content
}

// JoinedText concatenates the text blocks of a result.
func (r Result) JoinedText() string {
	var parts []string
	for _, c := range r.Content {
		if c.Kind == registry.ContentText && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// structural error signals a tool can remedy by a corrected request:
// unknown tables or fields, or malformed query syntax.
var structuralMarkers = []string{
	"no such table",
	"no such column",
	"unknown table",
	"unknown field",
	"unknown column",
	"syntax error",
	"parse error",
}

// IsStructuralMessage reports whether a tool error message indicates a
// structural problem with the request rather than a tool outage.
func IsStructuralMessage(msg string) bool {
	m := strings.ToLower(msg)
	for _, marker := range structuralMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
