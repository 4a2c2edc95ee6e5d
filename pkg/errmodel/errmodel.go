package errmodel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Category values for compact errors.
const (
	CategoryValidation = "validation"
	CategoryTool       = "tool"
	CategoryNetwork    = "network"
	CategoryModel      = "model"
	CategoryPolicy     = "policy"
	CategorySystem     = "system"
)

// Codes used across the dispatch core.
const (
	CodeUnknownTool      = "unknown_tool"
	CodeDuplicateTool    = "duplicate_tool"
	CodeDiscoveryFailed  = "discovery_failed"
	CodePayloadTooLarge  = "payload_too_large"
	CodeDelegationDenied = "delegation_denied"
	CodeMaxRetries       = "max_retries_exceeded"
	CodeNotFound         = "not_found"
	CodeTimeout          = "timeout"
	CodeCanceled         = "canceled"
	CodeUnreachable      = "unreachable"
)

// Error is the compact error payload returned by APIs and used internally.
// It implements the error interface.
type Error struct {
	Category string         `json:"category"`
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Context  map[string]any `json:"context,omitempty"`
	Causes   []Error        `json:"causes,omitempty"`

	// Retryable marks tool-reported errors whose input can be corrected
	// and re-issued. Transport and policy errors are never retryable.
	Retryable bool `json:"retryable,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// New constructs a new compact error.
func New(category, code, message string, ctx map[string]any, causes ...error) *Error {
	ce := &Error{Category: category, Code: code, Message: truncate(message, 512)}
	if len(ctx) > 0 {
		ce.Context = truncateContext(ctx)
	}
	for _, c := range causes {
		if c == nil {
			continue
		}
		ce.Causes = append(ce.Causes, *From(c))
	}
	return ce
}

// From converts any error into a compact Error. If err is already *Error, it's returned as-is.
func From(err error) *Error {
	var ce *Error
	if err == nil {
		return nil
	}
	if errors.As(err, &ce) {
		return ce
	}
	// Default to system/internal for unknown error types.
	return &Error{Category: CategorySystem, Code: "internal", Message: truncate(err.Error(), 512)}
}

// Convenience constructors.
func Validation(code, message string, ctx map[string]any) *Error {
	return New(CategoryValidation, code, message, ctx)
}

func Policy(code, message string, ctx map[string]any) *Error {
	return New(CategoryPolicy, code, message, ctx)
}

func System(code, message string, ctx map[string]any, cause error) *Error {
	if cause != nil {
		return New(CategorySystem, code, message, ctx, cause)
	}
	return New(CategorySystem, code, message, ctx)
}

// UnknownTool reports a registry miss.
func UnknownTool(id string) *Error {
	return Validation(CodeUnknownTool, "tool not registered", map[string]any{"tool": id})
}

// DuplicateTool reports a conflicting registration.
func DuplicateTool(id string) *Error {
	return Validation(CodeDuplicateTool, "tool already registered", map[string]any{"tool": id})
}

// Discovery reports a failed capability discovery round trip.
func Discovery(tool string, cause error) *Error {
	return New(CategoryNetwork, CodeDiscoveryFailed, "capability discovery failed", map[string]any{"tool": tool}, cause)
}

// PayloadTooLarge reports an argument or result payload over the configured ceiling.
func PayloadTooLarge(tool string, size, limit int) *Error {
	return Validation(CodePayloadTooLarge, "payload exceeds configured ceiling", map[string]any{
		"tool": tool, "size": size, "limit": limit,
	})
}

// Tool reports a tool-side failure. Structural failures of self-correcting
// tools set retryable so the execution loop can regenerate the request.
func Tool(code, message string, retryable bool, ctx map[string]any) *Error {
	e := New(CategoryTool, code, message, ctx)
	e.Retryable = retryable
	return e
}

// Transport reports a network-level failure reaching a tool.
func Transport(code, message string, cause error) *Error {
	if cause != nil {
		return New(CategoryNetwork, code, message, nil, cause)
	}
	return New(CategoryNetwork, code, message, nil)
}

// DelegationDenied reports a rejected credential exchange. It is terminal:
// retrying cannot change the authorization outcome.
func DelegationDenied(principal, resource string) *Error {
	return Policy(CodeDelegationDenied, "credential exchange denied", map[string]any{
		"principal": principal, "resource": resource,
	})
}

// MaxRetries reports self-correction bound exhaustion, carrying the last error.
func MaxRetries(tool string, attempts int, last error) *Error {
	return New(CategoryTool, CodeMaxRetries, "retry bound exhausted", map[string]any{
		"tool": tool, "attempts": attempts,
	}, last)
}

// IsRetryable reports whether err is a tool error the loop may correct and retry.
func IsRetryable(err error) bool {
	ce := From(err)
	return ce != nil && ce.Category == CategoryTool && ce.Retryable
}

// HTTPStatus maps category/code to HTTP status.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusInternalServerError
	}
	switch e.Category {
	case CategoryValidation:
		switch e.Code {
		case CodeNotFound, CodeUnknownTool:
			return http.StatusNotFound
		case CodeDuplicateTool:
			return http.StatusConflict
		case CodePayloadTooLarge:
			return http.StatusRequestEntityTooLarge
		default:
			return http.StatusBadRequest
		}
	case CategoryPolicy:
		switch e.Code {
		case "unauthorized":
			return http.StatusUnauthorized
		default:
			return http.StatusForbidden
		}
	case CategoryNetwork:
		if e.Code == CodeTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case CategoryTool, CategoryModel:
		return http.StatusBadGateway
	case CategorySystem:
		fallthrough
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes a compact error envelope to the response writer.
// It attempts to include the trace_id if present in ctx.
func WriteHTTP(w http.ResponseWriter, r *http.Request, err error) {
	ce := From(err)
	if ce == nil {
		ce = &Error{Category: CategorySystem, Code: "internal", Message: "unknown error"}
	}
	status := HTTPStatus(ce)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	traceID := ""
	if r != nil {
		if span := trace.SpanFromContext(r.Context()); span != nil {
			sc := span.SpanContext()
			if sc.HasTraceID() {
				traceID = sc.TraceID().String()
			}
		}
	}
	// Envelope { error: Error, trace_id?: string }
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":    ce,
		"trace_id": traceID,
	})
}

// truncate trims a string to max characters.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// truncateContext trims long string values in the context map.
func truncateContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case string:
			out[k] = truncate(t, 256)
		default:
			b, err := json.Marshal(t)
			if err == nil && len(b) > 0 {
				s := string(b)
				if len(s) > 256 {
					s = truncate(s, 256)
				}
				out[k] = s
			} else {
				out[k] = t
			}
		}
	}
	return out
}

// IsCategory checks if err belongs to a specific category.
func IsCategory(err error, category string) bool {
	ce := From(err)
	return ce != nil && strings.EqualFold(ce.Category, category)
}
