package errmodel

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewAndFrom(t *testing.T) {
	e := Validation("missing", "field missing", map[string]any{"field": "query"})
	if e.Category != CategoryValidation || e.Code != "missing" {
		t.Fatalf("unexpected: %#v", e)
	}
	if got := From(e); got != e {
		t.Fatalf("From should return same error instance")
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	cases := []struct {
		name     string
		err      *Error
		category string
		code     string
		status   int
	}{
		{"unknown tool", UnknownTool("db"), CategoryValidation, CodeUnknownTool, 404},
		{"duplicate tool", DuplicateTool("db"), CategoryValidation, CodeDuplicateTool, 409},
		{"discovery", Discovery("db", errors.New("dial refused")), CategoryNetwork, CodeDiscoveryFailed, 502},
		{"payload", PayloadTooLarge("db", 2048, 1024), CategoryValidation, CodePayloadTooLarge, 413},
		{"delegation", DelegationDenied("alice", "records"), CategoryPolicy, CodeDelegationDenied, 403},
		{"timeout", Transport(CodeTimeout, "deadline exceeded", nil), CategoryNetwork, CodeTimeout, 504},
		{"max retries", MaxRetries("db", 3, errors.New("no such column")), CategoryTool, CodeMaxRetries, 502},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Category != tc.category || tc.err.Code != tc.code {
				t.Fatalf("got %s/%s want %s/%s", tc.err.Category, tc.err.Code, tc.category, tc.code)
			}
			if got := HTTPStatus(tc.err); got != tc.status {
				t.Fatalf("status=%d want %d", got, tc.status)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Tool("bad_query", "no such table: acount", true, nil)) {
		t.Fatal("structural tool error should be retryable")
	}
	if IsRetryable(Tool("unavailable", "tool down", false, nil)) {
		t.Fatal("non-retryable tool error misreported")
	}
	if IsRetryable(Transport(CodeTimeout, "deadline exceeded", nil)) {
		t.Fatal("transport errors are never retryable")
	}
	if IsRetryable(DelegationDenied("alice", "records")) {
		t.Fatal("policy errors are never retryable")
	}
}

func TestMaxRetriesCarriesLastError(t *testing.T) {
	last := Tool("bad_query", "no such column: creted_date", true, nil)
	e := MaxRetries("db", 3, last)
	if len(e.Causes) != 1 || e.Causes[0].Code != "bad_query" {
		t.Fatalf("last error not preserved: %#v", e)
	}
}

func TestWriteHTTP_StatusAndEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/", nil)
	WriteHTTP(rr, req, Validation("bad_json", "oops", nil))
	if rr.Code != 400 {
		t.Fatalf("status=%d want 400", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"category\":\"validation\"") {
		t.Fatalf("body missing category: %s", body)
	}
	if !strings.Contains(body, "\"code\":\"bad_json\"") {
		t.Fatalf("body missing code: %s", body)
	}
}
