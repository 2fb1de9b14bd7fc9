package shared

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestValidatorCollectsSortedIssues(t *testing.T) {
	v := NewValidator()
	v.Required("step", "", "step is required")
	v.Enum("status", "done", []string{"pending", "approved"}, "unknown status")
	v.Enum("status", "Approved", []string{"pending", "approved"}, "unknown status")
	if !v.HasIssues() {
		t.Fatal("expected issues")
	}
	issues := v.Issues()
	if len(issues) != 2 || issues[0].Field != "status" || issues[1].Field != "step" {
		t.Fatalf("unexpected issues %+v", issues)
	}

	rec := httptest.NewRecorder()
	if !v.Reject(rec, "req-1") || rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 rejection, got %d", rec.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	var payload struct {
		Comment string `json:"comment"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"comment":"ok"}`))
	if err := DecodeJSON(req, &payload); err != nil || payload.Comment != "ok" {
		t.Fatalf("unexpected decode result %+v (%v)", payload, err)
	}
	req = httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"coment":"typo"}`))
	if err := DecodeJSON(req, &payload); err == nil {
		t.Fatal("expected unknown field to fail")
	}
	req = httptest.NewRequest(http.MethodPost, "/", nil)
	if err := DecodeJSON(req, &payload); err != nil {
		t.Fatalf("expected empty body to pass, got %v", err)
	}
}

func TestParsePage(t *testing.T) {
	page, issues := ParsePage(url.Values{"limit": {"500"}, "offset": {"20"}}, 50, 200)
	if len(issues) != 0 || page.Limit != 200 || page.Offset != 20 {
		t.Fatalf("unexpected page %+v issues %v", page, issues)
	}
	page, issues = ParsePage(url.Values{}, 50, 200)
	if len(issues) != 0 || page.Limit != 50 || page.Offset != 0 {
		t.Fatalf("expected defaults, got %+v", page)
	}
	_, issues = ParsePage(url.Values{"limit": {"-1"}, "offset": {"x"}}, 50, 200)
	if len(issues) != 2 || issues[0].Field != "limit" || issues[1].Field != "offset" {
		t.Fatalf("expected two issues, got %v", issues)
	}
}
