package internal

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadBodyStrict(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	body, err := ReadBodyStrict(httptest.NewRecorder(), req, 64)
	if err != nil {
		t.Fatalf("ReadBodyStrict failed: %v", err)
	}
	if !bytes.Equal(body, []byte("hello")) {
		t.Errorf("Expected body hello, got %q", body)
	}
}

func TestReadBodyStrict_Empty(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	if _, err := ReadBodyStrict(httptest.NewRecorder(), req, 64); err == nil {
		t.Error("Expected error for empty body")
	}
}

func TestReadBodyStrict_TooLarge(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 65)))
	_, err := ReadBodyStrict(httptest.NewRecorder(), req, 64)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := WriteJSON(rec, http.StatusOK, map[string]bool{"ok": true}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected application/json, got %s", ct)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"ok":true}` {
		t.Errorf("Unexpected body %q", rec.Body.String())
	}
}
