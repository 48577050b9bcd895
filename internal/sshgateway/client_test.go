package sshgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAddAuthorizedKeysNoopWithoutBaseURL(t *testing.T) {
	c := NewHTTPClient("")
	if err := c.AddAuthorizedKeys(context.Background(), "vm-1", []string{"ssh-ed25519 AAAA"}); err != nil {
		t.Fatalf("AddAuthorizedKeys with empty base URL: %v", err)
	}
}

func TestAddAuthorizedKeysPostsExpectedBody(t *testing.T) {
	var got addAuthorizedKeysRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	keys := []string{"ssh-ed25519 AAAA", "ssh-ed25519 BBBB"}
	if err := c.AddAuthorizedKeys(context.Background(), "vm-42", keys); err != nil {
		t.Fatalf("AddAuthorizedKeys: %v", err)
	}
	if got.InstanceID != "vm-42" {
		t.Errorf("InstanceID = %q, want vm-42", got.InstanceID)
	}
	if len(got.Keys) != 2 {
		t.Errorf("Keys = %v, want 2 entries", got.Keys)
	}
}

func TestAddAuthorizedKeysErrorsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL)
	if err := c.AddAuthorizedKeys(context.Background(), "vm-1", []string{"k"}); err == nil {
		t.Fatal("expected error on 500 response")
	}
}
