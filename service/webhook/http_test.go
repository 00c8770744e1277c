package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetSendsBasicAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	svc := NewHTTP(time.Second)

	status, err := svc.Get(context.Background(), srv.URL, Credentials{Username: "admin", Password: "secret"})
	if err != nil || status != http.StatusNoContent {
		t.Fatalf("status %d, err %v", status, err)
	}

	status, err = svc.Get(context.Background(), srv.URL, Credentials{})
	if err != nil || status != http.StatusUnauthorized {
		t.Fatalf("anonymous call: status %d, err %v", status, err)
	}
}

func TestPostSendsJSON(t *testing.T) {
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(r.Body)
		body = string(data)
	}))
	defer srv.Close()

	status, err := NewHTTP(time.Second).Post(context.Background(), srv.URL, Credentials{}, map[string]string{"source": "front_door"})
	if err != nil || status != http.StatusOK {
		t.Fatalf("status %d, err %v", status, err)
	}
	if body != `{"source":"front_door"}` {
		t.Errorf("body = %s", body)
	}
}

func TestGetUnreachable(t *testing.T) {
	if _, err := NewHTTP(100*time.Millisecond).Get(context.Background(), "http://127.0.0.1:1", Credentials{}); err == nil {
		t.Errorf("expected a connection error")
	}
}
