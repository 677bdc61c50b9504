package sms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthCheck(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("healthy gateway: %v", err)
	}

	status = http.StatusInternalServerError
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatalf("a 500 from the gateway must count as unhealthy")
	}
}

func TestHealthCheck_Disabled(t *testing.T) {
	c := NewClient("")
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestReceiveMessages_NoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	msgs, err := c.ReceiveMessages(context.Background())
	if err != nil || msgs != nil {
		t.Fatalf("empty poll should be (nil, nil), got %v %v", msgs, err)
	}
}
