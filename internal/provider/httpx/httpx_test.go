package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
)

type countingLimiter struct {
	calls int
	err   error
}

func (l *countingLimiter) Wait(context.Context) error {
	l.calls++
	return l.err
}

func TestDoSendsAndDecodesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("authorization header: %q", got)
		}
		if r.URL.Path != "/v1/things" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	}))
	defer srv.Close()

	lim := &countingLimiter{}
	c := New("test", srv.URL+"/v1/", WithBearer("secret"), WithLimiter(lim))
	var out struct {
		Echo string `json:"echo"`
	}
	if err := c.Do(context.Background(), http.MethodPost, "/things", map[string]string{"name": "n1"}, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if out.Echo != "n1" {
		t.Errorf("echo: %q", out.Echo)
	}
	if lim.calls != 1 {
		t.Errorf("limiter consulted %d times", lim.calls)
	}
}

func TestDoReturnsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("test", srv.URL)
	err := c.Do(context.Background(), http.MethodDelete, "/things/1", nil, nil)
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Body != "gone" {
		t.Errorf("status error body: %+v", se)
	}
	if IgnoreNotFound(err) != nil {
		t.Error("IgnoreNotFound kept a 404")
	}
}

func TestDoFailsOpenWhenLimiterErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New("test", srv.URL, WithLimiter(&countingLimiter{err: errors.New("redis down")}))
	var out map[string]any
	if err := c.Do(context.Background(), http.MethodPost, "/power", nil, &out); err != nil {
		t.Fatalf("Do: %v", err)
	}
}
