package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
	"github.com/samuelmjordan/hosting-platform-api/internal/config"
)

func newTestClient(t *testing.T, r http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	c := New(config.Cloud{BaseURL: srv.URL, Token: "tok", Image: "ubuntu-24.04"}, nil, nil)
	c.pollInterval = time.Millisecond
	return c
}

func TestCreateNode(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/servers", func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Query().Get("name") != "gs-sub-1" {
			t.Errorf("lookup query: %s", req.URL.RawQuery)
		}
		w.Write([]byte(`{"servers":[]}`))
	})
	r.Post("/servers", func(w http.ResponseWriter, req *http.Request) {
		var in createServerRequest
		json.NewDecoder(req.Body).Decode(&in)
		if in.ServerType != "cx22" || in.Location != "nbg1" || in.Image != "ubuntu-24.04" {
			t.Errorf("request: %+v", in)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"server":{"id":42,"status":"initializing","public_net":{"ipv4":{"ip":"203.0.113.7"}}}}`))
	})
	c := newTestClient(t, r)

	node, err := c.CreateNode(context.Background(), "gs-sub-1",
		catalog.Specification{ID: "spec_2g", CloudServerType: "cx22"},
		catalog.Region{ID: "eu-central", CloudLocation: "nbg1"})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if node.ID != 42 || node.IPv4 != "203.0.113.7" {
		t.Fatalf("node: %+v", node)
	}
}

// fakeCloud keeps servers by id and rejects duplicate names the way the
// real API does.
type fakeCloud struct {
	mu      sync.Mutex
	servers map[int64]server
	posts   int
	// hidden makes the next lookup miss, as if another worker created the
	// server after it.
	hidden bool
}

func (f *fakeCloud) router() http.Handler {
	r := chi.NewRouter()
	r.Get("/servers", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := []server{}
		for _, s := range f.servers {
			if s.Name == req.URL.Query().Get("name") && !f.hidden {
				out = append(out, s)
			}
		}
		f.hidden = false
		json.NewEncoder(w).Encode(map[string]any{"servers": out})
	})
	r.Post("/servers", func(w http.ResponseWriter, req *http.Request) {
		var in createServerRequest
		json.NewDecoder(req.Body).Decode(&in)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.posts++
		for _, s := range f.servers {
			if s.Name == in.Name {
				http.Error(w, `{"error":{"code":"uniqueness_error"}}`, http.StatusConflict)
				return
			}
		}
		s := server{ID: int64(len(f.servers) + 1), Name: in.Name, Status: "initializing"}
		s.PublicNet.IPv4.IP = "203.0.113.1"
		f.servers[s.ID] = s
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"server": s})
	})
	return r
}

func TestCreateNodeAdoptsServerWithSameName(t *testing.T) {
	f := &fakeCloud{servers: map[int64]server{}}
	c := newTestClient(t, f.router())
	ctx := context.Background()
	spec := catalog.Specification{ID: "spec_2g", CloudServerType: "cx22"}
	region := catalog.Region{ID: "eu-central", CloudLocation: "nbg1"}

	first, err := c.CreateNode(ctx, "gs-sub-1-abcd", spec, region)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	again, err := c.CreateNode(ctx, "gs-sub-1-abcd", spec, region)
	if err != nil {
		t.Fatalf("retried create: %v", err)
	}
	if again != first {
		t.Fatalf("retry returned %+v, want %+v", again, first)
	}
	if len(f.servers) != 1 || f.posts != 1 {
		t.Fatalf("servers=%d posts=%d, want 1 and 1", len(f.servers), f.posts)
	}
}

func TestCreateNodeAdoptsAfterConflict(t *testing.T) {
	f := &fakeCloud{servers: map[int64]server{}}
	c := newTestClient(t, f.router())
	ctx := context.Background()
	spec := catalog.Specification{ID: "spec_2g", CloudServerType: "cx22"}
	region := catalog.Region{ID: "eu-central", CloudLocation: "nbg1"}

	first, err := c.CreateNode(ctx, "gs-sub-1-abcd", spec, region)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	f.hidden = true
	again, err := c.CreateNode(ctx, "gs-sub-1-abcd", spec, region)
	if err != nil {
		t.Fatalf("create after conflict: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("adopted %d, want %d", again.ID, first.ID)
	}
	if f.posts != 2 || len(f.servers) != 1 {
		t.Fatalf("servers=%d posts=%d", len(f.servers), f.posts)
	}
}

func TestDeleteNodeIgnoresMissing(t *testing.T) {
	r := chi.NewRouter()
	r.Delete("/servers/{id}", func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, `{"error":{"code":"not_found"}}`, http.StatusNotFound)
	})
	c := newTestClient(t, r)

	if err := c.DeleteNode(context.Background(), 9); err != nil {
		t.Fatalf("DeleteNode: %v", err)
	}
}

func TestWaitForStatus(t *testing.T) {
	var polls atomic.Int32
	r := chi.NewRouter()
	r.Get("/servers/{id}", func(w http.ResponseWriter, req *http.Request) {
		status := "starting"
		if polls.Add(1) >= 3 {
			status = "running"
		}
		json.NewEncoder(w).Encode(map[string]any{"server": map[string]any{"id": 1, "status": status}})
	})
	c := newTestClient(t, r)

	ok, err := c.WaitForStatus(context.Background(), 1, "running", time.Second)
	if err != nil || !ok {
		t.Fatalf("WaitForStatus: ok=%v err=%v", ok, err)
	}
	if polls.Load() != 3 {
		t.Errorf("polled %d times", polls.Load())
	}
}

func TestWaitForStatusTimesOut(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/servers/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte(`{"server":{"id":1,"status":"starting"}}`))
	})
	c := newTestClient(t, r)

	ok, err := c.WaitForStatus(context.Background(), 1, "running", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForStatus: %v", err)
	}
	if ok {
		t.Fatal("reported ready for a starting server")
	}
}
