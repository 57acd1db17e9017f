package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
)

type recordingShell struct {
	host  string
	stdin string
	cmd   string
}

func (s *recordingShell) Run(_ context.Context, host string, stdin []byte, cmd string) error {
	s.host, s.stdin, s.cmd = host, string(stdin), cmd
	return nil
}

// fakePanel serves the subset of the panel API the client uses.
type fakePanel struct {
	mu          sync.Mutex
	nodes       []nodeAttributes
	allocations []allocation
	servers     map[string]serverAttributes
	files       map[string][]string
	calls       []string
}

func (p *fakePanel) record(r *http.Request) {
	p.mu.Lock()
	p.calls = append(p.calls, r.Method+" "+r.URL.Path)
	p.mu.Unlock()
}

func (p *fakePanel) router(t *testing.T) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			p.record(req)
			next.ServeHTTP(w, req)
		})
	})
	r.Route("/api/application", func(r chi.Router) {
		r.Get("/nodes", func(w http.ResponseWriter, req *http.Request) {
			p.mu.Lock()
			defer p.mu.Unlock()
			var out list[nodeAttributes]
			for _, n := range p.nodes {
				if n.FQDN == req.URL.Query().Get("filter[fqdn]") {
					out.Data = append(out.Data, object[nodeAttributes]{Attributes: n})
				}
			}
			json.NewEncoder(w).Encode(out)
		})
		r.Post("/nodes", func(w http.ResponseWriter, req *http.Request) {
			var in nodeRequest
			json.NewDecoder(req.Body).Decode(&in)
			if in.FQDN != "node-1.example.net" || in.LocationID != 2 || in.Memory != 2048 {
				t.Errorf("node request: %+v", in)
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			n := nodeAttributes{ID: int64(7 + len(p.nodes)), Name: in.Name, FQDN: in.FQDN}
			p.nodes = append(p.nodes, n)
			json.NewEncoder(w).Encode(object[nodeAttributes]{Attributes: n})
		})
		r.Get("/nodes/{id}/configuration", func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte(`{"debug":false,"uuid":"abc","api":{"host":"0.0.0.0","port":8080}}`))
		})
		r.Get("/nodes/{id}/allocations", func(w http.ResponseWriter, req *http.Request) {
			p.mu.Lock()
			defer p.mu.Unlock()
			var out list[allocation]
			for _, a := range p.allocations {
				out.Data = append(out.Data, object[allocation]{Attributes: a})
			}
			out.Meta.Pagination.CurrentPage = 1
			out.Meta.Pagination.TotalPages = 1
			json.NewEncoder(w).Encode(out)
		})
		r.Post("/nodes/{id}/allocations", func(w http.ResponseWriter, req *http.Request) {
			p.mu.Lock()
			p.allocations = append(p.allocations, allocation{ID: 31, IP: "203.0.113.7", Port: 25565})
			p.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Delete("/nodes/{id}/allocations/{alloc}", func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		r.Get("/servers/external/{ext}", func(w http.ResponseWriter, req *http.Request) {
			p.mu.Lock()
			defer p.mu.Unlock()
			srv, ok := p.servers[chi.URLParam(req, "ext")]
			if !ok {
				http.Error(w, `{"errors":[{"code":"NotFoundHttpException"}]}`, http.StatusNotFound)
				return
			}
			json.NewEncoder(w).Encode(object[serverAttributes]{Attributes: srv})
		})
		r.Post("/servers", func(w http.ResponseWriter, req *http.Request) {
			var in serverRequest
			json.NewDecoder(req.Body).Decode(&in)
			if in.Allocation.Default != 31 || in.User != 4 || in.Egg != 3 {
				t.Errorf("server request: %+v", in)
			}
			srv := serverAttributes{ID: 55, Identifier: "1a2b3c4d"}
			p.mu.Lock()
			if in.ExternalID != "" {
				p.servers[in.ExternalID] = srv
			}
			p.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(object[serverAttributes]{Attributes: srv})
		})
	})
	r.Route("/api/client/servers/{uid}/files", func(r chi.Router) {
		r.Get("/list", func(w http.ResponseWriter, req *http.Request) {
			p.mu.Lock()
			defer p.mu.Unlock()
			var out list[fileEntry]
			for _, n := range p.files[chi.URLParam(req, "uid")] {
				out.Data = append(out.Data, object[fileEntry]{Attributes: fileEntry{Name: n}})
			}
			json.NewEncoder(w).Encode(out)
		})
		r.Post("/compress", func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte(`{"object":"file_object","attributes":{"name":"archive.tar.gz"}}`))
		})
		r.Get("/download", func(w http.ResponseWriter, req *http.Request) {
			w.Write([]byte(`{"object":"signed_url","attributes":{"url":"https://node-1.example.net/download/file?token=t"}}`))
		})
		r.Post("/pull", func(w http.ResponseWriter, req *http.Request) {
			p.mu.Lock()
			uid := chi.URLParam(req, "uid")
			p.files[uid] = append(p.files[uid], "archive.tar.gz")
			p.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		})
		r.Post("/decompress", func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusNoContent) })
		r.Post("/delete", func(w http.ResponseWriter, req *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})
	return r
}

func newTestClient(t *testing.T) (*Client, *fakePanel, *recordingShell) {
	t.Helper()
	p := &fakePanel{servers: map[string]serverAttributes{}, files: map[string][]string{}}
	srv := httptest.NewServer(p.router(t))
	t.Cleanup(srv.Close)
	shell := &recordingShell{}
	c := New(config.Panel{BaseURL: srv.URL, ApplicationKey: "app", ClientKey: "cli", OwnerUserID: 4}, shell, nil, nil)
	c.pollInterval = time.Millisecond
	c.transferTimeout = time.Second
	return c, p, shell
}

func TestNodeLifecycle(t *testing.T) {
	c, _, shell := newTestClient(t)
	ctx := context.Background()
	a := saga.ARecord{ID: "rec-1", Name: "node-1.example.net"}

	node, err := c.CreateNode(ctx, a, catalog.Specification{MemoryMB: 2048, DiskMB: 20480}, catalog.Region{PanelLocationID: 2})
	if err != nil {
		t.Fatalf("CreateNode: %v", err)
	}
	if node.ID != 7 {
		t.Fatalf("node id: %d", node.ID)
	}

	if err := c.ConfigureNode(ctx, node.ID, a, "203.0.113.7"); err != nil {
		t.Fatalf("ConfigureNode: %v", err)
	}
	if shell.host != "203.0.113.7" {
		t.Errorf("configured host %q", shell.host)
	}
	if !strings.Contains(shell.stdin, "uuid: abc") || !strings.Contains(shell.stdin, "port: 8080") {
		t.Errorf("config pushed:\n%s", shell.stdin)
	}
	if !strings.Contains(shell.cmd, wingsConfigPath) {
		t.Errorf("command %q does not write %s", shell.cmd, wingsConfigPath)
	}
}

func TestCreateNodeAdoptsNodeWithSameFQDN(t *testing.T) {
	c, p, _ := newTestClient(t)
	ctx := context.Background()
	a := saga.ARecord{ID: "rec-1", Name: "node-1.example.net"}
	spec := catalog.Specification{MemoryMB: 2048}
	region := catalog.Region{PanelLocationID: 2}

	first, err := c.CreateNode(ctx, a, spec, region)
	if err != nil {
		t.Fatalf("first CreateNode: %v", err)
	}
	again, err := c.CreateNode(ctx, a, spec, region)
	if err != nil {
		t.Fatalf("retried CreateNode: %v", err)
	}
	if again.ID != first.ID || len(p.nodes) != 1 {
		t.Fatalf("retry gave node %d, panel has %d nodes", again.ID, len(p.nodes))
	}
}

func TestCreateServerAdoptsByExternalID(t *testing.T) {
	c, p, _ := newTestClient(t)
	ctx := context.Background()
	req := saga.ServerRequest{
		Name:       "gs-sub-1",
		ExternalID: "gs-sub-1-0a1b2c3d",
		Allocation: saga.Allocation{ID: 31, Port: 25565},
		Spec:       catalog.Specification{EggID: 3, MemoryMB: 2048},
	}

	first, err := c.CreateServer(ctx, req)
	if err != nil {
		t.Fatalf("first CreateServer: %v", err)
	}
	again, err := c.CreateServer(ctx, req)
	if err != nil {
		t.Fatalf("retried CreateServer: %v", err)
	}
	if again != first {
		t.Fatalf("retry gave %+v, want %+v", again, first)
	}
	posts := 0
	for _, call := range p.calls {
		if call == "POST /api/application/servers" {
			posts++
		}
	}
	if posts != 1 {
		t.Fatalf("server created %d times", posts)
	}
}

func TestCreateAllocationAndServer(t *testing.T) {
	c, p, _ := newTestClient(t)
	ctx := context.Background()

	alloc, err := c.CreateAllocation(ctx, 7, "203.0.113.7", 25565)
	if err != nil {
		t.Fatalf("CreateAllocation: %v", err)
	}
	if alloc.ID != 31 || alloc.Port != 25565 {
		t.Fatalf("allocation: %+v", alloc)
	}
	again, err := c.CreateAllocation(ctx, 7, "203.0.113.7", 25565)
	if err != nil || again.ID != 31 {
		t.Fatalf("repeat CreateAllocation: %+v %v", again, err)
	}
	if len(p.allocations) != 1 {
		t.Errorf("allocation created %d times", len(p.allocations))
	}

	srv, err := c.CreateServer(ctx, saga.ServerRequest{
		Name:       "gs-sub-1",
		Allocation: alloc,
		Spec:       catalog.Specification{EggID: 3, MemoryMB: 2048},
	})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if srv.ID != 55 || srv.UID != "1a2b3c4d" {
		t.Fatalf("server: %+v", srv)
	}

	if err := c.DestroyAllocation(ctx, 7, 31); err != nil {
		t.Fatalf("DestroyAllocation of missing allocation: %v", err)
	}
}

func TestTransferFiles(t *testing.T) {
	c, p, _ := newTestClient(t)
	p.files["src"] = []string{"world", "server.properties"}

	if err := c.TransferFiles(context.Background(), "src", "dst"); err != nil {
		t.Fatalf("TransferFiles: %v", err)
	}
	want := []string{
		"POST /api/client/servers/src/files/compress",
		"GET /api/client/servers/src/files/download",
		"POST /api/client/servers/dst/files/pull",
		"POST /api/client/servers/dst/files/decompress",
		"POST /api/client/servers/dst/files/delete",
		"POST /api/client/servers/src/files/delete",
	}
	got := strings.Join(p.calls, "\n")
	pos := 0
	for _, w := range want {
		i := strings.Index(got[pos:], w)
		if i < 0 {
			t.Fatalf("missing or out of order %q in calls:\n%s", w, got)
		}
		pos += i + len(w)
	}
}

func TestTransferFilesSkipsEmptySource(t *testing.T) {
	c, p, _ := newTestClient(t)

	if err := c.TransferFiles(context.Background(), "src", "dst"); err != nil {
		t.Fatalf("TransferFiles: %v", err)
	}
	for _, call := range p.calls {
		if strings.Contains(call, "compress") {
			t.Fatalf("compressed an empty volume: %v", p.calls)
		}
	}
}
