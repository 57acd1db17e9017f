package dns

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/samuelmjordan/hosting-platform-api/internal/config"
)

// fakeZone is an in-memory Cloudflare zone.
type fakeZone struct {
	records map[string]record
	next    int
}

func (z *fakeZone) router() http.Handler {
	r := chi.NewRouter()
	r.Route("/zones/z1/dns_records", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			var out []record
			for _, rec := range z.records {
				if rec.Type == req.URL.Query().Get("type") && rec.Name == req.URL.Query().Get("name") {
					out = append(out, rec)
				}
			}
			json.NewEncoder(w).Encode(envelope[[]record]{Success: true, Result: out})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var in record
			json.NewDecoder(req.Body).Decode(&in)
			z.next++
			in.ID = "rec-" + string(rune('0'+z.next))
			z.records[in.ID] = in
			json.NewEncoder(w).Encode(envelope[record]{Success: true, Result: in})
		})
		r.Put("/{id}", func(w http.ResponseWriter, req *http.Request) {
			var in record
			json.NewDecoder(req.Body).Decode(&in)
			in.ID = chi.URLParam(req, "id")
			z.records[in.ID] = in
			json.NewEncoder(w).Encode(envelope[record]{Success: true, Result: in})
		})
		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			id := chi.URLParam(req, "id")
			if _, ok := z.records[id]; !ok {
				w.WriteHeader(http.StatusNotFound)
				w.Write([]byte(`{"success":false,"errors":[{"code":81044,"message":"Record does not exist."}]}`))
				return
			}
			delete(z.records, id)
			json.NewEncoder(w).Encode(map[string]any{"success": true, "result": map[string]string{"id": id}})
		})
	})
	return r
}

func newTestClient(t *testing.T) (*Client, *fakeZone) {
	t.Helper()
	z := &fakeZone{records: map[string]record{}}
	srv := httptest.NewServer(z.router())
	t.Cleanup(srv.Close)
	c := New(config.DNS{BaseURL: srv.URL, Token: "tok", ZoneID: "z1", Domain: "example.net."}, nil, nil)
	return c, z
}

func TestCreateARecord(t *testing.T) {
	c, z := newTestClient(t)

	a, err := c.CreateARecord(context.Background(), "node-a", "203.0.113.9")
	if err != nil {
		t.Fatalf("CreateARecord: %v", err)
	}
	if a.Name != "node-a.example.net" || a.ID == "" {
		t.Fatalf("record: %+v", a)
	}
	if got := z.records[a.ID]; got.Type != "A" || got.Content != "203.0.113.9" {
		t.Errorf("stored record: %+v", got)
	}
}

func TestCreateARecordReusesRecordWithSameName(t *testing.T) {
	c, z := newTestClient(t)
	ctx := context.Background()

	first, err := c.CreateARecord(ctx, "node-a", "203.0.113.9")
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	again, err := c.CreateARecord(ctx, "node-a", "203.0.113.9")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again != first {
		t.Fatalf("record not reused: %+v then %+v", first, again)
	}
	moved, err := c.CreateARecord(ctx, "node-a", "203.0.113.10")
	if err != nil {
		t.Fatalf("re-point: %v", err)
	}
	if moved.ID != first.ID {
		t.Fatalf("re-point created a new record: %s", moved.ID)
	}
	if len(z.records) != 1 {
		t.Fatalf("zone holds %d records, want 1", len(z.records))
	}
	if got := z.records[first.ID].Content; got != "203.0.113.10" {
		t.Errorf("content = %s", got)
	}
}

func TestCNameIsUpsertedBySubdomain(t *testing.T) {
	c, z := newTestClient(t)
	ctx := context.Background()

	first, err := c.CreateOrUpdateCNameRecord(ctx, "node-a.example.net", "mc")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := c.CreateOrUpdateCNameRecord(ctx, "node-b.example.net", "mc")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("CNAME recreated: %s then %s", first.ID, second.ID)
	}
	if got := z.records[first.ID]; got.Name != "mc.example.net" || got.Content != "node-b.example.net" {
		t.Errorf("stored CNAME: %+v", got)
	}
}

func TestDeleteRecordIsIdempotent(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	a, err := c.CreateARecord(ctx, "node-a", "203.0.113.9")
	if err != nil {
		t.Fatalf("CreateARecord: %v", err)
	}
	if err := c.DeleteRecord(ctx, a.ID); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := c.DeleteRecord(ctx, a.ID); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}
