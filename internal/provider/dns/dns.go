// Package dns manages records in the platform zone through the Cloudflare API.
package dns

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/provider/httpx"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
)

type Client struct {
	api    *httpx.Client
	zone   string
	domain string
	log    *zap.Logger
}

func New(cfg config.DNS, limiter httpx.Limiter, log *zap.Logger) *Client {
	log = logging.OrNop(log)
	domain := strings.Trim(cfg.Domain, ".")
	return &Client{
		api: httpx.New("dns", cfg.BaseURL,
			httpx.WithBearer(cfg.Token),
			httpx.WithLimiter(limiter),
			httpx.WithLogger(log)),
		zone:   cfg.ZoneID,
		domain: domain,
		log:    log.With(zap.String("component", "dns")),
	}
}

type record struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type envelope[T any] struct {
	Success bool       `json:"success"`
	Errors  []apiError `json:"errors"`
	Result  T          `json:"result"`
}

func (e envelope[T]) err() error {
	if e.Success {
		return nil
	}
	msgs := make([]string, 0, len(e.Errors))
	for _, a := range e.Errors {
		msgs = append(msgs, a.Message)
	}
	return errors.Errorf("dns api: %s", strings.Join(msgs, "; "))
}

func (c *Client) records() string { return "/zones/" + c.zone + "/dns_records" }

func (c *Client) do(ctx context.Context, method, path string, in any, out interface{ err() error }) error {
	if err := c.api.Do(ctx, method, path, in, out); err != nil {
		return err
	}
	return out.err()
}

// upsert writes in over the first record with the same type and name, or
// creates it. A record that already matches is returned untouched.
func (c *Client) upsert(ctx context.Context, in record) (record, error) {
	var found envelope[[]record]
	q := url.Values{"type": {in.Type}, "name": {in.Name}}
	if err := c.do(ctx, http.MethodGet, c.records()+"?"+q.Encode(), nil, &found); err != nil {
		return record{}, errors.Wrapf(err, "look up %s %s", in.Type, in.Name)
	}

	var out envelope[record]
	if len(found.Result) > 0 {
		existing := found.Result[0]
		if existing.Content == in.Content {
			return existing, nil
		}
		if err := c.do(ctx, http.MethodPut, c.records()+"/"+existing.ID, in, &out); err != nil {
			return record{}, errors.Wrapf(err, "update %s %s", in.Type, in.Name)
		}
		return out.Result, nil
	}
	if err := c.do(ctx, http.MethodPost, c.records(), in, &out); err != nil {
		return record{}, errors.Wrapf(err, "create %s %s", in.Type, in.Name)
	}
	return out.Result, nil
}

// CreateARecord points <name>.<domain> at ip. Calling it again for the same
// name returns the record already in the zone.
func (c *Client) CreateARecord(ctx context.Context, name, ip string) (saga.ARecord, error) {
	fqdn := name + "." + c.domain
	rec, err := c.upsert(ctx, record{Type: "A", Name: fqdn, Content: ip, TTL: 1})
	if err != nil {
		return saga.ARecord{}, err
	}
	c.log.Info("A record set", zap.String("name", fqdn), zap.String("ip", ip))
	return saga.ARecord{ID: rec.ID, Name: fqdn}, nil
}

// CreateOrUpdateCNameRecord points <subdomain>.<domain> at target, reusing
// an existing record of that name.
func (c *Client) CreateOrUpdateCNameRecord(ctx context.Context, target, subdomain string) (saga.CNameRecord, error) {
	name := subdomain + "." + c.domain
	rec, err := c.upsert(ctx, record{Type: "CNAME", Name: name, Content: target, TTL: 1})
	if err != nil {
		return saga.CNameRecord{}, err
	}
	c.log.Info("CNAME record set", zap.String("name", name), zap.String("target", target))
	return saga.CNameRecord{ID: rec.ID}, nil
}

// DeleteRecord succeeds when the record is already gone.
func (c *Client) DeleteRecord(ctx context.Context, id string) error {
	var out envelope[struct {
		ID string `json:"id"`
	}]
	err := c.do(ctx, http.MethodDelete, c.records()+"/"+id, nil, &out)
	return errors.Wrapf(httpx.IgnoreNotFound(err), "delete record %s", id)
}
