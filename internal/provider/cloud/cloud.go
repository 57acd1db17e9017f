// Package cloud provisions virtual machines through the Hetzner Cloud API.
package cloud

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/provider/httpx"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
)

type Client struct {
	api          *httpx.Client
	image        string
	sshKeys      []string
	pollInterval time.Duration
	log          *zap.Logger
}

func New(cfg config.Cloud, limiter httpx.Limiter, log *zap.Logger) *Client {
	log = logging.OrNop(log)
	return &Client{
		api: httpx.New("cloud", cfg.BaseURL,
			httpx.WithBearer(cfg.Token),
			httpx.WithLimiter(limiter),
			httpx.WithLogger(log)),
		image:        cfg.Image,
		sshKeys:      cfg.SSHKeys,
		pollInterval: 5 * time.Second,
		log:          log.With(zap.String("component", "cloud")),
	}
}

type server struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	PublicNet struct {
		IPv4 struct {
			IP string `json:"ip"`
		} `json:"ipv4"`
	} `json:"public_net"`
}

type createServerRequest struct {
	Name       string            `json:"name"`
	ServerType string            `json:"server_type"`
	Image      string            `json:"image"`
	Location   string            `json:"location"`
	SSHKeys    []string          `json:"ssh_keys,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

func handle(s server) saga.NodeHandle {
	return saga.NodeHandle{ID: s.ID, IPv4: s.PublicNet.IPv4.IP}
}

// findNode returns the server named exactly name, if there is one.
func (c *Client) findNode(ctx context.Context, name string) (server, bool, error) {
	var resp struct {
		Servers []server `json:"servers"`
	}
	q := url.Values{"name": {name}}
	if err := c.api.Do(ctx, http.MethodGet, "/servers?"+q.Encode(), nil, &resp); err != nil {
		return server{}, false, errors.Wrapf(err, "look up server %s", name)
	}
	for _, s := range resp.Servers {
		if s.Name == name {
			return s, true, nil
		}
	}
	return server{}, false, nil
}

// CreateNode creates a server called name. A server that already carries the
// name is adopted instead, so a retried build does not leak machines.
func (c *Client) CreateNode(ctx context.Context, name string, spec catalog.Specification, region catalog.Region) (saga.NodeHandle, error) {
	if existing, ok, err := c.findNode(ctx, name); err != nil {
		return saga.NodeHandle{}, err
	} else if ok {
		c.log.Info("cloud node adopted", zap.Int64("node", existing.ID), zap.String("name", name))
		return handle(existing), nil
	}

	req := createServerRequest{
		Name:       name,
		ServerType: spec.CloudServerType,
		Image:      c.image,
		Location:   region.CloudLocation,
		SSHKeys:    c.sshKeys,
		Labels:     map[string]string{"managed-by": "hosting-platform", "specification": spec.ID},
	}
	var resp struct {
		Server server `json:"server"`
	}
	err := c.api.Do(ctx, http.MethodPost, "/servers", req, &resp)
	if httpx.IsStatus(err, http.StatusConflict) {
		// created concurrently between the lookup and the POST
		existing, ok, ferr := c.findNode(ctx, name)
		if ferr == nil && ok {
			c.log.Info("cloud node adopted", zap.Int64("node", existing.ID), zap.String("name", name))
			return handle(existing), nil
		}
	}
	if err != nil {
		return saga.NodeHandle{}, errors.Wrapf(err, "create server %s", name)
	}
	if resp.Server.ID == 0 {
		return saga.NodeHandle{}, errors.Errorf("create server %s: no id in response", name)
	}
	c.log.Info("cloud node created",
		zap.Int64("node", resp.Server.ID),
		zap.String("name", name),
		zap.String("ipv4", resp.Server.PublicNet.IPv4.IP))
	return handle(resp.Server), nil
}

// DeleteNode succeeds when the server is already gone.
func (c *Client) DeleteNode(ctx context.Context, id int64) error {
	err := c.api.Do(ctx, http.MethodDelete, "/servers/"+strconv.FormatInt(id, 10), nil, nil)
	return errors.Wrapf(httpx.IgnoreNotFound(err), "delete server %d", id)
}

func (c *Client) status(ctx context.Context, id int64) (string, error) {
	var resp struct {
		Server server `json:"server"`
	}
	if err := c.api.Do(ctx, http.MethodGet, "/servers/"+strconv.FormatInt(id, 10), nil, &resp); err != nil {
		return "", err
	}
	return resp.Server.Status, nil
}

// WaitForStatus polls until the server reports status. It returns false,
// not an error, when timeout passes first.
func (c *Client) WaitForStatus(ctx context.Context, id int64, status string, timeout time.Duration) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(c.pollInterval)
	defer tick.Stop()

	for {
		got, err := c.status(ctx, id)
		if err != nil {
			return false, errors.Wrapf(err, "server %d status", id)
		}
		if got == status {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			c.log.Warn("cloud node not ready", zap.Int64("node", id), zap.String("status", got))
			return false, nil
		case <-tick.C:
		}
	}
}
