// Package panel drives the Pterodactyl panel: the application API for nodes,
// allocations and servers, the client API for power, subusers and files, and
// SSH for pushing the daemon configuration onto a fresh node.
package panel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
	"github.com/samuelmjordan/hosting-platform-api/internal/config"
	"github.com/samuelmjordan/hosting-platform-api/internal/logging"
	"github.com/samuelmjordan/hosting-platform-api/internal/provider/httpx"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
)

const wingsConfigPath = "/etc/pterodactyl/config.yml"

var subuserPermissions = []string{
	"control.console", "control.start", "control.stop", "control.restart",
	"file.read", "file.read-content", "file.create", "file.update", "file.delete",
	"file.archive", "file.sftp", "backup.read", "backup.create",
}

type Client struct {
	app             *httpx.Client
	client          *httpx.Client
	shell           Shell
	ownerUserID     int
	pollInterval    time.Duration
	transferTimeout time.Duration
	log             *zap.Logger
}

func New(cfg config.Panel, shell Shell, limiter httpx.Limiter, log *zap.Logger) *Client {
	log = logging.OrNop(log)
	return &Client{
		app: httpx.New("panel", cfg.BaseURL,
			httpx.WithBearer(cfg.ApplicationKey),
			httpx.WithLimiter(limiter),
			httpx.WithLogger(log)),
		client: httpx.New("panel-client", cfg.BaseURL,
			httpx.WithBearer(cfg.ClientKey),
			httpx.WithLimiter(limiter),
			httpx.WithLogger(log)),
		shell:           shell,
		ownerUserID:     cfg.OwnerUserID,
		pollInterval:    5 * time.Second,
		transferTimeout: 30 * time.Minute,
		log:             log.With(zap.String("component", "panel")),
	}
}

type object[T any] struct {
	Attributes T `json:"attributes"`
}

type list[T any] struct {
	Data []object[T] `json:"data"`
	Meta struct {
		Pagination struct {
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

type nodeRequest struct {
	Name               string `json:"name"`
	LocationID         int    `json:"location_id"`
	FQDN               string `json:"fqdn"`
	Scheme             string `json:"scheme"`
	Memory             int    `json:"memory"`
	MemoryOverallocate int    `json:"memory_overallocate"`
	Disk               int    `json:"disk"`
	DiskOverallocate   int    `json:"disk_overallocate"`
	UploadSize         int    `json:"upload_size"`
	DaemonSFTP         int    `json:"daemon_sftp"`
	DaemonListen       int    `json:"daemon_listen"`
}

type nodeAttributes struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	FQDN string `json:"fqdn"`
}

func (c *Client) findNode(ctx context.Context, fqdn string) (*nodeAttributes, error) {
	var out list[nodeAttributes]
	q := url.Values{"filter[fqdn]": {fqdn}}
	if err := c.app.Do(ctx, http.MethodGet, "/api/application/nodes?"+q.Encode(), nil, &out); err != nil {
		return nil, errors.Wrapf(err, "look up panel node %s", fqdn)
	}
	for _, o := range out.Data {
		if n := o.Attributes; n.FQDN == fqdn {
			return &n, nil
		}
	}
	return nil, nil
}

// CreateNode registers the machine behind a with the panel. A node already
// registered under the same fqdn is returned as is.
func (c *Client) CreateNode(ctx context.Context, a saga.ARecord, spec catalog.Specification, region catalog.Region) (saga.PanelNode, error) {
	existing, err := c.findNode(ctx, a.Name)
	if err != nil {
		return saga.PanelNode{}, err
	}
	if existing != nil {
		c.log.Info("panel node adopted", zap.Int64("node", existing.ID), zap.String("fqdn", a.Name))
		return saga.PanelNode{ID: existing.ID}, nil
	}

	req := nodeRequest{
		Name:         a.Name,
		LocationID:   region.PanelLocationID,
		FQDN:         a.Name,
		Scheme:       "https",
		Memory:       spec.MemoryMB,
		Disk:         spec.DiskMB,
		UploadSize:   100,
		DaemonSFTP:   2022,
		DaemonListen: 8080,
	}
	var out object[nodeAttributes]
	if err := c.app.Do(ctx, http.MethodPost, "/api/application/nodes", req, &out); err != nil {
		return saga.PanelNode{}, errors.Wrapf(err, "create panel node %s", a.Name)
	}
	c.log.Info("panel node created", zap.Int64("node", out.Attributes.ID), zap.String("fqdn", a.Name))
	return saga.PanelNode{ID: out.Attributes.ID}, nil
}

// ConfigureNode fetches the daemon configuration the panel generated for
// nodeID and installs it on the machine, then (re)starts the daemon.
func (c *Client) ConfigureNode(ctx context.Context, nodeID int64, a saga.ARecord, ipv4 string) error {
	if c.shell == nil {
		return errors.New("no ssh shell configured for node setup")
	}
	raw, err := c.app.Raw(ctx, http.MethodGet, "/api/application/nodes/"+itoa(nodeID)+"/configuration")
	if err != nil {
		return errors.Wrapf(err, "fetch configuration of node %d", nodeID)
	}
	conf, err := wingsYAML(raw)
	if err != nil {
		return errors.Wrapf(err, "node %d configuration", nodeID)
	}
	host := ipv4
	if host == "" {
		host = a.Name
	}
	cmd := "mkdir -p /etc/pterodactyl && cat > " + wingsConfigPath + " && systemctl enable --now wings && systemctl restart wings"
	if err := c.shell.Run(ctx, host, conf, cmd); err != nil {
		return errors.Wrapf(err, "install configuration on %s", host)
	}
	c.log.Info("panel node configured", zap.Int64("node", nodeID), zap.String("host", host))
	return nil
}

// wingsYAML re-encodes the panel's JSON configuration as the YAML file the
// daemon reads.
func wingsYAML(raw []byte) ([]byte, error) {
	var conf map[string]any
	if err := json.Unmarshal(raw, &conf); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	if len(conf) == 0 {
		return nil, errors.New("empty configuration")
	}
	return yaml.Marshal(conf)
}

type allocation struct {
	ID       int64  `json:"id"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	Assigned bool   `json:"assigned"`
}

// CreateAllocation registers ip:port on the node. The panel answers with no
// body, so the allocation is looked up afterwards.
func (c *Client) CreateAllocation(ctx context.Context, nodeID int64, ip string, port int) (saga.Allocation, error) {
	path := "/api/application/nodes/" + itoa(nodeID) + "/allocations"
	existing, err := c.findAllocation(ctx, path, ip, port)
	if err != nil {
		return saga.Allocation{}, err
	}
	if existing == nil {
		req := map[string]any{"ip": ip, "ports": []string{strconv.Itoa(port)}}
		if err := c.app.Do(ctx, http.MethodPost, path, req, nil); err != nil {
			return saga.Allocation{}, errors.Wrapf(err, "create allocation %s:%d", ip, port)
		}
		if existing, err = c.findAllocation(ctx, path, ip, port); err != nil {
			return saga.Allocation{}, err
		}
		if existing == nil {
			return saga.Allocation{}, errors.Errorf("allocation %s:%d missing after create", ip, port)
		}
	}
	return saga.Allocation{ID: existing.ID, Port: existing.Port}, nil
}

func (c *Client) findAllocation(ctx context.Context, path, ip string, port int) (*allocation, error) {
	for page := 1; ; page++ {
		var out list[allocation]
		q := url.Values{"page": {strconv.Itoa(page)}, "per_page": {"100"}}
		if err := c.app.Do(ctx, http.MethodGet, path+"?"+q.Encode(), nil, &out); err != nil {
			return nil, errors.Wrap(err, "list allocations")
		}
		for _, o := range out.Data {
			if a := o.Attributes; a.IP == ip && a.Port == port {
				return &a, nil
			}
		}
		if page >= out.Meta.Pagination.TotalPages {
			return nil, nil
		}
	}
}

type serverRequest struct {
	Name        string            `json:"name"`
	ExternalID  string            `json:"external_id,omitempty"`
	User        int               `json:"user"`
	Egg         int               `json:"egg"`
	DockerImage string            `json:"docker_image"`
	Startup     string            `json:"startup"`
	Environment map[string]string `json:"environment"`
	Limits      struct {
		Memory int `json:"memory"`
		Swap   int `json:"swap"`
		Disk   int `json:"disk"`
		IO     int `json:"io"`
		CPU    int `json:"cpu"`
	} `json:"limits"`
	FeatureLimits struct {
		Databases   int `json:"databases"`
		Backups     int `json:"backups"`
		Allocations int `json:"allocations"`
	} `json:"feature_limits"`
	Allocation struct {
		Default int64 `json:"default"`
	} `json:"allocation"`
}

type serverAttributes struct {
	ID         int64  `json:"id"`
	Identifier string `json:"identifier"`
}

// CreateServer creates the game server on its allocation. When the request
// carries an external id and the panel already has a server under it, that
// server is returned instead.
func (c *Client) CreateServer(ctx context.Context, r saga.ServerRequest) (saga.PanelServer, error) {
	if r.ExternalID != "" {
		var found object[serverAttributes]
		err := c.app.Do(ctx, http.MethodGet, "/api/application/servers/external/"+url.PathEscape(r.ExternalID), nil, &found)
		switch {
		case err == nil:
			c.log.Info("panel server adopted", zap.Int64("server", found.Attributes.ID), zap.String("external_id", r.ExternalID))
			return saga.PanelServer{ID: found.Attributes.ID, UID: found.Attributes.Identifier}, nil
		case !httpx.IsStatus(err, http.StatusNotFound):
			return saga.PanelServer{}, errors.Wrapf(err, "look up server %s", r.ExternalID)
		}
	}

	req := serverRequest{
		Name:        r.Name,
		ExternalID:  r.ExternalID,
		User:        c.ownerUserID,
		Egg:         r.Spec.EggID,
		DockerImage: r.Spec.DockerImage,
		Startup:     r.Spec.Startup,
		Environment: r.Spec.Environment,
	}
	req.Limits.Memory = r.Spec.MemoryMB
	req.Limits.Disk = r.Spec.DiskMB
	req.Limits.IO = 500
	req.Limits.CPU = r.Spec.CPU
	req.FeatureLimits.Backups = 1
	req.FeatureLimits.Allocations = 1
	req.Allocation.Default = r.Allocation.ID

	var out object[serverAttributes]
	if err := c.app.Do(ctx, http.MethodPost, "/api/application/servers", req, &out); err != nil {
		return saga.PanelServer{}, errors.Wrapf(err, "create server %s", r.Name)
	}
	c.log.Info("panel server created", zap.Int64("server", out.Attributes.ID), zap.String("uid", out.Attributes.Identifier))
	return saga.PanelServer{ID: out.Attributes.ID, UID: out.Attributes.Identifier}, nil
}

func (c *Client) StartServer(ctx context.Context, uid string) error {
	err := c.client.Do(ctx, http.MethodPost, "/api/client/servers/"+uid+"/power", map[string]string{"signal": "start"}, nil)
	return errors.Wrapf(err, "start server %s", uid)
}

// CreateSubuser grants email access to the server. An existing subuser is
// not an error.
func (c *Client) CreateSubuser(ctx context.Context, uid, email string) error {
	req := map[string]any{"email": email, "permissions": subuserPermissions}
	err := c.client.Do(ctx, http.MethodPost, "/api/client/servers/"+uid+"/users", req, nil)
	if httpx.IsStatus(err, http.StatusBadRequest) || httpx.IsStatus(err, http.StatusConflict) {
		c.log.Warn("subuser not created, assuming it exists", zap.String("server", uid), zap.Error(err))
		return nil
	}
	return errors.Wrapf(err, "create subuser on %s", uid)
}

func (c *Client) DestroyNode(ctx context.Context, id int64) error {
	err := c.app.Do(ctx, http.MethodDelete, "/api/application/nodes/"+itoa(id), nil, nil)
	return errors.Wrapf(httpx.IgnoreNotFound(err), "destroy node %d", id)
}

func (c *Client) DestroyServer(ctx context.Context, id int64) error {
	err := c.app.Do(ctx, http.MethodDelete, "/api/application/servers/"+itoa(id)+"/force", nil, nil)
	return errors.Wrapf(httpx.IgnoreNotFound(err), "destroy server %d", id)
}

func (c *Client) DestroyAllocation(ctx context.Context, nodeID, allocationID int64) error {
	err := c.app.Do(ctx, http.MethodDelete, "/api/application/nodes/"+itoa(nodeID)+"/allocations/"+itoa(allocationID), nil, nil)
	return errors.Wrapf(httpx.IgnoreNotFound(err), "destroy allocation %d on node %d", allocationID, nodeID)
}
