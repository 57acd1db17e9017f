// Package sagatest provides in-memory resource services and a context store
// for exercising sagas without providers or a database.
package sagatest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/samuelmjordan/hosting-platform-api/internal/catalog"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
)

// Calls records provider calls in order and injects failures by call name.
type Calls struct {
	mu     sync.Mutex
	log    []string
	failOn map[string]error
}

func (c *Calls) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, call)
	if err, ok := c.failOn[call]; ok {
		return err
	}
	return nil
}

// FailOn makes every call with the given name return err.
func (c *Calls) FailOn(call string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn == nil {
		c.failOn = make(map[string]error)
	}
	c.failOn[call] = err
}

// Clear removes an injected failure.
func (c *Calls) Clear(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failOn, call)
}

func (c *Calls) Log() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func (c *Calls) Count(call string) int {
	n := 0
	for _, l := range c.Log() {
		if l == call {
			n++
		}
	}
	return n
}

type Cloud struct {
	*Calls
	mu    sync.Mutex
	next  int64
	Nodes map[int64]string
}

func NewCloud(calls *Calls) *Cloud {
	return &Cloud{Calls: calls, next: 100, Nodes: make(map[int64]string)}
}

func nodeIP(id int64) string { return fmt.Sprintf("10.0.0.%d", id%250) }

// CreateNode returns the live node already named name, like the real API's
// lookup before create.
func (c *Cloud) CreateNode(_ context.Context, name string, _ catalog.Specification, _ catalog.Region) (saga.NodeHandle, error) {
	if err := c.record("cloud.CreateNode"); err != nil {
		return saga.NodeHandle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, n := range c.Nodes {
		if n == name {
			return saga.NodeHandle{ID: id, IPv4: nodeIP(id)}, nil
		}
	}
	c.next++
	c.Nodes[c.next] = name
	return saga.NodeHandle{ID: c.next, IPv4: nodeIP(c.next)}, nil
}

func (c *Cloud) DeleteNode(_ context.Context, id int64) error {
	if err := c.record("cloud.DeleteNode"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Nodes, id)
	return nil
}

func (c *Cloud) WaitForStatus(context.Context, int64, string, time.Duration) (bool, error) {
	if err := c.record("cloud.WaitForStatus"); err != nil {
		return false, err
	}
	return true, nil
}

type DNS struct {
	*Calls
	mu      sync.Mutex
	next    int
	Records map[string]string
	hosts   map[string]string
	cnames  map[string]string
}

func NewDNS(calls *Calls) *DNS {
	return &DNS{
		Calls:   calls,
		Records: make(map[string]string),
		hosts:   make(map[string]string),
		cnames:  make(map[string]string),
	}
}

func (d *DNS) CreateARecord(_ context.Context, name, ip string) (saga.ARecord, error) {
	if err := d.record("dns.CreateARecord"); err != nil {
		return saga.ARecord{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	host := name + ".example.net"
	id, ok := d.hosts[host]
	if !ok {
		d.next++
		id = fmt.Sprintf("a-%d", d.next)
		d.hosts[host] = id
	}
	d.Records[id] = ip
	return saga.ARecord{ID: id, Name: host}, nil
}

func (d *DNS) CreateOrUpdateCNameRecord(_ context.Context, target, subdomain string) (saga.CNameRecord, error) {
	if err := d.record("dns.CreateOrUpdateCNameRecord"); err != nil {
		return saga.CNameRecord{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.cnames[subdomain]; ok {
		d.Records[id] = target
		return saga.CNameRecord{ID: id}, nil
	}
	d.next++
	id := fmt.Sprintf("cname-%d", d.next)
	d.cnames[subdomain] = id
	d.Records[id] = target
	return saga.CNameRecord{ID: id}, nil
}

func (d *DNS) DeleteRecord(_ context.Context, id string) error {
	if err := d.record("dns.DeleteRecord"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.Records, id)
	for _, m := range []map[string]string{d.hosts, d.cnames} {
		for name, rid := range m {
			if rid == id {
				delete(m, name)
			}
		}
	}
	return nil
}

// Target returns what a record currently points at.
func (d *DNS) Target(id string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.Records[id]
}

type Panel struct {
	*Calls
	mu          sync.Mutex
	next        int64
	Nodes       map[int64]bool
	Allocations map[int64]int64
	Servers     map[int64]string
	Running     map[string]bool
	Transfers   [][2]string
	Subusers    map[string]string
	fqdns       map[int64]string
	ports       map[int64]int
	externalIDs map[int64]string
}

func NewPanel(calls *Calls) *Panel {
	return &Panel{
		Calls:       calls,
		next:        1000,
		Nodes:       make(map[int64]bool),
		Allocations: make(map[int64]int64),
		Servers:     make(map[int64]string),
		Running:     make(map[string]bool),
		Subusers:    make(map[string]string),
		fqdns:       make(map[int64]string),
		ports:       make(map[int64]int),
		externalIDs: make(map[int64]string),
	}
}

func (p *Panel) id() int64 {
	p.next++
	return p.next
}

func (p *Panel) CreateNode(_ context.Context, a saga.ARecord, _ catalog.Specification, _ catalog.Region) (saga.PanelNode, error) {
	if err := p.record("panel.CreateNode"); err != nil {
		return saga.PanelNode{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, fqdn := range p.fqdns {
		if fqdn == a.Name {
			return saga.PanelNode{ID: id}, nil
		}
	}
	id := p.id()
	p.Nodes[id] = false
	p.fqdns[id] = a.Name
	return saga.PanelNode{ID: id}, nil
}

func (p *Panel) ConfigureNode(_ context.Context, nodeID int64, _ saga.ARecord, _ string) error {
	if err := p.record("panel.ConfigureNode"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Nodes[nodeID] = true
	return nil
}

func (p *Panel) CreateAllocation(_ context.Context, nodeID int64, _ string, port int) (saga.Allocation, error) {
	if err := p.record("panel.CreateAllocation"); err != nil {
		return saga.Allocation{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, node := range p.Allocations {
		if node == nodeID && p.ports[id] == port {
			return saga.Allocation{ID: id, Port: port}, nil
		}
	}
	id := p.id()
	p.Allocations[id] = nodeID
	p.ports[id] = port
	return saga.Allocation{ID: id, Port: port}, nil
}

func (p *Panel) CreateServer(_ context.Context, r saga.ServerRequest) (saga.PanelServer, error) {
	if err := p.record("panel.CreateServer"); err != nil {
		return saga.PanelServer{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r.ExternalID != "" {
		for id, ext := range p.externalIDs {
			if ext == r.ExternalID {
				return saga.PanelServer{ID: id, UID: p.Servers[id]}, nil
			}
		}
	}
	id := p.id()
	uid := fmt.Sprintf("srv%d", id)
	p.Servers[id] = uid
	p.externalIDs[id] = r.ExternalID
	return saga.PanelServer{ID: id, UID: uid}, nil
}

func (p *Panel) StartServer(_ context.Context, uid string) error {
	if err := p.record("panel.StartServer"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Running[uid] = true
	return nil
}

func (p *Panel) CreateSubuser(_ context.Context, uid, email string) error {
	if err := p.record("panel.CreateSubuser"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Subusers[uid] = email
	return nil
}

func (p *Panel) DestroyNode(_ context.Context, id int64) error {
	if err := p.record("panel.DestroyNode"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Nodes, id)
	delete(p.fqdns, id)
	return nil
}

func (p *Panel) DestroyServer(_ context.Context, id int64) error {
	if err := p.record("panel.DestroyServer"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Servers, id)
	delete(p.externalIDs, id)
	return nil
}

func (p *Panel) DestroyAllocation(_ context.Context, _, allocationID int64) error {
	if err := p.record("panel.DestroyAllocation"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.Allocations, allocationID)
	delete(p.ports, allocationID)
	return nil
}

func (p *Panel) TransferFiles(_ context.Context, sourceUID, targetUID string) error {
	if err := p.record("panel.TransferFiles"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Transfers = append(p.Transfers, [2]string{sourceUID, targetUID})
	return nil
}

// Store is an in-memory ContextStore that keeps every saved version.
type Store struct {
	mu      sync.Mutex
	rows    map[string]saga.ExecutionContext
	History []saga.ExecutionContext
	Notes   []string
	Deleted []string
	SaveErr error
	// FailSave, when set, can reject individual saves.
	FailSave func(ec saga.ExecutionContext, note string) error
	nowFunc  func() time.Time
}

func NewStore() *Store {
	return &Store{rows: make(map[string]saga.ExecutionContext), nowFunc: time.Now}
}

func (s *Store) SaveContext(_ context.Context, ec saga.ExecutionContext, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SaveErr != nil {
		return s.SaveErr
	}
	if s.FailSave != nil {
		if err := s.FailSave(ec, note); err != nil {
			return err
		}
	}
	ec.UpdatedAt = s.nowFunc()
	s.rows[ec.SubscriptionID] = ec
	s.History = append(s.History, ec)
	s.Notes = append(s.Notes, note)
	return nil
}

func (s *Store) DeleteContext(_ context.Context, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, subscriptionID)
	s.Deleted = append(s.Deleted, subscriptionID)
	return nil
}

// GetContext returns the stored context and whether it exists.
func (s *Store) GetContext(_ context.Context, subscriptionID string) (saga.ExecutionContext, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.rows[subscriptionID]
	return ec, ok, nil
}

// Put seeds a context without recording history.
func (s *Store) Put(ec saga.ExecutionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[ec.SubscriptionID] = ec
}

// Last is the most recently saved version.
func (s *Store) Last() saga.ExecutionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.History) == 0 {
		return saga.ExecutionContext{}
	}
	return s.History[len(s.History)-1]
}

// Catalog returns a catalog with one specification and two regions.
func Catalog() *catalog.Catalog {
	c, err := catalog.New(
		[]catalog.Specification{
			{ID: "spec_2g", CloudServerType: "cx22", MemoryMB: 2048, DiskMB: 20480, CPU: 100, EggID: 3},
			{ID: "spec_4g", CloudServerType: "cx32", MemoryMB: 4096, DiskMB: 40960, CPU: 200, EggID: 3},
		},
		[]catalog.Region{
			{ID: "eu-central", CloudLocation: "nbg1", PanelLocationID: 1},
			{ID: "us-east", CloudLocation: "ash", PanelLocationID: 2},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// Harness wires fakes into an executor.
type Harness struct {
	Calls    *Calls
	Cloud    *Cloud
	DNS      *DNS
	Panel    *Panel
	Store    *Store
	Executor *saga.Executor
}

func NewHarness() *Harness {
	calls := &Calls{}
	h := &Harness{
		Calls: calls,
		Cloud: NewCloud(calls),
		DNS:   NewDNS(calls),
		Panel: NewPanel(calls),
		Store: NewStore(),
	}
	exec, err := saga.New(saga.Deps{
		Store:   h.Store,
		Cloud:   h.Cloud,
		DNS:     h.DNS,
		Panel:   h.Panel,
		Catalog: Catalog(),
	})
	if err != nil {
		panic(err)
	}
	h.Executor = exec
	return h
}
