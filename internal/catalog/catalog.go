package catalog

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Specification is a sellable server size and the panel egg it runs.
type Specification struct {
	ID              string            `yaml:"id"`
	CloudServerType string            `yaml:"cloudServerType"`
	MemoryMB        int               `yaml:"memoryMb"`
	DiskMB          int               `yaml:"diskMb"`
	CPU             int               `yaml:"cpu"`
	EggID           int               `yaml:"eggId"`
	DockerImage     string            `yaml:"dockerImage"`
	Startup         string            `yaml:"startup"`
	Environment     map[string]string `yaml:"environment"`
}

// Region maps a billing region onto provider locations.
type Region struct {
	ID              string `yaml:"id"`
	CloudLocation   string `yaml:"cloudLocation"`
	PanelLocationID int    `yaml:"panelLocationId"`
}

type Catalog struct {
	specs   map[string]Specification
	regions map[string]Region
}

type file struct {
	Specifications []Specification `yaml:"specifications"`
	Regions        []Region        `yaml:"regions"`
}

func Load(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog")
	}
	return Parse(b)
}

func Parse(b []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "decode catalog")
	}
	return New(f.Specifications, f.Regions)
}

func New(specs []Specification, regions []Region) (*Catalog, error) {
	c := &Catalog{
		specs:   make(map[string]Specification, len(specs)),
		regions: make(map[string]Region, len(regions)),
	}
	for _, s := range specs {
		if s.ID == "" {
			return nil, errors.New("specification without id")
		}
		if _, dup := c.specs[s.ID]; dup {
			return nil, errors.Errorf("duplicate specification %q", s.ID)
		}
		c.specs[s.ID] = s
	}
	for _, r := range regions {
		if r.ID == "" {
			return nil, errors.New("region without id")
		}
		if _, dup := c.regions[r.ID]; dup {
			return nil, errors.Errorf("duplicate region %q", r.ID)
		}
		c.regions[r.ID] = r
	}
	return c, nil
}

func (c *Catalog) Specification(id string) (Specification, error) {
	s, ok := c.specs[id]
	if !ok {
		return Specification{}, errors.Errorf("unknown specification %q", id)
	}
	return s, nil
}

func (c *Catalog) Region(id string) (Region, error) {
	r, ok := c.regions[id]
	if !ok {
		return Region{}, errors.Errorf("unknown region %q", id)
	}
	return r, nil
}
