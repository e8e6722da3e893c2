package router

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/yungbote/huddle-backend/internal/modules/chat/intent"
)

//go:embed agents.yaml
var defaultAgentsYAML []byte

// Agent is a persona the conversation loop runs under.
type Agent struct {
	Name         string         `yaml:"name"`
	Intents      []intent.Label `yaml:"intents"`
	Temperature  float32        `yaml:"temperature"`
	MaxTokens    int            `yaml:"max_tokens"`
	Instructions string         `yaml:"instructions"`
}

type agentFile struct {
	Version int     `yaml:"version"`
	Agents  []Agent `yaml:"agents"`
}

// Catalog maps every intent label onto exactly one agent.
type Catalog struct {
	byName   map[string]Agent
	byIntent map[intent.Label]string
}

// LoadCatalog reads the persona file at path, or the embedded default when
// path is empty.
func LoadCatalog(path string) (*Catalog, error) {
	data := defaultAgentsYAML
	if p := strings.TrimSpace(path); p != "" {
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read agents file: %w", err)
		}
		data = b
	}
	return parseCatalog(data)
}

// DefaultCatalog panics if the embedded file is invalid.
func DefaultCatalog() *Catalog {
	c, err := parseCatalog(defaultAgentsYAML)
	if err != nil {
		panic(err)
	}
	return c
}

func parseCatalog(data []byte) (*Catalog, error) {
	var f agentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agents: %w", err)
	}
	c := &Catalog{byName: map[string]Agent{}, byIntent: map[intent.Label]string{}}
	for _, a := range f.Agents {
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return nil, fmt.Errorf("agent without name")
		}
		if _, dup := c.byName[a.Name]; dup {
			return nil, fmt.Errorf("duplicate agent %q", a.Name)
		}
		if a.MaxTokens <= 0 {
			a.MaxTokens = 600
		}
		for _, l := range a.Intents {
			if !l.Valid() {
				return nil, fmt.Errorf("agent %q: unknown intent %q", a.Name, l)
			}
			if other, taken := c.byIntent[l]; taken {
				return nil, fmt.Errorf("intent %q bound to both %q and %q", l, other, a.Name)
			}
			c.byIntent[l] = a.Name
		}
		c.byName[a.Name] = a
	}
	for _, l := range intent.Labels {
		if _, ok := c.byIntent[l]; !ok {
			return nil, fmt.Errorf("intent %q has no agent", l)
		}
	}
	return c, nil
}

func (c *Catalog) Get(name string) (Agent, bool) {
	a, ok := c.byName[name]
	return a, ok
}

func (c *Catalog) ForIntent(l intent.Label) Agent {
	if name, ok := c.byIntent[l]; ok {
		return c.byName[name]
	}
	return c.byName[c.byIntent[intent.Explore]]
}
