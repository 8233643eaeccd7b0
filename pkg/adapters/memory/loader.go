package memory

import (
	"fmt"
	"sort"

	"github.com/aretw0/storyguard/pkg/domain"
)

// Catalog implements ports.FlowCatalog using an in-memory map.
type Catalog struct {
	flows map[string]*domain.DialogueFlow
}

// NewCatalog creates a catalog from already built flows.
func NewCatalog(flows ...*domain.DialogueFlow) *Catalog {
	c := &Catalog{flows: make(map[string]*domain.DialogueFlow, len(flows))}
	for _, f := range flows {
		c.flows[f.ID()] = f
	}
	return c
}

// NewFromDefinitions builds every definition and fails on the first invalid one.
// This handles validation automatically, improving DX for tests.
func NewFromDefinitions(defs ...domain.FlowDefinition) (*Catalog, error) {
	c := &Catalog{flows: make(map[string]*domain.DialogueFlow, len(defs))}
	for _, def := range defs {
		if def.ID == "" {
			return nil, fmt.Errorf("flow definition missing ID")
		}
		flow, err := domain.NewFlow(def)
		if err != nil {
			return nil, err
		}
		c.flows[def.ID] = flow
	}
	return c, nil
}

// Flow retrieves a flow by id.
func (c *Catalog) Flow(id string) (*domain.DialogueFlow, error) {
	flow, ok := c.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrFlowNotFound, id)
	}
	return flow, nil
}

// IDs returns all available flow ids.
func (c *Catalog) IDs() []string {
	keys := make([]string, 0, len(c.flows))
	for k := range c.flows {
		keys = append(keys, k)
	}
	sort.Strings(keys) // Deterministic order
	return keys
}
