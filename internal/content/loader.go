// Package content loads authored flows and progression requirements from YAML.
//
// A content file holds any number of flows and requirements:
//
//	flows:
//	  - id: kapoor-intro
//	    character: kapoor
//	    initial: intro
//	    critical_type: item-acquisition
//	    states:
//	      - id: intro
//	        kind: intro
//	        on_enter:
//	          - kind: mark_concept
//	            concept: dosimetry
//	            amount: 1
//	requirements:
//	  - id: after-lab
//	    granting_node: lab-1
package content

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/aretw0/storyguard/internal/logging"
	"github.com/aretw0/storyguard/internal/validator"
	"github.com/aretw0/storyguard/pkg/adapters/memory"
	"github.com/aretw0/storyguard/pkg/domain"
)

type fileDoc struct {
	Flows        []flowDoc               `yaml:"flows"`
	Requirements []validator.Requirement `yaml:"requirements"`
}

type flowDoc struct {
	ID           string                 `yaml:"id"`
	CharacterID  string                 `yaml:"character"`
	NodeID       string                 `yaml:"node"`
	Initial      string                 `yaml:"initial"`
	CriticalType domain.TransactionType `yaml:"critical_type"`
	Routes       *routesDoc             `yaml:"routes"`
	States       []stateDoc             `yaml:"states"`
}

type stateDoc struct {
	domain.DialogueState `yaml:",inline"`

	OnEnter []effectDoc `yaml:"on_enter"`
	OnExit  []effectDoc `yaml:"on_exit"`
}

type routesDoc struct {
	Excellence            string `yaml:"excellence"`
	ExcellenceThreshold   *int   `yaml:"excellence_threshold"`
	NeedsImprovement      string `yaml:"needs_improvement"`
	NeedsImprovementBelow *int   `yaml:"needs_improvement_below"`
}

// Bundle is the result of loading one or more content files.
type Bundle struct {
	Flows        []*domain.DialogueFlow
	Requirements []validator.Requirement
}

// Catalog indexes the bundle's flows by id.
func (b *Bundle) Catalog() *memory.Catalog {
	return memory.NewCatalog(b.Flows...)
}

// Loader decodes content files.
type Loader struct {
	maxVisits             int
	excellenceThreshold   int
	needsImprovementBelow int
	logger                *slog.Logger
}

// Option configures the Loader.
type Option func(*Loader)

// WithMaxVisits sets the loop bound applied to states that do not declare one.
func WithMaxVisits(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxVisits = n
		}
	}
}

// WithRouteThresholds sets the score thresholds applied to routes that omit them.
func WithRouteThresholds(excellence, needsImprovementBelow int) Option {
	return func(l *Loader) {
		l.excellenceThreshold = excellence
		l.needsImprovementBelow = needsImprovementBelow
	}
}

// WithLogger configures the loader logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader with engine defaults.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		maxVisits:             domain.DefaultMaxVisits,
		excellenceThreshold:   domain.DefaultExcellenceThreshold,
		needsImprovementBelow: domain.DefaultNeedsImprovementThreshold,
		logger:                logging.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "content")
	return l
}

// Parse decodes a single YAML document.
func (l *Loader) Parse(data []byte) (*Bundle, error) {
	var doc fileDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse content: %w", err)
	}

	bundle := &Bundle{Requirements: doc.Requirements}
	for i, req := range doc.Requirements {
		if req.ID == "" {
			return nil, fmt.Errorf("requirement #%d missing id", i+1)
		}
	}

	var errs []error
	for _, fd := range doc.Flows {
		flow, err := l.build(fd)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bundle.Flows = append(bundle.Flows, flow)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return bundle, nil
}

func (l *Loader) build(fd flowDoc) (*domain.DialogueFlow, error) {
	if fd.ID == "" {
		return nil, errors.New("flow missing id")
	}

	def := domain.FlowDefinition{
		ID:             fd.ID,
		CharacterID:    fd.CharacterID,
		NodeID:         fd.NodeID,
		InitialStateID: fd.Initial,
		CriticalType:   fd.CriticalType,
		States:         make([]domain.DialogueState, 0, len(fd.States)),
	}
	for _, sd := range fd.States {
		st := sd.DialogueState
		if st.MaxVisits == 0 {
			st.MaxVisits = l.maxVisits
		}
		st.OnEnter = effects(sd.OnEnter)
		st.OnExit = effects(sd.OnExit)
		def.States = append(def.States, st)
	}
	if r := fd.Routes; r != nil {
		def.Routes = &domain.ConclusionRoutes{
			ExcellenceStateID:       r.Excellence,
			ExcellenceThreshold:     l.excellenceThreshold,
			NeedsImprovementStateID: r.NeedsImprovement,
			NeedsImprovementBelow:   l.needsImprovementBelow,
		}
		if r.ExcellenceThreshold != nil {
			def.Routes.ExcellenceThreshold = *r.ExcellenceThreshold
		}
		if r.NeedsImprovementBelow != nil {
			def.Routes.NeedsImprovementBelow = *r.NeedsImprovementBelow
		}
	}

	flow, err := domain.NewFlow(def)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateGraph(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// LoadFile reads and parses a single content file.
func (l *Loader) LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read content: %w", err)
	}
	b, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// LoadDir parses every .yaml and .yml file under dir, in lexical order.
// Flow ids must be unique across files.
func (l *Loader) LoadDir(dir string) (*Bundle, error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk content dir: %w", err)
	}
	slices.Sort(paths)

	out := &Bundle{}
	seen := make(map[string]string)
	for _, path := range paths {
		b, err := l.LoadFile(path)
		if err != nil {
			return nil, err
		}
		for _, f := range b.Flows {
			if prev, dup := seen[f.ID()]; dup {
				return nil, fmt.Errorf("flow '%s' defined in both %s and %s", f.ID(), prev, path)
			}
			seen[f.ID()] = path
		}
		out.Flows = append(out.Flows, b.Flows...)
		out.Requirements = append(out.Requirements, b.Requirements...)
		l.logger.Debug("content loaded", "path", path, "flows", len(b.Flows), "requirements", len(b.Requirements))
	}
	return out, nil
}
