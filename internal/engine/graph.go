package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/miradorstack/mirador-responder/internal/agent"
	"github.com/miradorstack/mirador-responder/internal/models"
)

var (
	// ErrEmptyGraph is returned when no stage was added.
	ErrEmptyGraph = errors.New("stage graph has no stages")
	// ErrDuplicateStage is returned when two agents claim the same stage.
	ErrDuplicateStage = errors.New("duplicate stage")
	// ErrUnknownDependency is returned when a stage depends on an absent stage.
	ErrUnknownDependency = errors.New("unknown stage dependency")
)

// CycleError reports the stages forming a dependency cycle.
type CycleError struct {
	Path []models.StageName
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, p := range e.Path {
		parts[i] = string(p)
	}
	return "stage graph cycle: " + strings.Join(parts, " -> ")
}

// Node is one stage of the graph.
type Node struct {
	Agent     agent.Agent
	DependsOn []models.StageName
	// Timeout overrides the coordinator's stage timeout when positive.
	Timeout time.Duration
}

// Stage returns the node's stage name.
func (n Node) Stage() models.StageName { return n.Agent.Stage() }

// GraphBuilder accumulates nodes and validates them on Build.
type GraphBuilder struct {
	nodes map[models.StageName]Node
	order []models.StageName
	errs  []error
}

// NewGraphBuilder returns an empty builder.
func NewGraphBuilder() *GraphBuilder {
	return &GraphBuilder{nodes: make(map[models.StageName]Node)}
}

// Add registers a stage and the stages it waits for.
func (b *GraphBuilder) Add(a agent.Agent, dependsOn ...models.StageName) *GraphBuilder {
	return b.AddNode(Node{Agent: a, DependsOn: dependsOn})
}

// AddNode registers a fully specified node.
func (b *GraphBuilder) AddNode(n Node) *GraphBuilder {
	if n.Agent == nil {
		b.errs = append(b.errs, errors.New("nil stage agent"))
		return b
	}
	stage := n.Stage()
	if _, exists := b.nodes[stage]; exists {
		b.errs = append(b.errs, fmt.Errorf("%w: %s", ErrDuplicateStage, stage))
		return b
	}
	n.DependsOn = append([]models.StageName(nil), n.DependsOn...)
	b.nodes[stage] = n
	b.order = append(b.order, stage)
	return b
}

// Build validates dependencies and cycles and groups stages into waves.
func (b *GraphBuilder) Build() (*Graph, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if len(b.nodes) == 0 {
		return nil, ErrEmptyGraph
	}
	for _, stage := range b.order {
		for _, dep := range b.nodes[stage].DependsOn {
			if _, ok := b.nodes[dep]; !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, stage, dep)
			}
		}
	}
	if err := b.detectCycles(); err != nil {
		return nil, err
	}

	nodes := make(map[models.StageName]Node, len(b.nodes))
	for k, v := range b.nodes {
		nodes[k] = v
	}
	return &Graph{
		nodes: nodes,
		order: append([]models.StageName(nil), b.order...),
		waves: b.layer(),
	}, nil
}

func (b *GraphBuilder) detectCycles() error {
	visited := make(map[models.StageName]bool)
	onPath := make(map[models.StageName]bool)
	var path []models.StageName

	var visit func(stage models.StageName) error
	visit = func(stage models.StageName) error {
		visited[stage] = true
		onPath[stage] = true
		path = append(path, stage)

		for _, dep := range b.nodes[stage].DependsOn {
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
				continue
			}
			if onPath[dep] {
				start := 0
				for i, s := range path {
					if s == dep {
						start = i
						break
					}
				}
				cycle := append(append([]models.StageName(nil), path[start:]...), dep)
				return &CycleError{Path: cycle}
			}
		}

		path = path[:len(path)-1]
		onPath[stage] = false
		return nil
	}

	for _, stage := range b.order {
		if !visited[stage] {
			if err := visit(stage); err != nil {
				return err
			}
		}
	}
	return nil
}

// layer groups stages by longest dependency depth, keeping insertion order
// inside a wave.
func (b *GraphBuilder) layer() [][]models.StageName {
	depth := make(map[models.StageName]int, len(b.nodes))
	var depthOf func(stage models.StageName) int
	depthOf = func(stage models.StageName) int {
		if d, ok := depth[stage]; ok {
			return d
		}
		d := 0
		for _, dep := range b.nodes[stage].DependsOn {
			if dd := depthOf(dep) + 1; dd > d {
				d = dd
			}
		}
		depth[stage] = d
		return d
	}

	var waves [][]models.StageName
	for _, stage := range b.order {
		d := depthOf(stage)
		for len(waves) <= d {
			waves = append(waves, nil)
		}
		waves[d] = append(waves[d], stage)
	}
	return waves
}

// Graph is a validated, immutable stage graph.
type Graph struct {
	nodes map[models.StageName]Node
	order []models.StageName
	waves [][]models.StageName
}

// Waves returns the stages grouped so every stage follows all of its
// dependencies.
func (g *Graph) Waves() [][]models.StageName {
	out := make([][]models.StageName, len(g.waves))
	for i, w := range g.waves {
		out[i] = append([]models.StageName(nil), w...)
	}
	return out
}

// Stages returns every stage in registration order.
func (g *Graph) Stages() []models.StageName {
	return append([]models.StageName(nil), g.order...)
}

// Node returns the node registered for stage.
func (g *Graph) Node(stage models.StageName) (Node, bool) {
	n, ok := g.nodes[stage]
	return n, ok
}

// Stages bundles the six incident agents.
type Stages struct {
	Triage          agent.Agent
	Telemetry       agent.Agent
	GuardrailInputs agent.Agent
	Risk            agent.Agent
	Remediation     agent.Agent
	Communications  agent.Agent
}

// IncidentGraph wires the incident pipeline: triage first, telemetry and
// guardrail lookups in parallel, then risk, remediation and communications.
func IncidentGraph(s Stages) (*Graph, error) {
	return NewGraphBuilder().
		Add(s.Triage).
		Add(s.Telemetry, models.StageTriage).
		Add(s.GuardrailInputs, models.StageTriage).
		Add(s.Risk, models.StageTelemetry, models.StageGuardrailInputs).
		Add(s.Remediation, models.StageTriage, models.StageRisk).
		Add(s.Communications,
			models.StageTriage,
			models.StageTelemetry,
			models.StageGuardrailInputs,
			models.StageRisk,
			models.StageRemediation,
		).
		Build()
}
