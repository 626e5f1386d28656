// Package workflow defines the declarative workflow model: immutable
// definitions identified by (name, version), their typed node graph, and the
// input/output parameter schemas. Definitions are validated structurally at
// registration and instance inputs are validated against the declared
// parameter schema at submission.
package workflow

import "time"

// DefinitionStatus gates what a definition may be used for. Only active
// definitions are instantiable.
type DefinitionStatus string

const (
	StatusDraft    DefinitionStatus = "draft"
	StatusActive   DefinitionStatus = "active"
	StatusArchived DefinitionStatus = "archived"
)

// NodeType tags the node variants.
type NodeType string

const (
	NodeTask        NodeType = "task"
	NodeBranch      NodeType = "branch"
	NodeParallel    NodeType = "parallel"
	NodeLoop        NodeType = "loop"
	NodeDynamicLoop NodeType = "dynamicLoop"
	NodeSubWorkflow NodeType = "subWorkflow"
)

// JoinType is the rule by which a parallel or dynamic loop node decides it is
// done.
type JoinType string

const (
	// JoinAll completes when every child is terminal.
	JoinAll JoinType = "all"
	// JoinAny completes on the first successful child and cancels the rest.
	JoinAny JoinType = "any"
	// JoinRace completes on the first terminal child, success or failure.
	JoinRace JoinType = "race"
)

// ErrorHandling selects sibling behavior when a child of a parallel or
// dynamic loop node fails.
type ErrorHandling string

const (
	// FailFast cancels peers on the first child failure and fails the node.
	FailFast ErrorHandling = "fail-fast"
	// Continue keeps other children running and completes the node with a
	// mixed result set.
	Continue ErrorHandling = "continue"
)

// Ref identifies a definition by name and version.
type Ref struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`
}

// String renders the reference as name@version.
func (r Ref) String() string { return r.Name + "@" + r.Version }

// RetryPolicy is the per-node retry ladder. Delay for attempt n (1-based) is
// baseDelay * backoffMultiplier^(n-1) * (1 +/- jitter).
type RetryPolicy struct {
	MaxAttempts       int     `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelayMs       int64   `json:"baseDelayMs" yaml:"baseDelayMs"`
	BackoffMultiplier float64 `json:"backoffMultiplier" yaml:"backoffMultiplier"`
	Jitter            float64 `json:"jitter" yaml:"jitter"`
}

// BaseDelay returns the configured base delay as a duration.
func (p *RetryPolicy) BaseDelay() time.Duration {
	return time.Duration(p.BaseDelayMs) * time.Millisecond
}

// Parameter declares one input parameter of a definition.
type Parameter struct {
	Name     string `json:"name" yaml:"name"`
	Type     string `json:"type" yaml:"type"` // string|number|boolean|object|array
	Required bool   `json:"required" yaml:"required"`
	Default  any    `json:"default,omitempty" yaml:"default,omitempty"`
}

// OutputParameter declares one projected output of a definition. Source is a
// template expression evaluated against the final instance scope.
type OutputParameter struct {
	Name   string `json:"name" yaml:"name"`
	Type   string `json:"type" yaml:"type"`
	Source string `json:"source" yaml:"source"`
}

// BranchArm is one conditional arm of a branch node. When is a template
// boolean expression; NextNodes are sibling node ids gated by this arm.
type BranchArm struct {
	When      string   `json:"when" yaml:"when"`
	NextNodes []string `json:"nextNodes" yaml:"nextNodes"`
}

// Node is the tagged node record. Exactly the fields relevant to Type are
// populated; Validate enforces the shape.
type Node struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
	Type      NodeType `json:"type" yaml:"type"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`

	Retry     *RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`
	TimeoutMs int64        `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`

	// Task
	Executor string         `json:"executor,omitempty" yaml:"executor,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`

	// Branch
	Branches []BranchArm `json:"branches,omitempty" yaml:"branches,omitempty"`
	Else     []string    `json:"else,omitempty" yaml:"else,omitempty"`

	// Parallel and loops
	Nodes          []Node        `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	MaxConcurrency int           `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	JoinType       JoinType      `json:"joinType,omitempty" yaml:"joinType,omitempty"`
	ErrorHandling  ErrorHandling `json:"errorHandling,omitempty" yaml:"errorHandling,omitempty"`

	// Static loop
	Iterations int `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// Dynamic loop
	SourceExpression string `json:"sourceExpression,omitempty" yaml:"sourceExpression,omitempty"`
	TaskTemplate     *Node  `json:"taskTemplate,omitempty" yaml:"taskTemplate,omitempty"`

	// Sub-workflow
	Definition   *Ref           `json:"definition,omitempty" yaml:"definition,omitempty"`
	InputMapping map[string]any `json:"inputMapping,omitempty" yaml:"inputMapping,omitempty"`
}

// Timeout returns the per-task timeout, zero when unset.
func (n *Node) Timeout() time.Duration {
	return time.Duration(n.TimeoutMs) * time.Millisecond
}

// MaxAttempts returns the retry ladder length, 1 when no policy is set.
func (n *Node) MaxAttempts() int {
	if n.Retry == nil || n.Retry.MaxAttempts < 1 {
		return 1
	}
	return n.Retry.MaxAttempts
}

// Definition is the immutable workflow artifact.
type Definition struct {
	Name        string            `json:"name" yaml:"name"`
	Version     string            `json:"version" yaml:"version"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Status      DefinitionStatus  `json:"status,omitempty" yaml:"status,omitempty"`
	Nodes       []Node            `json:"nodes" yaml:"nodes"`
	Inputs      []Parameter       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []OutputParameter `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Tags        []string          `json:"tags,omitempty" yaml:"tags,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
}

// Ref returns the definition's identity.
func (d *Definition) Ref() Ref { return Ref{Name: d.Name, Version: d.Version} }

// Node returns the top-level node with the given id.
func (d *Definition) Node(id string) (*Node, bool) {
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i], true
		}
	}
	return nil, false
}
