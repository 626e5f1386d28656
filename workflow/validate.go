package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/weave/fault"
)

// Validate checks the definition structurally: identity, unique node ids
// across all nesting levels, dependency edges that reference existing
// siblings, acyclic dependency graphs, and per-variant field shape. It
// returns a fault.Validation error naming the first offending node.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fault.Validation("definition name is required")
	}
	if d.Version == "" {
		return fault.Validation("definition %q: version is required", d.Name)
	}
	if len(d.Nodes) == 0 {
		return fault.Validation("definition %q: at least one node is required", d.Name)
	}
	seen := map[string]bool{}
	if err := validateIDs(d.Nodes, seen); err != nil {
		return err
	}
	return validateGraph(d.Nodes)
}

func validateIDs(nodes []Node, seen map[string]bool) error {
	for i := range nodes {
		n := &nodes[i]
		if n.ID == "" {
			return fault.Validation("node at position %d has no id", i)
		}
		if seen[n.ID] {
			return fault.Validation("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true
		if len(n.Nodes) > 0 {
			if err := validateIDs(n.Nodes, seen); err != nil {
				return err
			}
		}
		if n.TaskTemplate != nil {
			if n.TaskTemplate.ID == "" {
				return fault.Validation("node %q: task template has no id", n.ID)
			}
			if seen[n.TaskTemplate.ID] {
				return fault.Validation("duplicate node id %q", n.TaskTemplate.ID)
			}
			seen[n.TaskTemplate.ID] = true
		}
	}
	return nil
}

// validateGraph checks one sibling level: edge targets, acyclicity, branch
// arm targets, and node shape. Nested levels are validated recursively.
func validateGraph(nodes []Node) error {
	ids := make(map[string]bool, len(nodes))
	for i := range nodes {
		ids[nodes[i].ID] = true
	}
	for i := range nodes {
		n := &nodes[i]
		for _, dep := range n.DependsOn {
			if !ids[dep] {
				return fault.Validation("node %q depends on unknown node %q", n.ID, dep)
			}
			if dep == n.ID {
				return fault.Validation("node %q depends on itself", n.ID)
			}
		}
		if err := validateShape(n, ids); err != nil {
			return err
		}
	}
	if cyclic(nodes) {
		return fault.Validation("dependency graph contains a cycle")
	}
	return nil
}

func validateShape(n *Node, siblings map[string]bool) error {
	switch n.Type {
	case NodeTask:
		if n.Executor == "" {
			return fault.Validation("task node %q: executor is required", n.ID)
		}
	case NodeBranch:
		if len(n.Branches) == 0 {
			return fault.Validation("branch node %q: at least one arm is required", n.ID)
		}
		for _, arm := range n.Branches {
			if arm.When == "" {
				return fault.Validation("branch node %q: arm condition is required", n.ID)
			}
			for _, next := range arm.NextNodes {
				if !siblings[next] {
					return fault.Validation("branch node %q: arm targets unknown node %q", n.ID, next)
				}
			}
		}
		for _, next := range n.Else {
			if !siblings[next] {
				return fault.Validation("branch node %q: else targets unknown node %q", n.ID, next)
			}
		}
	case NodeParallel:
		if len(n.Nodes) == 0 {
			return fault.Validation("parallel node %q: at least one child is required", n.ID)
		}
		if err := validateJoin(n); err != nil {
			return err
		}
		if err := validateGraph(n.Nodes); err != nil {
			return err
		}
	case NodeLoop:
		if n.Iterations <= 0 {
			return fault.Validation("loop node %q: iterations must be > 0", n.ID)
		}
		if len(n.Nodes) == 0 {
			return fault.Validation("loop node %q: at least one child is required", n.ID)
		}
		if err := validateGraph(n.Nodes); err != nil {
			return err
		}
	case NodeDynamicLoop:
		if n.SourceExpression == "" {
			return fault.Validation("dynamic loop node %q: sourceExpression is required", n.ID)
		}
		if n.TaskTemplate == nil {
			return fault.Validation("dynamic loop node %q: taskTemplate is required", n.ID)
		}
		if n.TaskTemplate.Type != NodeTask {
			return fault.Validation("dynamic loop node %q: taskTemplate must be a task node", n.ID)
		}
		if n.TaskTemplate.Executor == "" {
			return fault.Validation("dynamic loop node %q: taskTemplate executor is required", n.ID)
		}
		if err := validateJoin(n); err != nil {
			return err
		}
	case NodeSubWorkflow:
		if n.Definition == nil || n.Definition.Name == "" || n.Definition.Version == "" {
			return fault.Validation("sub-workflow node %q: definition reference is required", n.ID)
		}
	default:
		return fault.Validation("node %q: unknown type %q", n.ID, n.Type)
	}
	if n.Retry != nil {
		if n.Retry.MaxAttempts < 1 {
			return fault.Validation("node %q: retry maxAttempts must be >= 1", n.ID)
		}
		if n.Retry.Jitter < 0 || n.Retry.Jitter >= 1 {
			return fault.Validation("node %q: retry jitter must be in [0, 1)", n.ID)
		}
	}
	return nil
}

func validateJoin(n *Node) error {
	switch n.JoinType {
	case "", JoinAll, JoinAny, JoinRace:
	default:
		return fault.Validation("node %q: unknown join type %q", n.ID, n.JoinType)
	}
	switch n.ErrorHandling {
	case "", FailFast, Continue:
	default:
		return fault.Validation("node %q: unknown error handling %q", n.ID, n.ErrorHandling)
	}
	if n.MaxConcurrency < 0 {
		return fault.Validation("node %q: maxConcurrency must be >= 0", n.ID)
	}
	return nil
}

// cyclic runs Kahn's algorithm over one sibling level.
func cyclic(nodes []Node) bool {
	indeg := make(map[string]int, len(nodes))
	succ := make(map[string][]string, len(nodes))
	for i := range nodes {
		indeg[nodes[i].ID] += 0
		for _, dep := range nodes[i].DependsOn {
			succ[dep] = append(succ[dep], nodes[i].ID)
			indeg[nodes[i].ID]++
		}
	}
	queue := make([]string, 0, len(nodes))
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, s := range succ[id] {
			indeg[s]--
			if indeg[s] == 0 {
				queue = append(queue, s)
			}
		}
	}
	return visited != len(nodes)
}

// Depths computes, per node id at one sibling level, the longest dependency
// chain leading to it. The scheduler uses depths to prioritize the ready
// queue (shallower nodes first, definition order as tie break).
func Depths(nodes []Node) map[string]int {
	memo := make(map[string]int, len(nodes))
	byID := make(map[string]*Node, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		n := byID[id]
		max := 0
		for _, dep := range n.DependsOn {
			if d := depth(dep) + 1; d > max {
				max = d
			}
		}
		memo[id] = max
		return max
	}
	for i := range nodes {
		depth(nodes[i].ID)
	}
	return memo
}

// ValidateInputs checks the provided inputs against the declared parameter
// schema and returns a copy with declared defaults applied. Unknown keys are
// preserved; type mismatches and missing required parameters fail with a
// fault.Validation error.
func (d *Definition) ValidateInputs(inputs map[string]any) (map[string]any, error) {
	merged := make(map[string]any, len(inputs)+len(d.Inputs))
	for k, v := range inputs {
		merged[k] = v
	}
	for _, p := range d.Inputs {
		if _, ok := merged[p.Name]; !ok && p.Default != nil {
			merged[p.Name] = p.Default
		}
	}
	if len(d.Inputs) == 0 {
		return merged, nil
	}

	sch, err := d.inputSchema()
	if err != nil {
		return nil, err
	}
	// Round-trip through JSON so Go-native ints validate as JSON numbers.
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, fault.Validation("inputs are not JSON-serializable: %v", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.Validation("inputs are not JSON-serializable: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fault.Validation("inputs do not satisfy definition %s: %v", d.Ref(), err)
	}
	canonical, ok := doc.(map[string]any)
	if !ok {
		return nil, fault.Validation("inputs must be an object")
	}
	return canonical, nil
}

// inputSchema builds a JSON Schema document from the declared parameters and
// compiles it.
func (d *Definition) inputSchema() (*jsonschema.Schema, error) {
	props := map[string]any{}
	var required []any
	for _, p := range d.Inputs {
		typ := p.Type
		if typ == "" {
			continue
		}
		props[p.Name] = map[string]any{"type": typ}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	compiler := jsonschema.NewCompiler()
	url := fmt.Sprintf("inline://%s.json", d.Ref())
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fault.Validation("definition %s: invalid input schema: %v", d.Ref(), err)
	}
	sch, err := compiler.Compile(url)
	if err != nil {
		return nil, fault.Validation("definition %s: invalid input schema: %v", d.Ref(), err)
	}
	return sch, nil
}
