package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/weave/fault"
)

func linearDef() *Definition {
	return &Definition{
		Name:    "linear",
		Version: "1",
		Status:  StatusActive,
		Nodes: []Node{
			{ID: "a", Type: NodeTask, Executor: "echo"},
			{ID: "b", Type: NodeTask, Executor: "echo", DependsOn: []string{"a"}},
			{ID: "c", Type: NodeTask, Executor: "echo", DependsOn: []string{"b"}},
		},
	}
}

func TestValidateAcceptsLinearChain(t *testing.T) {
	require.NoError(t, linearDef().Validate())
}

func TestValidateRejectsDuplicateIDs(t *testing.T) {
	def := linearDef()
	def.Nodes[2].ID = "a"
	err := def.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, fault.ErrValidation))
	require.Contains(t, err.Error(), "duplicate node id")
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	def := linearDef()
	def.Nodes[1].DependsOn = []string{"ghost"}
	err := def.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown node")
}

func TestValidateRejectsCycle(t *testing.T) {
	def := linearDef()
	def.Nodes[0].DependsOn = []string{"c"}
	err := def.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsBranchArmToUnknownNode(t *testing.T) {
	def := &Definition{
		Name:    "b",
		Version: "1",
		Nodes: []Node{
			{ID: "detect", Type: NodeTask, Executor: "echo"},
			{ID: "route", Type: NodeBranch, DependsOn: []string{"detect"},
				Branches: []BranchArm{{When: "${true}", NextNodes: []string{"missing"}}}},
		},
	}
	err := def.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown node")
}

func TestValidateNestedDuplicateAcrossLevels(t *testing.T) {
	def := &Definition{
		Name:    "p",
		Version: "1",
		Nodes: []Node{
			{ID: "a", Type: NodeTask, Executor: "echo"},
			{ID: "par", Type: NodeParallel, Nodes: []Node{
				{ID: "a", Type: NodeTask, Executor: "echo"},
			}},
		},
	}
	err := def.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate node id")
}

func TestDepths(t *testing.T) {
	def := &Definition{
		Name:    "d",
		Version: "1",
		Nodes: []Node{
			{ID: "a", Type: NodeTask, Executor: "echo"},
			{ID: "b", Type: NodeTask, Executor: "echo", DependsOn: []string{"a"}},
			{ID: "c", Type: NodeTask, Executor: "echo", DependsOn: []string{"a", "b"}},
			{ID: "d", Type: NodeTask, Executor: "echo"},
		},
	}
	depths := Depths(def.Nodes)
	require.Equal(t, 0, depths["a"])
	require.Equal(t, 1, depths["b"])
	require.Equal(t, 2, depths["c"])
	require.Equal(t, 0, depths["d"])
}

func TestValidateInputsAppliesDefaultsAndSchema(t *testing.T) {
	def := linearDef()
	def.Inputs = []Parameter{
		{Name: "x", Type: "number", Required: true},
		{Name: "mode", Type: "string", Default: "fast"},
	}

	out, err := def.ValidateInputs(map[string]any{"x": 1})
	require.NoError(t, err)
	require.Equal(t, float64(1), out["x"])
	require.Equal(t, "fast", out["mode"])

	_, err = def.ValidateInputs(map[string]any{"x": "not a number"})
	require.Error(t, err)
	require.True(t, errors.Is(err, fault.ErrValidation))

	_, err = def.ValidateInputs(map[string]any{})
	require.Error(t, err, "missing required parameter")
}

func TestDecodeYAML(t *testing.T) {
	doc := []byte(`
name: sample
version: "2"
nodes:
  - id: prep
    type: task
    executor: echo
    config:
      count: 3
  - id: fan
    type: dynamicLoop
    dependsOn: [prep]
    sourceExpression: "${nodes.prep.output.groups}"
    maxConcurrency: 2
    errorHandling: continue
    taskTemplate:
      id: work
      type: task
      executor: echo
      config:
        g: "${item.g}"
`)
	def, err := DecodeYAML(doc)
	require.NoError(t, err)
	require.Equal(t, StatusActive, def.Status, "status defaults to active")
	require.Equal(t, float64(3), def.Nodes[0].Config["count"], "yaml ints normalize to float64")
	require.Equal(t, NodeDynamicLoop, def.Nodes[1].Type)
}

func TestDecodeJSONRejectsInvalid(t *testing.T) {
	_, err := DecodeJSON([]byte(`{"name":"x","version":"1","nodes":[{"id":"t","type":"task"}]}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "executor is required")
}
