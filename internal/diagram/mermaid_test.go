package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% etl")
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, `fetch["fetch"]`)
	assert.Contains(t, out, "fetch --> transform")
	assert.Contains(t, out, "store --> __end__")
}

func TestRenderMermaidShapesAndGuards(t *testing.T) {
	model, err := Build(diamondWorkflow(), nil)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, `gate{"gate"}`)
	assert.Contains(t, out, `approve(["approve"])`)
	assert.Contains(t, out, `gate -->|"if approved == true"| deploy`)
	assert.Contains(t, out, "gate -.-> notify")
}

func TestRenderMermaidStatusClasses(t *testing.T) {
	states := []*store.StepState{
		{StepID: "fetch", Status: schema.StepStatusCompleted},
		{StepID: "transform", Status: schema.StepStatusRetrying},
	}
	model, err := Build(linearWorkflow(), states)
	require.NoError(t, err)

	out := RenderMermaid(model)
	assert.Contains(t, out, "class fetch completed")
	assert.Contains(t, out, "class transform retrying")
	assert.NotContains(t, out, "class store")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "fan_out_v2", mermaidSafeID("fan-out.v2"))
}
