package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	png, err := RenderImage(model, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8, "PNG should be larger than header")

	// PNG magic bytes: 0x89 P N G.
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, byte('P'), png[1])
	assert.Equal(t, byte('N'), png[2])
	assert.Equal(t, byte('G'), png[3])
}

func TestRenderImageSVGWithStatus(t *testing.T) {
	states := []*store.StepState{
		{StepID: "build", Status: schema.StepStatusCompleted},
		{StepID: "gate", Status: schema.StepStatusRunning},
		{StepID: "approve", Status: schema.StepStatusCancelled},
	}
	model, err := Build(diamondWorkflow(), states)
	require.NoError(t, err)

	svg, err := RenderImage(model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")
	assert.Contains(t, string(svg), "gate")
}

func TestRenderImageRejectsTextFormat(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	_, err = RenderImage(model, FormatMermaid)
	assert.Error(t, err)
}
