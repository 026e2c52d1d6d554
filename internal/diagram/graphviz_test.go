package diagram

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/conveyor/internal/store"
	"github.com/rendis/conveyor/pkg/schema"
)

func TestRenderImagePNG(t *testing.T) {
	model, err := Build(linearMachine(), nil, nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)

	// PNG magic bytes: 0x89 P N G.
	require.True(t, len(png) > 8, "PNG should be larger than header")
	assert.Equal(t, byte(0x89), png[0])
	assert.Equal(t, []byte("PNG"), png[1:4])
}

func TestRenderImageSVGWithChildMachine(t *testing.T) {
	instances := []*store.StateExecutionInstance{
		{StateName: "Fan out", Status: schema.StatusWaiting},
		{StateName: "Deploy region", ChildStateMachineID: "region", Status: schema.StatusFailed},
	}
	model, err := Build(forkMachine(), newTestRegistry(t), instances)
	require.NoError(t, err)

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)

	out := string(svg)
	assert.Contains(t, out, "<svg")
	assert.Contains(t, out, "Region rollout")
	assert.Contains(t, out, "Deploy zone")
	assert.Contains(t, out, "#8b1a1a")
}

func TestRenderImageUnknownFormat(t *testing.T) {
	model, err := Build(linearMachine(), nil, nil)
	require.NoError(t, err)

	_, err = RenderImage(context.Background(), model, "gif")
	assert.ErrorContains(t, err, `unsupported image format "gif"`)
}
