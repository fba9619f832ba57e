package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/retina-grader/pkg/types"
)

func TestResolveName(t *testing.T) {
	name, err := ResolveName("output", "output", []string{"output"})
	require.NoError(t, err)
	assert.Equal(t, "output", name)

	name, err = ResolveName("output", DefaultOutputName, []string{"features", "linear_2"}, LegacyOutputName)
	require.NoError(t, err)
	assert.Equal(t, "linear_2", name)

	name, err = ResolveName("input", "", []string{"pixel_values"})
	require.NoError(t, err)
	assert.Equal(t, "pixel_values", name)

	name, err = ResolveName("output", "logits", []string{"probs"})
	require.NoError(t, err)
	assert.Equal(t, "probs", name)

	_, err = ResolveName("output", "logits", []string{"a", "b"})
	assert.Error(t, err)

	_, err = ResolveName("input", "", nil)
	assert.Error(t, err)
}

func TestCheckInput(t *testing.T) {
	assert.NoError(t, CheckInput(types.NewTensor(3, 224, 224)))
	assert.Error(t, CheckInput(types.NewTensor(3, 280, 280)))
	assert.Error(t, CheckInput(nil))
}
