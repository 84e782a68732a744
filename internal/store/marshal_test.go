package store

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/model"
)

func TestMarshalSteps_Empty(t *testing.T) {
	out, err := marshalSteps(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestMarshalSteps_NoHTMLEscape(t *testing.T) {
	out, err := marshalSteps([]model.StepRecord{
		{Step: json.RawMessage(`{"attr":"href","value":"a<b>&c"}`), ClientID: 3},
	})
	require.NoError(t, err)
	assert.Contains(t, out, `a<b>&c`)
}

func TestUnmarshalSteps(t *testing.T) {
	steps, err := unmarshalSteps([]byte(`[{"step":{"stepType":"replace","from":1,"to":2},"clientID":9}]`))
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, int64(9), steps[0].ClientID)

	for _, empty := range []string{"", "[]", "null"} {
		steps, err := unmarshalSteps([]byte(empty))
		require.NoError(t, err)
		assert.NotNil(t, steps)
		assert.Empty(t, steps)
	}

	_, err = unmarshalSteps([]byte(`[{"clientID":1}]`))
	assert.ErrorContains(t, err, "has no step")

	_, err = unmarshalSteps([]byte(`{`))
	assert.Error(t, err)
}
