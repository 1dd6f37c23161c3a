package status

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_JSONRoundTrip(t *testing.T) {
	b, err := json.Marshal(Executing)
	require.NoError(t, err)
	assert.Equal(t, `"EXECUTING"`, string(b))

	var s Status
	require.NoError(t, json.Unmarshal(b, &s))
	assert.Equal(t, Executing, s)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "EXITED", Exited.String())
	assert.Equal(t, "FAILURE", StatusFailure.String())
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "ERROR", Error.String())
}
