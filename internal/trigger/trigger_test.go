package trigger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacostia-go/anacostia/internal/trigger"
)

func TestCompileAndEval(t *testing.T) {
	p, err := trigger.Compile("NewCount >= 3 && OldCount == 0")
	require.NoError(t, err)

	fire, err := p.Eval(trigger.Counts{NewCount: 3})
	require.NoError(t, err)
	assert.True(t, fire)

	fire, err = p.Eval(trigger.Counts{NewCount: 2})
	require.NoError(t, err)
	assert.False(t, fire)
}

func TestCompileRejectsNonBoolean(t *testing.T) {
	_, err := trigger.Compile("NewCount + 1")
	assert.Error(t, err)
}

func TestCompileRejectsUnknownField(t *testing.T) {
	_, err := trigger.Compile("Bogus > 0")
	assert.Error(t, err)
}

func TestDefaultFiresOnNewEntries(t *testing.T) {
	assert.True(t, trigger.Default(trigger.Counts{NewCount: 1}))
	assert.False(t, trigger.Default(trigger.Counts{CurrentCount: 5, OldCount: 2}))
}
