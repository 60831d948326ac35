package testsupport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHintOverridesDefaults(t *testing.T) {
	o, err := ParseHintOverrides(nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, o.RecordHint)
	assert.Equal(t, int64(16), o.KeySpace)
}

func TestParseHintOverridesFromArgs(t *testing.T) {
	o, err := ParseHintOverrides([]string{"--record-hint=65536", "--key-space=1024"})
	require.NoError(t, err)
	assert.Equal(t, 65536, o.RecordHint)
	assert.Equal(t, int64(1024), o.KeySpace)
}

func TestParseHintOverridesRejectsUnknownFlag(t *testing.T) {
	_, err := ParseHintOverrides([]string{"--not-a-flag"})
	require.Error(t, err)
}
