package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerVerbosity(t *testing.T) {
	logger, err := NewLogger(false, DEFAULT)
	require.NoError(t, err)

	assert.True(t, logger.V(DEFAULT).Enabled())
	assert.False(t, logger.V(DEBUG).Enabled())
}

func TestNewTestLoggerEnablesTrace(t *testing.T) {
	assert.True(t, NewTestLogger().V(TRACE).Enabled())
}
