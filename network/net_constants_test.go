package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetConstantsParse(t *testing.T) {
	require.NotEmpty(t, MainNet.DefaultServers)
	require.NotEmpty(t, ScalingTestNet.DefaultServers)
	assert.Equal(t, "50001", MainNet.DefaultPortTCP)
	assert.Equal(t, "50002", MainNet.DefaultPortTLS)
	assert.NotEqual(t, MainNet.VerificationBlockHeight, ScalingTestNet.VerificationBlockHeight)
}

func TestErrKindString(t *testing.T) {
	assert.Equal(t, "timeout", ErrTimeout.String())
	assert.Equal(t, "unknown", ErrKind(999).String())
}
