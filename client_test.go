package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_DefaultsAndValidation(t *testing.T) {
	c, err := NewClient(Options{}, nil)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestNewClient_RejectsInvalidPort(t *testing.T) {
	_, err := NewClient(Options{Port: -1}, nil)
	require.Error(t, err)
}

func TestNewClient_UnixSocketHost(t *testing.T) {
	c, err := NewClient(Options{Host: "/var/run/redis.sock"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/var/run/redis.sock", c.transport.Addr())
}
