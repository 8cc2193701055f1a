package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockBrokerStableValues(t *testing.T) {
	t.Parallel()
	broker := NewMockBroker()

	first, err := broker.Get("github-token")
	require.NoError(t, err)
	assert.Equal(t, "<mock-value-for-github-token>", first)

	second, err := broker.Get("github-token")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMockBrokerEmptyName(t *testing.T) {
	t.Parallel()

	_, err := NewMockBroker().Get("")
	assert.Error(t, err)
}

func TestIsApproved(t *testing.T) {
	t.Parallel()

	approved := []string{"github-token", "openweather-key"}
	assert.True(t, IsApproved("github-token", approved))
	assert.False(t, IsApproved("aws-secret", approved))
	assert.False(t, IsApproved("github-token", nil))
}

func TestNewBackends(t *testing.T) {
	t.Parallel()

	broker, err := New("mock")
	require.NoError(t, err)
	assert.NotNil(t, broker)

	broker, err = New("")
	require.NoError(t, err)
	assert.NotNil(t, broker)

	_, err = New("vault")
	assert.ErrorContains(t, err, "unknown credentials backend")
}
