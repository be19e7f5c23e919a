package transport

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptLimiterEnforcesWindow(t *testing.T) {
	clk := clock.NewMock()
	l, err := NewAcceptLimiter(2, time.Second, clk)
	require.NoError(t, err)

	assert.True(t, l.Allow("10.0.0.1:1111"))
	assert.True(t, l.Allow("10.0.0.1:2222"))
	assert.False(t, l.Allow("10.0.0.1:3333"), "third accept within the window")

	// An unrelated address has its own window.
	assert.True(t, l.Allow("10.0.0.2:1111"))

	clk.Add(time.Second)
	assert.True(t, l.Allow("10.0.0.1:4444"), "window elapsed")
}

func TestAcceptLimiterCountsPerHost(t *testing.T) {
	clk := clock.NewMock()
	l, err := NewAcceptLimiter(1, time.Minute, clk)
	require.NoError(t, err)

	assert.True(t, l.Allow("192.168.1.5:40000"))
	assert.False(t, l.Allow("192.168.1.5:40001"), "same host, different port")
}

func TestAcceptLimiterHandlesBareAddresses(t *testing.T) {
	l, err := NewAcceptLimiter(1, time.Minute, clock.NewMock())
	require.NoError(t, err)

	assert.True(t, l.Allow("somewhere"))
	assert.False(t, l.Allow("somewhere"))
}
