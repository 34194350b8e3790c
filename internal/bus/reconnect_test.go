package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectDelayGrowsLinearly(t *testing.T) {
	assert.Equal(t, 50*time.Millisecond, reconnectDelay(1))
	assert.Equal(t, 500*time.Millisecond, reconnectDelay(10))
}

func TestReconnectDelayCapsAtCeiling(t *testing.T) {
	assert.Equal(t, 2*time.Second, reconnectDelay(40))
	assert.Equal(t, 2*time.Second, reconnectDelay(1000))
}
