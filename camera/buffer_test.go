package camera

import (
	"errors"
	"testing"

	"multicam-recorder/device"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// TestApplyBufferPolicy tests that the policy lands on the device nodes
func TestApplyBufferPolicy(t *testing.T) {
	d := newInitializedSim(t, device.SimDeviceConfig{Serial: "A"})

	applied, err := ApplyBufferPolicy(d, device.BufferConfig{Depth: 10, Mode: device.OldestFirstOverwrite}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 10, applied.Depth)

	mode, err := d.Read(device.NodeStreamBufferCountMode)
	require.NoError(t, err)
	assert.Equal(t, "Manual", mode)

	count, err := d.Read(device.NodeStreamBufferCountManual)
	require.NoError(t, err)
	assert.Equal(t, int64(10), count)

	handling, err := d.Read(device.NodeStreamBufferHandlingMode)
	require.NoError(t, err)
	assert.Equal(t, "OldestFirstOverwrite", handling)
}

// TestApplyBufferPolicyCapsDepth tests that a depth above the device maximum is capped
func TestApplyBufferPolicyCapsDepth(t *testing.T) {
	d := newInitializedSim(t, device.SimDeviceConfig{Serial: "A"})
	limit, err := d.Max(device.NodeStreamBufferCountManual)
	require.NoError(t, err)

	applied, err := ApplyBufferPolicy(d, device.BufferConfig{Depth: int(limit) + 50, Mode: device.OldestFirst}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, int(limit), applied.Depth)
}

// TestApplyBufferPolicyNotWritable tests that a read-only node fails before anything is written
func TestApplyBufferPolicyNotWritable(t *testing.T) {
	sim := newInitializedSim(t, device.SimDeviceConfig{
		Serial: "A",
		Access: map[device.Node]device.Access{
			device.NodeStreamBufferHandlingMode: device.AccessAvailable | device.AccessReadable,
		},
	})
	d := &recordingDevice{Device: sim}

	_, err := ApplyBufferPolicy(d, device.BufferConfig{Depth: 10, Mode: device.NewestFirst}, zaptest.NewLogger(t))
	require.Error(t, err)

	var nodeErr *device.NodeError
	require.True(t, errors.As(err, &nodeErr), "error %v is not a NodeError", err)
	assert.Equal(t, device.NodeStreamBufferHandlingMode, nodeErr.Node)
	assert.Equal(t, device.ReasonNotWritable, nodeErr.Reason)
	assert.Empty(t, d.Calls())
}

// TestApplyBufferPolicyInvalidDepth tests that a zero depth is refused
func TestApplyBufferPolicyInvalidDepth(t *testing.T) {
	d := newInitializedSim(t, device.SimDeviceConfig{Serial: "A"})
	_, err := ApplyBufferPolicy(d, device.BufferConfig{Depth: 0, Mode: device.NewestOnly}, zaptest.NewLogger(t))
	assert.Error(t, err)
}
