package camera

import (
	"fmt"

	"multicam-recorder/device"

	"go.uber.org/zap"
)

// ApplyBufferPolicy switches the device to a manually sized frame queue with
// the requested eviction mode. It must run before BeginAcquisition. The
// returned config carries the depth actually applied.
func ApplyBufferPolicy(dev device.Device, cfg device.BufferConfig, logger *zap.Logger) (device.BufferConfig, error) {
	if cfg.Depth < 1 {
		return cfg, fmt.Errorf("buffer policy: depth %d must be at least 1", cfg.Depth)
	}

	// check every node first so a refusal leaves the device untouched
	for _, node := range []device.Node{
		device.NodeStreamBufferCountMode,
		device.NodeStreamBufferCountManual,
		device.NodeStreamBufferHandlingMode,
	} {
		if err := device.Check(node, dev.Access(node), true); err != nil {
			return cfg, fmt.Errorf("buffer policy: %w", err)
		}
	}

	applied := cfg
	if limit, err := dev.Max(device.NodeStreamBufferCountManual); err == nil && limit > 0 && int64(cfg.Depth) > limit {
		logger.Warn("Buffer depth exceeds device maximum, capping",
			zap.Int("requested", cfg.Depth),
			zap.Int64("max", limit))
		applied.Depth = int(limit)
	}

	if err := dev.Configure(device.NodeStreamBufferCountMode, "Manual"); err != nil {
		return cfg, fmt.Errorf("buffer policy: %w", err)
	}
	if err := dev.Configure(device.NodeStreamBufferCountManual, int64(applied.Depth)); err != nil {
		return cfg, fmt.Errorf("buffer policy: %w", err)
	}
	if err := dev.Configure(device.NodeStreamBufferHandlingMode, applied.Mode.String()); err != nil {
		return cfg, fmt.Errorf("buffer policy: %w", err)
	}

	logger.Debug("Buffer policy applied",
		zap.Int("depth", applied.Depth),
		zap.Stringer("mode", applied.Mode))
	return applied, nil
}
