package provision

import (
	"fmt"
	"path/filepath"

	"github.com/blockprov/blockprov/pkg/provision/types"
)

// Validate rejects requests that cannot be provisioned.
func Validate(req types.StorageRequest) error {
	invalid := func(field, format string, args ...any) error {
		return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	switch req.Layout {
	case types.LayoutStripe:
		if req.DeviceCount < 2 {
			return invalid("device.count", "should be at least 2 for setting up stripe, got %d", req.DeviceCount)
		}
	case types.LayoutVolume:
		// an unset count means a single volume
		if req.DeviceCount < 0 || req.DeviceCount > 1 {
			return invalid("device.count", "the volume layout needs exactly one device, got %d", req.DeviceCount)
		}
	default:
		return invalid("layout", "unknown layout %q", req.Layout)
	}
	if req.Nickname == "" {
		return invalid("device.nickname", "must not be empty")
	}
	if req.TotalSize < 1 {
		return invalid("device.volume-size", "must be positive, got %d", req.TotalSize)
	}
	if req.DetachTimeoutBase < 0 {
		return invalid("device.detach-timeout", "must not be negative, got %d", req.DetachTimeoutBase)
	}
	if req.Filesystem == "" {
		return invalid("device.filesystem", "must not be empty")
	}
	if req.MountPoint == "" || !filepath.IsAbs(req.MountPoint) {
		return invalid("device.mount-point", "must be an absolute path, got %q", req.MountPoint)
	}
	if req.IOPS < 0 {
		return invalid("device.iops", "must be positive, got %d", req.IOPS)
	}
	if req.StripeSize < 0 {
		return invalid("device.stripe-size", "must be positive, got %d", req.StripeSize)
	}
	if req.RestoreTimestamp < 0 {
		return invalid("restore.timestamp", "must be positive, got %d", req.RestoreTimestamp)
	}
	return nil
}
