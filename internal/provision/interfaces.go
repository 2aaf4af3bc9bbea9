package provision

import (
	"context"
	"time"

	"github.com/blockprov/blockprov/pkg/provision/types"
)

// CloudVolumeService creates, attaches and restores block volumes.
// Implementations own their retry policy and are responsible for not creating
// a second volume when one with the same name is already attached.
type CloudVolumeService interface {
	// CreateAndAttach creates a volume of size GiB named name and attaches it to this node.
	CreateAndAttach(ctx context.Context, name string, size int64, opts types.VolumeOptions) (types.DeviceHandle, error)

	// Restore creates and attaches volumes from the newest backup of lineage.
	// If timestamp is not zero, the newest backup taken at or before it is used.
	Restore(ctx context.Context, name, lineage string, timestamp, size int64, opts types.VolumeOptions) (types.DeviceHandle, error)
}

// LVMService assembles volume groups and logical volumes.
// Both operations must be no-ops when the object already exists.
type LVMService interface {
	CreateVolumeGroup(ctx context.Context, name string, physicalVolumes []string) error

	// CreateLogicalVolume creates a logical volume and returns its device-mapper name.
	CreateLogicalVolume(ctx context.Context, name, group, sizePercent string, stripes int, stripeSize int64) (string, error)
}

// EncryptionService formats and opens LUKS devices.
type EncryptionService interface {
	IsLuks(ctx context.Context, device string) (bool, error)
	Format(ctx context.Context, device, key string) error
	MapperExists(ctx context.Context, name string) (bool, error)
	Open(ctx context.Context, device, mapperName, key string) error
}

// FilesystemService creates and mounts filesystems.
type FilesystemService interface {
	// Create creates a filesystem unless the device already has one.
	Create(ctx context.Context, device, fsType, mkfsOptions string) error

	// Mount mounts device on mountPoint unless already mounted.
	// If enable is true, the mount is also configured to happen at boot.
	Mount(ctx context.Context, device, fsType, mountPoint string, enable bool) error
}

// ConfigService reads and writes node configuration values.
type ConfigService interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// AuditSink records the start and end of provisioning runs.
type AuditSink interface {
	RecordStart(ctx context.Context, marker string, req types.StorageRequest) error
	RecordFinish(ctx context.Context, marker string, result *Result, runErr error) error
}

// StepRecorder observes the outcome of every guarded step.
type StepRecorder interface {
	ObserveStep(step Step, outcome Outcome, elapsed time.Duration)
}
