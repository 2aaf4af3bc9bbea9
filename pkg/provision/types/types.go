package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Layout selects how the requested devices are combined.
type Layout string

const (
	// LayoutAuto resolves to LayoutStripe for more than one device and LayoutVolume otherwise.
	LayoutAuto = Layout("")
	// LayoutVolume provisions a single volume used directly as the filesystem device.
	LayoutVolume = Layout("volume")
	// LayoutStripe stripes several volumes into one LVM logical volume.
	LayoutStripe = Layout("stripe")
)

// ParseLayout parses a layout name given on the command line.
func ParseLayout(s string) (Layout, error) {
	switch l := Layout(strings.ToLower(strings.TrimSpace(s))); l {
	case LayoutAuto, LayoutVolume, LayoutStripe:
		return l, nil
	default:
		return "", fmt.Errorf("unknown layout %q", s)
	}
}

// BoolLike is a boolean that also accepts the strings "true" and "false".
// Any other string decodes as false.
type BoolLike bool

func (b *BoolLike) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = BoolLike(t)
	case string:
		*b = BoolLike(t == "true")
	case nil:
		*b = false
	default:
		return fmt.Errorf("cannot decode %s as a boolean", string(data))
	}
	return nil
}

// DeviceConfig is the device section of a storage descriptor.
type DeviceConfig struct {
	// Count is the number of volumes to provision
	Count int `json:"count"`
	// Nickname names the volumes and derives the LVM names
	Nickname string `json:"nickname"`
	// VolumeSize is the total size in GiB
	VolumeSize int64 `json:"volume-size"`
	// DetachTimeout is the decommission timeout in seconds per device
	DetachTimeout int64 `json:"detach-timeout"`
	// IOPS is passed to the cloud provider when set
	IOPS *int64 `json:"iops,omitempty"`
	// Filesystem is the filesystem type, e.g. ext4 or xfs
	Filesystem string `json:"filesystem"`
	// MkfsOptions are extra arguments for mkfs
	MkfsOptions string `json:"mkfs-options"`
	// MountPoint is where the filesystem is mounted
	MountPoint string `json:"mount-point"`
	// StripeSize is the stripe size in KiB
	StripeSize *int64 `json:"stripe-size,omitempty"`
	// Encryption enables LUKS encryption of the final device
	Encryption BoolLike `json:"encryption"`
	// EncryptionKey is the LUKS passphrase
	EncryptionKey string `json:"encryption-key,omitempty"`
}

// RestoreConfig is the restore section of a storage descriptor.
type RestoreConfig struct {
	// Lineage names the backup history to restore from. Empty means create new volumes.
	Lineage string `json:"lineage"`
	// Timestamp restores the newest backup taken at or before this unix time
	Timestamp *int64 `json:"timestamp,omitempty"`
}

// Descriptor is the declarative description of the desired storage on a node.
type Descriptor struct {
	Device  DeviceConfig  `json:"device"`
	Restore RestoreConfig `json:"restore"`
}

// Request converts the descriptor into a StorageRequest for the given layout.
// The result is not validated.
func (d Descriptor) Request(layout Layout) StorageRequest {
	if layout == LayoutAuto {
		layout = LayoutVolume
		if d.Device.Count > 1 {
			layout = LayoutStripe
		}
	}
	return StorageRequest{
		Layout:            layout,
		DeviceCount:       d.Device.Count,
		Nickname:          d.Device.Nickname,
		TotalSize:         d.Device.VolumeSize,
		Filesystem:        d.Device.Filesystem,
		MkfsOptions:       d.Device.MkfsOptions,
		MountPoint:        d.Device.MountPoint,
		StripeSize:        deref(d.Device.StripeSize),
		IOPS:              deref(d.Device.IOPS),
		EncryptionEnabled: bool(d.Device.Encryption),
		EncryptionKey:     d.Device.EncryptionKey,
		RestoreLineage:    d.Restore.Lineage,
		RestoreTimestamp:  deref(d.Restore.Timestamp),
		DetachTimeoutBase: d.Device.DetachTimeout,
	}
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// StorageRequest is the immutable input of one provisioning run.
// Optional integers are zero when absent.
type StorageRequest struct {
	Layout            Layout
	DeviceCount       int
	Nickname          string
	TotalSize         int64
	Filesystem        string
	MkfsOptions       string
	MountPoint        string
	StripeSize        int64
	IOPS              int64
	EncryptionEnabled bool
	EncryptionKey     string
	RestoreLineage    string
	RestoreTimestamp  int64
	DetachTimeoutBase int64
}

// Striped returns true if the request assembles an LVM stripe.
func (r StorageRequest) Striped() bool {
	return r.Layout == LayoutStripe
}

// Restoring returns true if volumes are restored from a backup lineage instead of created.
func (r StorageRequest) Restoring() bool {
	return r.RestoreLineage != ""
}

// Encrypted returns true if the resulting device is encrypted.
// Encryption requested without a key is treated as disabled.
func (r StorageRequest) Encrypted() bool {
	return r.EncryptionEnabled && r.EncryptionKey != ""
}

// String never includes the encryption key.
func (r StorageRequest) String() string {
	return fmt.Sprintf("%s/%s count=%d size=%dGiB fs=%s mount=%s encrypted=%t lineage=%q",
		r.Layout, r.Nickname, r.DeviceCount, r.TotalSize, r.Filesystem, r.MountPoint, r.Encrypted(), r.RestoreLineage)
}

// VolumeOptions are cloud-specific options passed with every volume request.
type VolumeOptions struct {
	// IOPS is the provisioned IOPS, zero when unset
	IOPS int64
}

// DeviceHandle describes block devices made available by a cloud volume provider.
type DeviceHandle struct {
	Nickname string
	// Device is the device path of the first (or only) volume
	Device string
	// Devices lists every device path in stripe order
	Devices []string
	// Size is the size of each volume in GiB
	Size int64
}

// Paths returns the device paths in stripe order.
func (h DeviceHandle) Paths() []string {
	if len(h.Devices) > 0 {
		return h.Devices
	}
	if h.Device != "" {
		return []string{h.Device}
	}
	return nil
}
