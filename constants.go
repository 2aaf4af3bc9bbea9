package blockprov

// DefaultConfigPath is the default path of the storage descriptor file.
const DefaultConfigPath = "/etc/blockprov/storage.yaml"

// DefaultNodeConfigFile is the default path of the file-backed node configuration store.
const DefaultNodeConfigFile = "/var/lib/blockprov/node.yaml"

// DefaultAuditLogPath is the default path of the audit log.
const DefaultAuditLogPath = "/var/log/blockprov/audit.log"

// DefaultLoopbackDir is the default directory holding loopback backing files.
const DefaultLoopbackDir = "/var/lib/blockprov/loopback"

// DeviceMapperDir is the directory in which device-mapper exposes mapped devices.
const DeviceMapperDir = "/dev/mapper"

// EncryptedMapperPrefix is prepended to a device name to form its encrypted mapper name.
const EncryptedMapperPrefix = "encrypted-"

// DecommissionTimeoutKey is the node configuration key of the decommission timeout.
const DecommissionTimeoutKey = "decommission_timeout"

// VolumeStartMarker is the audit marker recorded when single-volume provisioning starts.
const VolumeStartMarker = "blockprov_volume_start"

// StripeStartMarker is the audit marker recorded when striped provisioning starts.
const StripeStartMarker = "blockprov_stripe_start"

// MetricsNamespace is the prometheus namespace of all blockprov metrics.
const MetricsNamespace = "blockprov"

// TagPrefix is the prefix of cloud resource tags owned by blockprov.
const TagPrefix = "blockprov:"

// LineageTagKey is the snapshot tag holding the backup lineage.
const LineageTagKey = TagPrefix + "lineage"

// TimestampTagKey is the snapshot tag holding the backup timestamp in unix seconds.
const TimestampTagKey = TagPrefix + "timestamp"

// PositionTagKey is the snapshot tag holding the 1-based stripe position of the snapshot.
const PositionTagKey = TagPrefix + "position"

// InstanceTagKey is the volume tag holding the instance a volume was created for.
const InstanceTagKey = TagPrefix + "instance"

// GiB is the number of bytes in a gibibyte. Volume sizes are expressed in GiB.
const GiB = int64(1 << 30)
