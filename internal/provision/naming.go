package provision

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/blockprov/blockprov"
)

var unsafeNameChars = regexp.MustCompile(`[^-a-z0-9]`)

// Sanitize lower-cases s and replaces every character outside [a-z0-9-] with a dash.
func Sanitize(s string) string {
	return unsafeNameChars.ReplaceAllString(strings.ToLower(s), "-")
}

// ToDMName escapes a volume group or logical volume name the way device-mapper does.
func ToDMName(s string) string {
	return strings.ReplaceAll(s, "-", "--")
}

// Names are the names derived from a nickname.
type Names struct {
	// VolumeGroup and LogicalVolume are empty for the volume layout
	VolumeGroup   string
	LogicalVolume string
	// DeviceMapper is the device-mapper name of the logical volume
	DeviceMapper string
	// EncryptedMapper is the mapper name of the opened LUKS device
	EncryptedMapper string
}

// ResolveNames derives the LVM and mapper names for nickname.
func ResolveNames(nickname string, striped bool) Names {
	sanitized := Sanitize(nickname)
	if !striped {
		return Names{
			EncryptedMapper: blockprov.EncryptedMapperPrefix + sanitized,
		}
	}
	vg := sanitized + "-vg"
	lv := sanitized + "-lv"
	dm := ToDMName(vg) + "-" + ToDMName(lv)
	return Names{
		VolumeGroup:     vg,
		LogicalVolume:   lv,
		DeviceMapper:    dm,
		EncryptedMapper: blockprov.EncryptedMapperPrefix + dm,
	}
}

// VolumeNames returns the names of the cloud volumes to create, in stripe order.
func VolumeNames(nickname string, count int, striped bool) []string {
	if !striped {
		return []string{nickname}
	}
	names := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		names = append(names, fmt.Sprintf("%s_%d", nickname, i))
	}
	return names
}

// MapperPath returns the path of a device-mapper device.
func MapperPath(mapperDir, name string) string {
	return filepath.Join(mapperDir, name)
}
