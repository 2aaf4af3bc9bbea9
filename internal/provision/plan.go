package provision

import (
	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/pkg/provision/types"
)

// Mode tells whether volumes are created or restored.
type Mode string

const (
	ModeCreate  = Mode("create")
	ModeRestore = Mode("restore")
)

// SizePercentAll makes a logical volume span its whole volume group.
const SizePercentAll = "100%VG"

// Plan holds every value derived from a StorageRequest.
// It is computed once, before any collaborator is called.
type Plan struct {
	Request       types.StorageRequest
	Mode          Mode
	Marker        string
	PerDeviceSize int64
	DetachTimeout int64
	// VolumeNames are the names of the volumes to create, in stripe order. Empty in restore mode.
	VolumeNames []string
	Names       Names
}

// NewPlan validates req and derives its plan.
func NewPlan(req types.StorageRequest) (*Plan, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}

	count := req.DeviceCount
	if count < 1 {
		count = 1
	}
	striped := req.Striped()

	p := &Plan{
		Request:       req,
		Mode:          ModeCreate,
		Marker:        blockprov.VolumeStartMarker,
		PerDeviceSize: PerDeviceSize(req.TotalSize, int64(count)),
		DetachTimeout: ScaledTimeout(req.DetachTimeoutBase, int64(count), striped),
		Names:         ResolveNames(req.Nickname, striped),
	}
	if striped {
		p.Marker = blockprov.StripeStartMarker
	}
	if req.Restoring() {
		p.Mode = ModeRestore
	} else {
		p.VolumeNames = VolumeNames(req.Nickname, count, striped)
	}
	return p, nil
}

// Steps lists the steps a run of this plan goes through, in order.
func (p *Plan) Steps() []Step {
	steps := []Step{StepConfigureTimeout}
	if p.Mode == ModeRestore {
		steps = append(steps, StepRestoreVolume)
	} else {
		for range p.VolumeNames {
			steps = append(steps, StepCreateVolume)
		}
	}
	if p.Request.Striped() {
		steps = append(steps, StepCreateVolumeGroup, StepCreateLogicalVolume)
	}
	if p.Request.Encrypted() {
		steps = append(steps, StepLuksFormat, StepLuksOpen)
	}
	if p.Mode == ModeCreate {
		steps = append(steps, StepCreateFilesystem)
	}
	return append(steps, StepMount)
}

// ResolveTarget returns the device the filesystem lives on: the encrypted mapper
// device when encryption ran, the plain device otherwise.
func (p *Plan) ResolveTarget(mapperDir, plainDevice string, encrypted bool) string {
	if encrypted {
		return MapperPath(mapperDir, p.Names.EncryptedMapper)
	}
	return plainDevice
}
