package provision

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/pkg/provision/types"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// State is the terminal state of a provisioning run.
type State string

const (
	StateMounted = State("Mounted")
	StateAborted = State("Aborted")
)

// StepResult is the outcome of one guarded step.
type StepResult struct {
	Step    Step
	Target  string
	Outcome Outcome
}

// Result describes what a provisioning run did.
type Result struct {
	State  State
	Mode   Mode
	Layout types.Layout
	// Devices are the raw volume device paths in stripe order
	Devices []string
	// Device is the plain device: the raw volume or the LVM logical volume
	Device string
	// Target is the device the filesystem was mounted from
	Target    string
	Encrypted bool
	// EncryptionSkipped is set when encryption was requested without a key
	EncryptionSkipped bool
	Steps             []StepResult

	mu sync.Mutex
}

func (r *Result) record(step Step, target string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Steps = append(r.Steps, StepResult{Step: step, Target: target, Outcome: outcome})
}

// Count returns the number of steps with the given outcome.
func (r *Result) Count(outcome Outcome) int {
	n := 0
	for _, s := range r.Steps {
		if s.Outcome == outcome {
			n++
		}
	}
	return n
}

// Collaborators are the services a Provisioner drives.
// LVM is only needed for the stripe layout and Encryption only for encrypted requests.
type Collaborators struct {
	Volumes    CloudVolumeService
	LVM        LVMService
	Encryption EncryptionService
	Filesystem FilesystemService
	Config     ConfigService
	Audit      AuditSink
}

// Provisioner converges the storage of a node towards a StorageRequest.
type Provisioner struct {
	Collaborators
	guard     *Guard
	recorder  StepRecorder
	parallel  bool
	mapperDir string
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithRecorder reports every step outcome to r.
func WithRecorder(r StepRecorder) Option {
	return func(p *Provisioner) {
		p.recorder = r
	}
}

// WithParallelCreate creates the volumes of a stripe concurrently.
// Device order still follows the volume index.
func WithParallelCreate(parallel bool) Option {
	return func(p *Provisioner) {
		p.parallel = parallel
	}
}

// WithMapperDir sets the directory of device-mapper devices.
func WithMapperDir(dir string) Option {
	return func(p *Provisioner) {
		p.mapperDir = dir
	}
}

// New returns a Provisioner driving c.
func New(c Collaborators, opts ...Option) *Provisioner {
	p := &Provisioner{
		Collaborators: c,
		mapperDir:     blockprov.DeviceMapperDir,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.Audit == nil {
		p.Audit = nopAudit{}
	}
	p.guard = NewGuard(p.recorder)
	return p
}

// Run provisions req. Steps run strictly in sequence; the first failure aborts
// the run without rolling back completed steps.
func (p *Provisioner) Run(ctx context.Context, req types.StorageRequest) (*Result, error) {
	plan, err := NewPlan(req)
	if err != nil {
		return nil, err
	}
	if err := p.checkCollaborators(plan); err != nil {
		return nil, err
	}

	logger := log.FromContext(ctx).WithValues("nickname", req.Nickname, "layout", req.Layout, "mode", plan.Mode)
	ctx = log.IntoContext(ctx, logger)

	if err := p.Audit.RecordStart(ctx, plan.Marker, req); err != nil {
		return nil, fmt.Errorf("failed to record audit entry: %w", err)
	}

	result := &Result{Mode: plan.Mode, Layout: req.Layout}
	runErr := p.run(ctx, plan, result)
	if runErr != nil {
		result.State = StateAborted
	} else {
		result.State = StateMounted
	}

	if err := p.Audit.RecordFinish(ctx, plan.Marker, result, runErr); err != nil {
		logger.Error(err, "failed to record audit entry")
	}
	return result, runErr
}

func (p *Provisioner) checkCollaborators(plan *Plan) error {
	var missing []string
	if p.Volumes == nil {
		missing = append(missing, "cloud volume")
	}
	if p.Filesystem == nil {
		missing = append(missing, "filesystem")
	}
	if p.Config == nil {
		missing = append(missing, "config")
	}
	if p.LVM == nil && plan.Request.Striped() {
		missing = append(missing, "lvm")
	}
	if p.Encryption == nil && plan.Request.Encrypted() {
		missing = append(missing, "encryption")
	}
	if len(missing) > 0 {
		return fmt.Errorf("no %s service configured", strings.Join(missing, ", "))
	}
	return nil
}

func (p *Provisioner) run(ctx context.Context, plan *Plan, result *Result) error {
	if err := p.configureTimeout(ctx, plan, result); err != nil {
		return err
	}

	devices, err := p.acquireVolumes(ctx, plan, result)
	if err != nil {
		return err
	}
	result.Devices = devices

	device := devices[0]
	if plan.Request.Striped() {
		device, err = p.assembleLVM(ctx, plan, devices, result)
		if err != nil {
			return err
		}
	}
	result.Device = device

	encrypted, err := p.encrypt(ctx, plan, device, result)
	if err != nil {
		return err
	}
	result.Encrypted = encrypted
	result.Target = plan.ResolveTarget(p.mapperDir, device, encrypted)

	return p.formatAndMount(ctx, plan, result.Target, result)
}

func (p *Provisioner) runAction(ctx context.Context, result *Result, target string, a Action) error {
	outcome, err := p.guard.Run(ctx, a)
	result.record(a.Step, target, outcome)
	return err
}

func (p *Provisioner) configureTimeout(ctx context.Context, plan *Plan, result *Result) error {
	logger := log.FromContext(ctx)
	value := strconv.FormatInt(plan.DetachTimeout, 10)

	return p.runAction(ctx, result, blockprov.DecommissionTimeoutKey, Action{
		Step: StepConfigureTimeout,
		Satisfied: func(ctx context.Context) (bool, error) {
			current, err := p.Config.Get(ctx, blockprov.DecommissionTimeoutKey)
			if err != nil {
				// an unreadable value is simply overwritten
				logger.V(1).Info("could not read decommission timeout", "error", err.Error())
				return false, nil
			}
			n, err := strconv.ParseInt(strings.TrimSpace(current), 10, 64)
			return err == nil && n == plan.DetachTimeout, nil
		},
		Apply: func(ctx context.Context) error {
			logger.Info("set decommission timeout", "timeout", plan.DetachTimeout)
			return p.Config.Set(ctx, blockprov.DecommissionTimeoutKey, value)
		},
	})
}

func (p *Provisioner) acquireVolumes(ctx context.Context, plan *Plan, result *Result) ([]string, error) {
	req := plan.Request
	logger := log.FromContext(ctx)
	opts := types.VolumeOptions{IOPS: req.IOPS}

	if req.Striped() {
		logger.Info("sizing striped volumes",
			"total_size", humanize.IBytes(uint64(req.TotalSize*blockprov.GiB)),
			"device_count", req.DeviceCount,
			"device_size", humanize.IBytes(uint64(plan.PerDeviceSize*blockprov.GiB)),
		)
	}

	if plan.Mode == ModeRestore {
		return p.restoreVolumes(ctx, plan, opts, result)
	}

	handles := make([]types.DeviceHandle, len(plan.VolumeNames))
	create := func(ctx context.Context, i int) error {
		name := plan.VolumeNames[i]
		return p.runAction(ctx, result, name, Action{
			Step: StepCreateVolume,
			Apply: func(ctx context.Context) error {
				log.FromContext(ctx).Info("creating volume", "name", name,
					"size", humanize.IBytes(uint64(plan.PerDeviceSize*blockprov.GiB)))
				h, err := p.Volumes.CreateAndAttach(ctx, name, plan.PerDeviceSize, opts)
				if err != nil {
					return err
				}
				if len(h.Paths()) == 0 {
					return fmt.Errorf("volume %s was attached without a device path", name)
				}
				handles[i] = h
				return nil
			},
		})
	}

	if p.parallel && len(handles) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i := range handles {
			g.Go(func() error { return create(gctx, i) })
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	} else {
		for i := range handles {
			if err := create(ctx, i); err != nil {
				return nil, err
			}
		}
	}

	devices := make([]string, 0, len(handles))
	for _, h := range handles {
		devices = append(devices, h.Paths()[0])
	}
	return devices, nil
}

func (p *Provisioner) restoreVolumes(ctx context.Context, plan *Plan, opts types.VolumeOptions, result *Result) ([]string, error) {
	req := plan.Request
	logger := log.FromContext(ctx)

	var handle types.DeviceHandle
	err := p.runAction(ctx, result, req.RestoreLineage, Action{
		Step: StepRestoreVolume,
		Apply: func(ctx context.Context) error {
			values := []any{"lineage", req.RestoreLineage}
			if req.RestoreTimestamp != 0 {
				values = append(values, "timestamp", req.RestoreTimestamp)
			}
			logger.Info("restoring volume from backup", values...)

			h, err := p.Volumes.Restore(ctx, req.Nickname, req.RestoreLineage, req.RestoreTimestamp, plan.PerDeviceSize, opts)
			if err != nil {
				return err
			}
			paths := h.Paths()
			if len(paths) == 0 {
				return errors.New("restored volume has no device path")
			}
			if req.Striped() && len(paths) != req.DeviceCount {
				return fmt.Errorf("backup restored %d devices, expected %d", len(paths), req.DeviceCount)
			}
			if !req.Striped() && len(paths) > 1 {
				return fmt.Errorf("backup restored %d devices, the volume layout mounts exactly one", len(paths))
			}
			handle = h
			return nil
		},
	})
	if err != nil {
		return nil, err
	}

	return handle.Paths(), nil
}

func (p *Provisioner) assembleLVM(ctx context.Context, plan *Plan, devices []string, result *Result) (string, error) {
	req := plan.Request
	names := plan.Names

	err := p.runAction(ctx, result, names.VolumeGroup, Action{
		Step: StepCreateVolumeGroup,
		Apply: func(ctx context.Context) error {
			return p.LVM.CreateVolumeGroup(ctx, names.VolumeGroup, devices)
		},
	})
	if err != nil {
		return "", err
	}

	var dmName string
	err = p.runAction(ctx, result, names.LogicalVolume, Action{
		Step: StepCreateLogicalVolume,
		Apply: func(ctx context.Context) error {
			var err error
			dmName, err = p.LVM.CreateLogicalVolume(ctx, names.LogicalVolume, names.VolumeGroup,
				SizePercentAll, req.DeviceCount, req.StripeSize)
			return err
		},
	})
	if err != nil {
		return "", err
	}
	if dmName != "" && dmName != names.DeviceMapper {
		log.FromContext(ctx).Info("LVM reported an unexpected device-mapper name",
			"expected", names.DeviceMapper, "reported", dmName)
	}

	return MapperPath(p.mapperDir, names.DeviceMapper), nil
}

func (p *Provisioner) encrypt(ctx context.Context, plan *Plan, device string, result *Result) (bool, error) {
	req := plan.Request
	if !req.EncryptionEnabled {
		return false, nil
	}
	if req.EncryptionKey == "" {
		log.FromContext(ctx).Info("encryption key not set - device encryption not enabled")
		result.EncryptionSkipped = true
		return false, nil
	}

	mapper := plan.Names.EncryptedMapper
	err := p.runAction(ctx, result, device, Action{
		Step: StepLuksFormat,
		Satisfied: func(ctx context.Context) (bool, error) {
			return p.Encryption.IsLuks(ctx, device)
		},
		Apply: func(ctx context.Context) error {
			return p.Encryption.Format(ctx, device, req.EncryptionKey)
		},
	})
	if err != nil {
		return false, err
	}

	err = p.runAction(ctx, result, mapper, Action{
		Step: StepLuksOpen,
		Satisfied: func(ctx context.Context) (bool, error) {
			return p.Encryption.MapperExists(ctx, mapper)
		},
		Apply: func(ctx context.Context) error {
			return p.Encryption.Open(ctx, device, mapper, req.EncryptionKey)
		},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (p *Provisioner) formatAndMount(ctx context.Context, plan *Plan, target string, result *Result) error {
	req := plan.Request

	// restored volumes already carry a filesystem
	if plan.Mode == ModeCreate {
		err := p.runAction(ctx, result, target, Action{
			Step: StepCreateFilesystem,
			Apply: func(ctx context.Context) error {
				return p.Filesystem.Create(ctx, target, req.Filesystem, req.MkfsOptions)
			},
		})
		if err != nil {
			return err
		}
	}

	return p.runAction(ctx, result, req.MountPoint, Action{
		Step: StepMount,
		Apply: func(ctx context.Context) error {
			return p.Filesystem.Mount(ctx, target, req.Filesystem, req.MountPoint, true)
		},
	})
}

type nopAudit struct{}

func (nopAudit) RecordStart(context.Context, string, types.StorageRequest) error { return nil }

func (nopAudit) RecordFinish(context.Context, string, *Result, error) error { return nil }
