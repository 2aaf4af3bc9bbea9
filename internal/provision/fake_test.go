package provision

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blockprov/blockprov/pkg/provision/types"
)

// fakeNode implements every collaborator on top of an in-memory node state.
// Calls are logged in order and mutations count the state changes that happened.
type fakeNode struct {
	mu sync.Mutex

	calls     []string
	mutations []string

	config      map[string]string
	volumes     map[string]string
	restore     types.DeviceHandle
	vgs         map[string][]string
	lvs         map[string]string
	luks        map[string]bool
	mappers     map[string]bool
	filesystems map[string]string
	mounts      map[string]string
	enabled     map[string]bool
	audit       []string

	// createDelay delays CreateAndAttach by volume name
	createDelay map[string]time.Duration
	// failures makes the named operation return the error
	failures map[string]error
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		config:      map[string]string{},
		volumes:     map[string]string{},
		vgs:         map[string][]string{},
		lvs:         map[string]string{},
		luks:        map[string]bool{},
		mappers:     map[string]bool{},
		filesystems: map[string]string{},
		mounts:      map[string]string{},
		enabled:     map[string]bool{},
		createDelay: map[string]time.Duration{},
		failures:    map[string]error{},
	}
}

func (f *fakeNode) collaborators() Collaborators {
	return Collaborators{
		Volumes:    f,
		LVM:        f,
		Encryption: f,
		Filesystem: f,
		Config:     f,
		Audit:      f,
	}
}

func (f *fakeNode) call(op string, format string, args ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op+" "+fmt.Sprintf(format, args...))
	return f.failures[op]
}

func (f *fakeNode) mutate(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, fmt.Sprintf(format, args...))
}

func (f *fakeNode) callsOf(op string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ret []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, op+" ") {
			ret = append(ret, c)
		}
	}
	return ret
}

func devicePathFor(name string) string {
	return "/dev/disk/" + name
}

func (f *fakeNode) CreateAndAttach(ctx context.Context, name string, size int64, opts types.VolumeOptions) (types.DeviceHandle, error) {
	if d := f.createDelay[name]; d > 0 {
		time.Sleep(d)
	}
	if err := f.call("CreateAndAttach", "%s %d iops=%d", name, size, opts.IOPS); err != nil {
		return types.DeviceHandle{}, err
	}
	f.mu.Lock()
	dev, ok := f.volumes[name]
	if !ok {
		dev = devicePathFor(name)
		f.volumes[name] = dev
	}
	f.mu.Unlock()
	if !ok {
		f.mutate("create volume %s", name)
	}
	return types.DeviceHandle{Nickname: name, Device: dev, Size: size}, nil
}

func (f *fakeNode) Restore(ctx context.Context, name, lineage string, timestamp, size int64, opts types.VolumeOptions) (types.DeviceHandle, error) {
	if err := f.call("Restore", "%s %s %d %d", name, lineage, timestamp, size); err != nil {
		return types.DeviceHandle{}, err
	}
	f.mutate("restore %s", name)
	return f.restore, nil
}

func (f *fakeNode) CreateVolumeGroup(ctx context.Context, name string, pvs []string) error {
	if err := f.call("CreateVolumeGroup", "%s %v", name, pvs); err != nil {
		return err
	}
	f.mu.Lock()
	_, ok := f.vgs[name]
	f.vgs[name] = pvs
	f.mu.Unlock()
	if !ok {
		f.mutate("vgcreate %s", name)
	}
	return nil
}

func (f *fakeNode) CreateLogicalVolume(ctx context.Context, name, group, sizePercent string, stripes int, stripeSize int64) (string, error) {
	if err := f.call("CreateLogicalVolume", "%s %s %s %d %d", name, group, sizePercent, stripes, stripeSize); err != nil {
		return "", err
	}
	dm := ToDMName(group) + "-" + ToDMName(name)
	f.mu.Lock()
	_, ok := f.lvs[name]
	f.lvs[name] = dm
	f.mu.Unlock()
	if !ok {
		f.mutate("lvcreate %s", name)
	}
	return dm, nil
}

func (f *fakeNode) IsLuks(ctx context.Context, device string) (bool, error) {
	if err := f.call("IsLuks", "%s", device); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.luks[device], nil
}

func (f *fakeNode) Format(ctx context.Context, device, key string) error {
	if err := f.call("Format", "%s", device); err != nil {
		return err
	}
	f.mu.Lock()
	f.luks[device] = true
	f.mu.Unlock()
	f.mutate("luksFormat %s", device)
	return nil
}

func (f *fakeNode) MapperExists(ctx context.Context, name string) (bool, error) {
	if err := f.call("MapperExists", "%s", name); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mappers[name], nil
}

func (f *fakeNode) Open(ctx context.Context, device, mapperName, key string) error {
	if err := f.call("Open", "%s %s", device, mapperName); err != nil {
		return err
	}
	f.mu.Lock()
	f.mappers[mapperName] = true
	f.mu.Unlock()
	f.mutate("luksOpen %s", mapperName)
	return nil
}

func (f *fakeNode) Create(ctx context.Context, device, fsType, mkfsOptions string) error {
	if err := f.call("Create", "%s %s %s", device, fsType, mkfsOptions); err != nil {
		return err
	}
	f.mu.Lock()
	_, ok := f.filesystems[device]
	if !ok {
		f.filesystems[device] = fsType
	}
	f.mu.Unlock()
	if !ok {
		f.mutate("mkfs %s", device)
	}
	return nil
}

func (f *fakeNode) Mount(ctx context.Context, device, fsType, mountPoint string, enable bool) error {
	if err := f.call("Mount", "%s %s %s %t", device, fsType, mountPoint, enable); err != nil {
		return err
	}
	f.mu.Lock()
	mounted := f.mounts[mountPoint] == device
	f.mounts[mountPoint] = device
	f.enabled[mountPoint] = enable
	f.mu.Unlock()
	if !mounted {
		f.mutate("mount %s", mountPoint)
	}
	return nil
}

func (f *fakeNode) Get(ctx context.Context, key string) (string, error) {
	if err := f.call("Get", "%s", key); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config[key], nil
}

func (f *fakeNode) Set(ctx context.Context, key, value string) error {
	if err := f.call("Set", "%s %s", key, value); err != nil {
		return err
	}
	f.mu.Lock()
	f.config[key] = value
	f.mu.Unlock()
	f.mutate("set %s=%s", key, value)
	return nil
}

func (f *fakeNode) RecordStart(ctx context.Context, marker string, req types.StorageRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, "start "+marker)
	return nil
}

func (f *fakeNode) RecordFinish(ctx context.Context, marker string, result *Result, runErr error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, fmt.Sprintf("finish %s %s", marker, result.State))
	return nil
}

type recordedStep struct {
	step    Step
	outcome Outcome
}

type fakeRecorder struct {
	mu    sync.Mutex
	steps []recordedStep
}

func (r *fakeRecorder) ObserveStep(step Step, outcome Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, recordedStep{step: step, outcome: outcome})
}
