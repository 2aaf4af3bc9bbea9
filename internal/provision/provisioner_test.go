package provision

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blockprov/blockprov/pkg/provision/types"
	"github.com/go-logr/logr/funcr"
	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

func testContext(t *testing.T) context.Context {
	return log.IntoContext(context.Background(), testr.New(t))
}

func TestRunCreateStripe(t *testing.T) {
	ctx := testContext(t)
	node := newFakeNode()
	recorder := &fakeRecorder{}
	p := New(node.collaborators(), WithRecorder(recorder))

	req := validRequest()
	req.IOPS = 1000
	req.StripeSize = 512
	req.MkfsOptions = "-m 0"
	result, err := p.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	expectedCreates := []string{
		"CreateAndAttach Data_1_1 34 iops=1000",
		"CreateAndAttach Data_1_2 34 iops=1000",
		"CreateAndAttach Data_1_3 34 iops=1000",
	}
	if diff := cmp.Diff(expectedCreates, node.callsOf("CreateAndAttach")); diff != "" {
		t.Errorf("create calls mismatch (-want +got):\n%s", diff)
	}

	devices := []string{devicePathFor("Data_1_1"), devicePathFor("Data_1_2"), devicePathFor("Data_1_3")}
	if diff := cmp.Diff(devices, node.vgs["data-1-vg"]); diff != "" {
		t.Errorf("physical volumes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"CreateLogicalVolume data-1-lv data-1-vg 100%VG 3 512"}, node.callsOf("CreateLogicalVolume")); diff != "" {
		t.Errorf("lvcreate mismatch (-want +got):\n%s", diff)
	}

	target := "/dev/mapper/data--1--vg-data--1--lv"
	if diff := cmp.Diff([]string{"Create " + target + " ext4 -m 0"}, node.callsOf("Create")); diff != "" {
		t.Errorf("mkfs mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Mount " + target + " ext4 /mnt/storage true"}, node.callsOf("Mount")); diff != "" {
		t.Errorf("mount mismatch (-want +got):\n%s", diff)
	}
	if node.config["decommission_timeout"] != "900" {
		t.Errorf("expected scaled timeout 900, got %q", node.config["decommission_timeout"])
	}

	if result.State != StateMounted || result.Target != target || result.Device != target || result.Encrypted {
		t.Errorf("unexpected result %+v", result)
	}
	if diff := cmp.Diff(devices, result.Devices); diff != "" {
		t.Errorf("result devices mismatch (-want +got):\n%s", diff)
	}
	if result.Count(OutcomeApplied) != 8 || len(recorder.steps) != 8 {
		t.Errorf("expected 8 applied steps, got %d (recorded %d)", result.Count(OutcomeApplied), len(recorder.steps))
	}
	if diff := cmp.Diff([]string{"start blockprov_stripe_start", "finish blockprov_stripe_start Mounted"}, node.audit); diff != "" {
		t.Errorf("audit mismatch (-want +got):\n%s", diff)
	}
}

func TestRunParallelCreateKeepsOrder(t *testing.T) {
	ctx := testContext(t)
	node := newFakeNode()
	node.createDelay["Data_1_1"] = 60 * time.Millisecond
	node.createDelay["Data_1_2"] = 30 * time.Millisecond
	p := New(node.collaborators(), WithParallelCreate(true))

	result, err := p.Run(ctx, validRequest())
	if err != nil {
		t.Fatal(err)
	}
	devices := []string{devicePathFor("Data_1_1"), devicePathFor("Data_1_2"), devicePathFor("Data_1_3")}
	if diff := cmp.Diff(devices, result.Devices); diff != "" {
		t.Errorf("devices mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(devices, node.vgs["data-1-vg"]); diff != "" {
		t.Errorf("physical volumes mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRestoreVolume(t *testing.T) {
	ctx := testContext(t)
	node := newFakeNode()
	node.restore = types.DeviceHandle{Nickname: "db", Device: "/dev/xvdf", Size: 10}
	p := New(node.collaborators())

	req := types.StorageRequest{
		Layout:            types.LayoutVolume,
		DeviceCount:       1,
		Nickname:          "db",
		TotalSize:         10,
		Filesystem:        "xfs",
		MountPoint:        "/var/lib/db",
		RestoreLineage:    "db-nightly",
		RestoreTimestamp:  1400000000,
		DetachTimeoutBase: 300,
	}
	result, err := p.Run(ctx, req)
	if err != nil {
		t.Fatal(err)
	}

	if calls := node.callsOf("CreateAndAttach"); len(calls) != 0 {
		t.Errorf("no volume should be created, got %v", calls)
	}
	if diff := cmp.Diff([]string{"Restore db db-nightly 1400000000 10"}, node.callsOf("Restore")); diff != "" {
		t.Errorf("restore mismatch (-want +got):\n%s", diff)
	}
	if calls := node.callsOf("Create"); len(calls) != 0 {
		t.Errorf("filesystem should not be created on restore, got %v", calls)
	}
	if diff := cmp.Diff([]string{"Mount /dev/xvdf xfs /var/lib/db true"}, node.callsOf("Mount")); diff != "" {
		t.Errorf("mount mismatch (-want +got):\n%s", diff)
	}
	if node.config["decommission_timeout"] != "300" {
		t.Errorf("single volume timeout should not be scaled, got %q", node.config["decommission_timeout"])
	}
	if result.Mode != ModeRestore || result.Target != "/dev/xvdf" {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestRunRestoreStripe(t *testing.T) {
	ctx := testContext(t)
	node := newFakeNode()
	node.restore = types.DeviceHandle{Devices: []string{"/dev/xvdg", "/dev/xvdf", "/dev/xvdh"}}
	p := New(node.collaborators())

	req := validRequest()
	req.RestoreLineage = "nightly"
	if _, err := p.Run(ctx, req); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"Restore Data_1 nightly 0 34"}, node.callsOf("Restore")); diff != "" {
		t.Errorf("restore mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(node.restore.Devices, node.vgs["data-1-vg"]); diff != "" {
		t.Errorf("restored devices should be assembled in backup order (-want +got):\n%s", diff)
	}
	if len(node.callsOf("CreateLogicalVolume")) != 1 {
		t.Error("LVM should be re-declared on restore")
	}
	if len(node.callsOf("Create")) != 0 {
		t.Error("filesystem should not be created on restore")
	}
}

func TestRunRestoreStripeDeviceCountMismatch(t *testing.T) {
	ctx := testContext(t)
	node := newFakeNode()
	node.restore = types.DeviceHandle{Devices: []string{"/dev/xvdf", "/dev/xvdg"}}
	p := New(node.collaborators())

	req := validRequest()
	req.RestoreLineage = "nightly"
	result, err := p.Run(ctx, req)
	if step, ok := FailedStep(err); !ok || step != StepRestoreVolume {
		t.Fatalf("expected restore failure, got %v", err)
	}
	if result.State != StateAborted || len(node.callsOf("CreateVolumeGroup")) != 0 {
		t.Errorf("run should abort before LVM assembly: %+v", result)
	}
}

func TestRunRestoreVolumeRejectsSeveralDevices(t *testing.T) {
	ctx := testContext(t)
	node := newFakeNode()
	node.restore = types.DeviceHandle{Devices: []string{"/dev/xvdf", "/dev/xvdg", "/dev/xvdh"}}
	p := New(node.collaborators())

	req := types.StorageRequest{
		Layout:         types.LayoutVolume,
		DeviceCount:    1,
		Nickname:       "db",
		TotalSize:      10,
		Filesystem:     "xfs",
		MountPoint:     "/var/lib/db",
		RestoreLineage: "nightly",
	}
	result, err := p.Run(ctx, req)
	if step, ok := FailedStep(err); !ok || step != StepRestoreVolume {
		t.Fatalf("expected restore failure, got %v", err)
	}
	if result.State != StateAborted || result.Target != "" {
		t.Errorf("unexpected result %+v", result)
	}
	if calls := node.callsOf("Mount"); len(calls) != 0 {
		t.Errorf("nothing should be mounted, got %v", calls)
	}
}

func TestRunConfigurationError(t *testing.T) {
	ctx := testContext(t)
	node := newFakeNode()
	p := New(node.collaborators())

	req := validRequest()
	req.DeviceCount = 1
	result, err := p.Run(ctx, req)
	if !IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if result != nil {
		t.Errorf("no result expected, got %+v", result)
	}
	if len(node.calls) != 0 || len(node.audit) != 0 {
		t.Errorf("no collaborator should be called, got %v %v", node.calls, node.audit)
	}
}

func TestRunMissingCollaborator(t *testing.T) {
	node := newFakeNode()
	c := node.collaborators()
	c.LVM = nil
	_, err := New(c).Run(testContext(t), validRequest())
	if err == nil || len(node.calls) != 0 {
		t.Fatalf("expected a wiring error before any call, got %v", err)
	}
}

func TestRunEncryption(t *testing.T) {
	target := "/dev/mapper/data--1--vg-data--1--lv"
	mapper := "encrypted-data--1--vg-data--1--lv"

	tests := []struct {
		name          string
		luks          bool
		opened        bool
		expectFormat  int
		expectOpen    int
		expectSkipped int
	}{
		{name: "fresh device is formatted and opened", expectFormat: 1, expectOpen: 1},
		{name: "luks device is only opened", luks: true, expectOpen: 1, expectSkipped: 1},
		{name: "opened device is left alone", luks: true, opened: true, expectSkipped: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode()
			node.luks[target] = tt.luks
			node.mappers[mapper] = tt.opened
			p := New(node.collaborators())

			req := validRequest()
			req.EncryptionEnabled = true
			req.EncryptionKey = "secret"
			result, err := p.Run(testContext(t), req)
			if err != nil {
				t.Fatal(err)
			}

			if n := len(node.callsOf("Format")); n != tt.expectFormat {
				t.Errorf("expected %d format calls, got %d", tt.expectFormat, n)
			}
			if n := len(node.callsOf("Open")); n != tt.expectOpen {
				t.Errorf("expected %d open calls, got %d", tt.expectOpen, n)
			}
			if n := result.Count(OutcomeSkipped); n != tt.expectSkipped {
				t.Errorf("expected %d skipped steps, got %d", tt.expectSkipped, n)
			}
			expectedTarget := "/dev/mapper/" + mapper
			if result.Target != expectedTarget || !result.Encrypted {
				t.Errorf("expected encrypted target %s, got %+v", expectedTarget, result)
			}
			if diff := cmp.Diff([]string{"Mount " + expectedTarget + " ext4 /mnt/storage true"}, node.callsOf("Mount")); diff != "" {
				t.Errorf("mount mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunEncryptionWithoutKey(t *testing.T) {
	node := newFakeNode()
	c := node.collaborators()
	c.Encryption = nil
	p := New(c, WithMapperDir("/run/mapper"))

	var mu sync.Mutex
	var lines []string
	logger := funcr.New(func(prefix, args string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, args)
	}, funcr.Options{})

	req := validRequest()
	req.EncryptionEnabled = true
	result, err := p.Run(log.IntoContext(context.Background(), logger), req)
	if err != nil {
		t.Fatal(err)
	}
	var notices []string
	for _, line := range lines {
		if strings.Contains(line, "encryption key not set") {
			notices = append(notices, line)
		}
	}
	if len(notices) != 1 {
		t.Errorf("expected one missing key notice, got %v", notices)
	}
	for _, op := range []string{"IsLuks", "Format", "MapperExists", "Open"} {
		if calls := node.callsOf(op); len(calls) != 0 {
			t.Errorf("unexpected %s calls: %v", op, calls)
		}
	}
	plain := "/run/mapper/data--1--vg-data--1--lv"
	if result.Target != plain || result.Encrypted || !result.EncryptionSkipped {
		t.Errorf("expected plain target %s, got %+v", plain, result)
	}
}

func TestRunSingleVolumeEncryption(t *testing.T) {
	node := newFakeNode()
	p := New(node.collaborators())

	req := types.StorageRequest{
		Layout:            types.LayoutVolume,
		DeviceCount:       1,
		Nickname:          "Logs",
		TotalSize:         20,
		Filesystem:        "ext4",
		MountPoint:        "/var/log/app",
		EncryptionEnabled: true,
		EncryptionKey:     "secret",
	}
	result, err := p.Run(testContext(t), req)
	if err != nil {
		t.Fatal(err)
	}
	dev := devicePathFor("Logs")
	if diff := cmp.Diff([]string{"Open " + dev + " encrypted-logs"}, node.callsOf("Open")); diff != "" {
		t.Errorf("open mismatch (-want +got):\n%s", diff)
	}
	if result.Target != "/dev/mapper/encrypted-logs" || result.Device != dev {
		t.Errorf("unexpected result %+v", result)
	}
	if len(node.callsOf("CreateVolumeGroup")) != 0 {
		t.Error("single volume should skip LVM")
	}
}

func TestRunAbortsOnCollaboratorFailure(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		op       string
		step     Step
		notAfter string
	}{
		{op: "Set", step: StepConfigureTimeout, notAfter: "CreateAndAttach"},
		{op: "CreateAndAttach", step: StepCreateVolume, notAfter: "CreateVolumeGroup"},
		{op: "CreateVolumeGroup", step: StepCreateVolumeGroup, notAfter: "CreateLogicalVolume"},
		{op: "CreateLogicalVolume", step: StepCreateLogicalVolume, notAfter: "Create"},
		{op: "IsLuks", step: StepLuksFormat, notAfter: "Open"},
		{op: "Open", step: StepLuksOpen, notAfter: "Create"},
		{op: "Create", step: StepCreateFilesystem, notAfter: "Mount"},
		{op: "Mount", step: StepMount},
	}

	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			node := newFakeNode()
			node.failures[tt.op] = errBoom
			p := New(node.collaborators())

			req := validRequest()
			req.EncryptionEnabled = true
			req.EncryptionKey = "secret"
			result, err := p.Run(testContext(t), req)
			if !errors.Is(err, errBoom) {
				t.Fatalf("expected collaborator error, got %v", err)
			}
			if step, _ := FailedStep(err); step != tt.step {
				t.Errorf("expected step %s, got %s", tt.step, step)
			}
			if result.State != StateAborted {
				t.Errorf("expected aborted state, got %s", result.State)
			}
			if tt.notAfter != "" && len(node.callsOf(tt.notAfter)) != 0 {
				t.Errorf("%s should not be called after failure", tt.notAfter)
			}
			if node.audit[len(node.audit)-1] != "finish blockprov_stripe_start Aborted" {
				t.Errorf("unexpected audit %v", node.audit)
			}
		})
	}
}

func TestRunTimeoutCheck(t *testing.T) {
	tests := []struct {
		name    string
		current string
		getErr  error
		setCall bool
	}{
		{name: "equal value is skipped", current: "900"},
		{name: "padded equal value is skipped", current: " 900\n"},
		{name: "different value is set", current: "300", setCall: true},
		{name: "garbage value is set", current: "n/a", setCall: true},
		{name: "unreadable value is set", getErr: errors.New("no rs_config"), setCall: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := newFakeNode()
			node.config["decommission_timeout"] = tt.current
			node.failures["Get"] = tt.getErr
			p := New(node.collaborators())
			if _, err := p.Run(testContext(t), validRequest()); err != nil {
				t.Fatal(err)
			}
			if got := len(node.callsOf("Set")) == 1; got != tt.setCall {
				t.Errorf("expected set call %t, got %v", tt.setCall, node.callsOf("Set"))
			}
		})
	}
}
