package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	mountutil "k8s.io/mount-utils"
	utilexec "k8s.io/utils/exec"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// DefaultFstab is the system mount table.
const DefaultFstab = "/etc/fstab"

// Service creates filesystems and mounts them persistently.
type Service struct {
	mounter mountutil.Interface
	exec    utilexec.Interface
	blkid   string
	fstab   string
}

// Option configures a Service.
type Option func(*Service)

// WithMounter replaces the mounter.
func WithMounter(m mountutil.Interface) Option {
	return func(s *Service) {
		s.mounter = m
	}
}

// WithExec replaces the command runner used for blkid and mkfs.
func WithExec(e utilexec.Interface) Option {
	return func(s *Service) {
		s.exec = e
	}
}

// WithFstab sets the mount table file updated by Mount.
func WithFstab(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.fstab = path
		}
	}
}

// New returns a Service.
func New(opts ...Option) *Service {
	s := &Service{
		mounter: mountutil.New(""),
		exec:    utilexec.New(),
		blkid:   blkidCmd,
		fstab:   DefaultFstab,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create makes a filesystem of fsType on device unless the device already has one.
// mkfsOptions are whitespace separated arguments for mkfs.
func (s *Service) Create(ctx context.Context, device, fsType, mkfsOptions string) error {
	logger := log.FromContext(ctx).WithValues("device", device)

	existing, err := detectFilesystem(s.exec, s.blkid, device)
	if err != nil {
		return err
	}
	if existing != "" {
		if existing != fsType {
			logger.Info("device already has a different filesystem", "existing", existing, "requested", fsType)
		} else {
			logger.V(1).Info("filesystem already exists", "fstype", existing)
		}
		return nil
	}

	args := append(strings.Fields(mkfsOptions), device)
	logger.Info("creating filesystem", "fstype", fsType, "options", mkfsOptions)
	out, err := s.exec.CommandContext(ctx, "mkfs."+fsType, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("mkfs.%s failed: output=%s, device=%s, error=%w", fsType, strings.TrimSpace(string(out)), device, err)
	}
	return nil
}

// Mount mounts device at mountPoint, creating the directory if needed.
// When enable is set the mount is also recorded in the mount table so that it survives reboots.
func (s *Service) Mount(ctx context.Context, device, fsType, mountPoint string, enable bool) error {
	logger := log.FromContext(ctx).WithValues("device", device, "mount_point", mountPoint)

	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point %s: %w", mountPoint, err)
	}

	if enable {
		changed, err := ensureFstabEntry(s.fstab, fstabEntry{
			device:     device,
			mountPoint: mountPoint,
			fsType:     fsType,
			options:    "defaults",
			dump:       "0",
			pass:       "2",
		})
		if err != nil {
			return fmt.Errorf("failed to update %s: %w", s.fstab, err)
		}
		if changed {
			logger.Info("enabled mount", "fstab", s.fstab)
		}
	}

	notMnt, err := s.mounter.IsLikelyNotMountPoint(mountPoint)
	if err != nil {
		return fmt.Errorf("failed to check mount point %s: %w", mountPoint, err)
	}
	if !notMnt {
		logger.V(1).Info("already mounted")
		return nil
	}

	logger.Info("mounting filesystem", "fstype", fsType)
	return s.mounter.Mount(device, mountPoint, fsType, nil)
}

type fstabEntry struct {
	device     string
	mountPoint string
	fsType     string
	options    string
	dump       string
	pass       string
}

func (e fstabEntry) String() string {
	return strings.Join([]string{e.device, e.mountPoint, e.fsType, e.options, e.dump, e.pass}, " ")
}

// ensureFstabEntry makes entry the only line of the fstab file for its mount point.
// It returns true when the file was changed.
func ensureFstabEntry(path string, entry fstabEntry) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	var lines []string
	found := false
	changed := false
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" && len(data) == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") || fields[1] != entry.mountPoint {
			lines = append(lines, line)
			continue
		}
		if found {
			changed = true
			continue
		}
		found = true
		if len(fields) >= 3 && fields[0] == entry.device && fields[2] == entry.fsType {
			lines = append(lines, line)
			continue
		}
		lines = append(lines, entry.String())
		changed = true
	}
	if !found {
		lines = append(lines, entry.String())
		changed = true
	}
	if !changed {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".fstab-")
	if err != nil {
		return false, err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(strings.Join(lines, "\n") + "\n"); err != nil {
		_ = tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return false, err
	}
	return true, os.Rename(tmp.Name(), path)
}
