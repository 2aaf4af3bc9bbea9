package loopback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/pkg/provision/types"
	"github.com/dustin/go-humanize"
	utilexec "k8s.io/utils/exec"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ErrRestoreUnsupported is returned by Restore: loop devices have no backups.
var ErrRestoreUnsupported = errors.New("restore is not supported by the loopback provider")

const losetupCmd = "losetup"

// Service backs volumes with sparse files attached to loop devices.
type Service struct {
	dir  string
	exec utilexec.Interface
}

// New returns a Service keeping its image files in dir.
func New(dir string, e utilexec.Interface) *Service {
	if dir == "" {
		dir = blockprov.DefaultLoopbackDir
	}
	if e == nil {
		e = utilexec.New()
	}
	return &Service{dir: dir, exec: e}
}

// CreateAndAttach creates the image file of name if it does not exist and returns the loop device it is attached to.
func (s *Service) CreateAndAttach(ctx context.Context, name string, size int64, _ types.VolumeOptions) (types.DeviceHandle, error) {
	logger := log.FromContext(ctx).WithValues("volume", name)

	if name == "" || strings.ContainsRune(name, filepath.Separator) {
		return types.DeviceHandle{}, fmt.Errorf("invalid volume name %q", name)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return types.DeviceHandle{}, err
	}

	image := filepath.Join(s.dir, name+".img")
	bytes := size * blockprov.GiB
	fi, err := os.Stat(image)
	switch {
	case os.IsNotExist(err):
		logger.Info("creating new volume", "image", image, "size", humanize.IBytes(uint64(bytes)))
		if err := createSparseFile(image, bytes); err != nil {
			return types.DeviceHandle{}, err
		}
	case err != nil:
		return types.DeviceHandle{}, err
	case fi.Size() < bytes:
		logger.Info("image is smaller than requested", "image", image,
			"size", humanize.IBytes(uint64(fi.Size())), "requested", humanize.IBytes(uint64(bytes)))
	}

	device, err := s.attachedDevice(ctx, image)
	if err != nil {
		return types.DeviceHandle{}, err
	}
	if device == "" {
		out, err := s.exec.CommandContext(ctx, losetupCmd, "-f", "--show", image).CombinedOutput()
		if err != nil {
			return types.DeviceHandle{}, fmt.Errorf("losetup failed: output=%s, image=%s, error=%w", strings.TrimSpace(string(out)), image, err)
		}
		device = strings.TrimSpace(string(out))
		logger.Info("attached volume", "device", device)
	}
	return types.DeviceHandle{Nickname: name, Device: device, Size: size}, nil
}

// Restore is not supported.
func (s *Service) Restore(context.Context, string, string, int64, int64, types.VolumeOptions) (types.DeviceHandle, error) {
	return types.DeviceHandle{}, ErrRestoreUnsupported
}

// attachedDevice returns the loop device image is attached to, or an empty string.
func (s *Service) attachedDevice(ctx context.Context, image string) (string, error) {
	out, err := s.exec.CommandContext(ctx, losetupCmd, "-j", image).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("losetup failed: output=%s, image=%s, error=%w", strings.TrimSpace(string(out)), image, err)
	}
	// /dev/loop0: [66306]:1234 (/var/lib/blockprov/loopback/data.img)
	for _, line := range strings.Split(string(out), "\n") {
		if dev, _, ok := strings.Cut(line, ":"); ok && strings.HasPrefix(dev, "/dev/") {
			return dev, nil
		}
	}
	return "", nil
}

func createSparseFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}
