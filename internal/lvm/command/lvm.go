package command

import (
	"context"
	"fmt"
	"path"
	"slices"
	"strconv"

	"github.com/dustin/go-humanize"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Service creates volume groups and striped logical volumes through the lvm command.
type Service struct {
	runner runner
}

// Option configures a Service.
type Option func(*Service)

// WithLVMPath runs the lvm binary at path. It must not be combined with WithCommandPrefix.
func WithLVMPath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.runner.prefix = []string{path}
		}
	}
}

// WithCommandPrefix runs lvm through prefix, e.g. `nsenter -t 1 -m /sbin/lvm`.
// The prefix must end with the lvm binary.
func WithCommandPrefix(prefix []string) Option {
	return func(s *Service) {
		if len(prefix) > 0 {
			s.runner.prefix = slices.Clone(prefix)
		}
	}
}

// NewService returns a Service running DefaultLVMPath unless configured otherwise.
func NewService(opts ...Option) *Service {
	s := &Service{runner: runner{prefix: []string{DefaultLVMPath}}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateVolumeGroup creates the volume group name out of pvs.
// Devices not yet initialized as physical volumes are initialized first.
// An existing volume group is left as is.
func (s *Service) CreateVolumeGroup(ctx context.Context, name string, pvs []string) error {
	logger := log.FromContext(ctx).WithValues("vg", name)

	existing, err := s.runner.volumeGroup(ctx, name)
	if err == nil {
		if existing.pvCount != 0 && existing.pvCount != len(pvs) {
			logger.Info("volume group exists with a different number of physical volumes",
				"existing", existing.pvCount, "requested", len(pvs))
		}
		logger.V(1).Info("volume group already exists", "size", humanize.IBytes(existing.size))
		return nil
	}
	if !isNotFound(err) {
		return err
	}

	initialized, err := s.runner.physicalVolumes(ctx, pvs...)
	if err != nil {
		return err
	}
	for _, dev := range pvs {
		p, ok := initialized[dev]
		if !ok {
			if err := s.runner.run(ctx, "pvcreate", "-y", dev); err != nil {
				return fmt.Errorf("failed to initialize physical volume %s: %w", dev, err)
			}
			continue
		}
		if p.vgName != "" && p.vgName != name {
			return fmt.Errorf("physical volume %s already belongs to volume group %s", dev, p.vgName)
		}
	}

	logger.Info("creating volume group", "pvs", pvs)
	return s.runner.run(ctx, slices.Concat([]string{"vgcreate", name}, pvs)...)
}

// CreateLogicalVolume creates the logical volume name spanning sizePercent of group,
// striped across stripes devices. stripeSize is in KiB and is left to lvm when zero.
// It returns the device-mapper name of the volume; an existing volume is reused.
func (s *Service) CreateLogicalVolume(ctx context.Context, name, group, sizePercent string, stripes int, stripeSize int64) (string, error) {
	logger := log.FromContext(ctx).WithValues("vg", group, "lv", name)
	existing, err := s.runner.logicalVolume(ctx, group, name)
	if err == nil {
		if stripes > 1 && existing.stripes != 0 && existing.stripes != stripes {
			logger.Info("logical volume exists with a different stripe count",
				"existing", existing.stripes, "requested", stripes)
		}
		logger.V(1).Info("logical volume already exists", "size", humanize.IBytes(existing.size))
		return dmName(existing), nil
	}
	if !isNotFound(err) {
		return "", err
	}

	args := []string{"lvcreate", "-n", name, "-l", sizePercent, "-W", "y", "-y"}
	if stripes > 1 {
		args = append(args, "-i", strconv.Itoa(stripes))
		if stripeSize > 0 {
			args = append(args, "-I", strconv.FormatInt(stripeSize, 10))
		}
	}
	args = append(args, group)

	logger.Info("creating logical volume", "size", sizePercent, "stripes", stripes)
	if err := s.runner.run(ctx, args...); err != nil {
		return "", err
	}

	created, err := s.runner.logicalVolume(ctx, group, name)
	if err != nil {
		return "", fmt.Errorf("failed to look up created logical volume %s/%s: %w", group, name, err)
	}
	return dmName(created), nil
}

func dmName(l lv) string {
	if l.dmPath == "" {
		return ""
	}
	return path.Base(l.dmPath)
}
