package ebs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/pkg/provision/types"
	"github.com/juju/retry"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// device names AWS recommends for EBS data volumes
var candidateDevices = func() []string {
	ret := make([]string, 0, 11)
	for c := 'f'; c <= 'p'; c++ {
		ret = append(ret, "/dev/xvd"+string(c))
	}
	return ret
}()

var (
	// ErrNoFreeDevice is returned when every candidate device name is in use on the instance.
	ErrNoFreeDevice = errors.New("no free device name for attachment")

	errDeviceNotFound = errors.New("device node not found")
)

// CreateAndAttach returns the device of the volume name attached to this instance,
// creating and attaching it first when needed.
func (s *Service) CreateAndAttach(ctx context.Context, name string, size int64, opts types.VolumeOptions) (types.DeviceHandle, error) {
	instanceID, zone, err := s.identity(ctx)
	if err != nil {
		return types.DeviceHandle{}, err
	}

	input := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(zone),
		Size:             aws.Int32(int32(size)),
		VolumeType:       ec2types.VolumeType(s.volumeType),
	}
	if opts.IOPS > 0 {
		input.VolumeType = ec2types.VolumeType(provisionedIOPSType)
		input.Iops = aws.Int32(int32(opts.IOPS))
	}

	device, err := s.ensureAttached(ctx, name, instanceID, input, nil)
	if err != nil {
		return types.DeviceHandle{}, err
	}
	return types.DeviceHandle{Nickname: name, Device: device, Size: size}, nil
}

// ensureAttached finds or creates the volume name and attaches it to instanceID.
// It returns the local device path of the attached volume.
func (s *Service) ensureAttached(ctx context.Context, name, instanceID string, input *ec2.CreateVolumeInput, extraTags []ec2types.Tag) (string, error) {
	logger := log.FromContext(ctx).WithValues("volume", name)

	vol, err := s.findVolume(ctx, name, instanceID)
	if err != nil {
		return "", err
	}

	if vol == nil {
		input.TagSpecifications = []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags:         append(volumeTags(name, instanceID), extraTags...),
		}}
		logger.Info("creating new volume", "size_gib", aws.ToInt32(input.Size), "type", input.VolumeType,
			"iops", aws.ToInt32(input.Iops), "snapshot", aws.ToString(input.SnapshotId))
		out, err := s.ec2.CreateVolume(ctx, input)
		if err != nil {
			return "", fmt.Errorf("failed to create volume %s: %w", name, err)
		}
		vol = &ec2types.Volume{VolumeId: out.VolumeId, State: out.State}
	}
	volumeID := aws.ToString(vol.VolumeId)
	logger = logger.WithValues("volume_id", volumeID)

	switch vol.State {
	case ec2types.VolumeStateInUse:
		for _, a := range vol.Attachments {
			if aws.ToString(a.InstanceId) == instanceID {
				logger.V(1).Info("volume already attached", "device", aws.ToString(a.Device))
				return s.waitForDevice(ctx, volumeID, aws.ToString(a.Device))
			}
		}
		return "", fmt.Errorf("volume %s (%s) is attached to another instance", name, volumeID)
	case ec2types.VolumeStateAvailable:
	default:
		if err := s.waitAvailable(ctx, volumeID); err != nil {
			return "", err
		}
	}

	device, err := s.attach(ctx, volumeID, instanceID)
	if err != nil {
		return "", err
	}
	logger.Info("attached volume", "device", device)
	return s.waitForDevice(ctx, volumeID, device)
}

func volumeTags(name, instanceID string) []ec2types.Tag {
	return []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String(name)},
		{Key: aws.String(blockprov.InstanceTagKey), Value: aws.String(instanceID)},
	}
}

func tagFilter(key, value string) ec2types.Filter {
	return ec2types.Filter{Name: aws.String("tag:" + key), Values: []string{value}}
}

// findVolume returns the live volume tagged for name on instanceID, or nil.
func (s *Service) findVolume(ctx context.Context, name, instanceID string) (*ec2types.Volume, error) {
	out, err := s.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			tagFilter("Name", name),
			tagFilter(blockprov.InstanceTagKey, instanceID),
			{
				Name: aws.String("status"),
				Values: []string{
					string(ec2types.VolumeStateCreating),
					string(ec2types.VolumeStateAvailable),
					string(ec2types.VolumeStateInUse),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up volume %s: %w", name, err)
	}

	switch len(out.Volumes) {
	case 0:
		return nil, nil
	case 1:
		return &out.Volumes[0], nil
	}
	// prefer the volume attached here, then the oldest
	var found *ec2types.Volume
	for i := range out.Volumes {
		v := &out.Volumes[i]
		if v.State == ec2types.VolumeStateInUse {
			return v, nil
		}
		if found == nil || aws.ToTime(v.CreateTime).Before(aws.ToTime(found.CreateTime)) {
			found = v
		}
	}
	return found, nil
}

func (s *Service) usedDevices(ctx context.Context, instanceID string) (sets.Set[string], error) {
	out, err := s.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("attachment.instance-id"), Values: []string{instanceID}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list attached volumes: %w", err)
	}
	used := sets.New[string]()
	for _, v := range out.Volumes {
		for _, a := range v.Attachments {
			if aws.ToString(a.InstanceId) == instanceID {
				used.Insert(normalizeDevice(aws.ToString(a.Device)))
			}
		}
	}
	return used, nil
}

// normalizeDevice maps /dev/sdX names to their /dev/xvdX equivalent.
func normalizeDevice(device string) string {
	if rest, ok := strings.CutPrefix(device, "/dev/sd"); ok {
		return "/dev/xvd" + rest
	}
	return device
}

func isAttachmentPointInUse(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "InvalidParameterValue" && strings.Contains(apiErr.ErrorMessage(), "already in use")
}

// attach attaches volumeID at the first free device name and waits for it to be in use.
func (s *Service) attach(ctx context.Context, volumeID, instanceID string) (string, error) {
	used, err := s.usedDevices(ctx, instanceID)
	if err != nil {
		return "", err
	}

	for _, device := range candidateDevices {
		if used.Has(device) {
			continue
		}
		_, err := s.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
			Device:     aws.String(device),
			InstanceId: aws.String(instanceID),
			VolumeId:   aws.String(volumeID),
		})
		if isAttachmentPointInUse(err) {
			// taken by an attachment the listing did not show yet
			used.Insert(device)
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to attach volume %s at %s: %w", volumeID, device, err)
		}
		if err := s.waitInUse(ctx, volumeID); err != nil {
			return "", err
		}
		return device, nil
	}
	return "", ErrNoFreeDevice
}

func (s *Service) waitAvailable(ctx context.Context, volumeID string) error {
	w := ec2.NewVolumeAvailableWaiter(s.ec2, func(o *ec2.VolumeAvailableWaiterOptions) {
		if s.waiterDelay > 0 {
			o.MinDelay = s.waiterDelay
			o.MaxDelay = 8 * s.waiterDelay
		}
	})
	err := w.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, s.waitTimeout)
	if err != nil {
		return fmt.Errorf("volume %s did not become available: %w", volumeID, err)
	}
	return nil
}

func (s *Service) waitInUse(ctx context.Context, volumeID string) error {
	w := ec2.NewVolumeInUseWaiter(s.ec2, func(o *ec2.VolumeInUseWaiterOptions) {
		if s.waiterDelay > 0 {
			o.MinDelay = s.waiterDelay
			o.MaxDelay = 8 * s.waiterDelay
		}
	})
	err := w.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, s.waitTimeout)
	if err != nil {
		return fmt.Errorf("volume %s was not attached: %w", volumeID, err)
	}
	return nil
}

// localDeviceCandidates lists where the kernel may expose a volume attached as device:
// the Xen name, its SCSI alias, and the NVMe by-id link of Nitro instances.
func localDeviceCandidates(volumeID, device string) []string {
	ret := []string{device}
	if rest, ok := strings.CutPrefix(device, "/dev/xvd"); ok {
		ret = append(ret, "/dev/sd"+rest)
	}
	ret = append(ret, filepath.Join("/dev/disk/by-id", "nvme-Amazon_Elastic_Block_Store_"+strings.ReplaceAll(volumeID, "-", "")))
	return ret
}

// waitForDevice polls until the block device of an attached volume shows up on the node.
func (s *Service) waitForDevice(ctx context.Context, volumeID, device string) (string, error) {
	logger := log.FromContext(ctx)
	candidates := localDeviceCandidates(volumeID, device)

	var found string
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			for _, c := range candidates {
				ok, err := s.deviceExists(c)
				if err != nil {
					return err
				}
				if ok {
					found = c
					return nil
				}
			}
			return errDeviceNotFound
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errDeviceNotFound)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.V(1).Info("waiting for device node", "volume_id", volumeID, "device", device, "attempt", attempt)
		},
		Attempts:    -1,
		Delay:       s.devicePollDelay,
		MaxDelay:    8 * s.devicePollDelay,
		MaxDuration: s.devicePollDuration,
		BackoffFunc: retry.DoubleDelay,
		Clock:       s.clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return "", fmt.Errorf("device of volume %s did not appear at %v: %w", volumeID, candidates, retry.LastError(err))
	}
	return found, nil
}
