package ebs

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"k8s.io/apimachinery/pkg/util/sets"
)

// fakeEC2 keeps volumes and snapshots in memory. Attached volumes show up as
// local device nodes in present, under their NVMe by-id name when nvme is set.
type fakeEC2 struct {
	mu sync.Mutex

	volumes   []*ec2types.Volume
	snapshots []ec2types.Snapshot
	nextID    int

	created  []*ec2.CreateVolumeInput
	attached []string

	present     sets.Set[string]
	busyDevices sets.Set[string]
	nvme        bool
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		present:     sets.New[string](),
		busyDevices: sets.New[string](),
	}
}

func (f *fakeEC2) deviceExists(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.present.Has(path), nil
}

func hasTag(tags []ec2types.Tag, key string, values []string) bool {
	for _, t := range tags {
		if aws.ToString(t.Key) == key && slices.Contains(values, aws.ToString(t.Value)) {
			return true
		}
	}
	return false
}

func matchVolume(v *ec2types.Volume, filter ec2types.Filter) bool {
	name := aws.ToString(filter.Name)
	switch {
	case strings.HasPrefix(name, "tag:"):
		return hasTag(v.Tags, strings.TrimPrefix(name, "tag:"), filter.Values)
	case name == "status":
		return slices.Contains(filter.Values, string(v.State))
	case name == "attachment.instance-id":
		for _, a := range v.Attachments {
			if slices.Contains(filter.Values, aws.ToString(a.InstanceId)) {
				return true
			}
		}
		return false
	}
	panic("unsupported filter " + name)
}

func (f *fakeEC2) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &ec2.DescribeVolumesOutput{}
	for _, v := range f.volumes {
		if len(in.VolumeIds) > 0 && !slices.Contains(in.VolumeIds, aws.ToString(v.VolumeId)) {
			continue
		}
		matched := true
		for _, filter := range in.Filters {
			if !matchVolume(v, filter) {
				matched = false
				break
			}
		}
		if matched {
			out.Volumes = append(out.Volumes, *v)
		}
	}
	return out, nil
}

func (f *fakeEC2) CreateVolume(_ context.Context, in *ec2.CreateVolumeInput, _ ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	f.created = append(f.created, in)
	v := &ec2types.Volume{
		VolumeId:         aws.String(fmt.Sprintf("vol-%08d", f.nextID)),
		AvailabilityZone: in.AvailabilityZone,
		Size:             in.Size,
		SnapshotId:       in.SnapshotId,
		State:            ec2types.VolumeStateAvailable,
	}
	for _, spec := range in.TagSpecifications {
		v.Tags = append(v.Tags, spec.Tags...)
	}
	f.volumes = append(f.volumes, v)
	// the waiter has to see the volume become available
	return &ec2.CreateVolumeOutput{VolumeId: v.VolumeId, State: ec2types.VolumeStateCreating}, nil
}

func (f *fakeEC2) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	device := aws.ToString(in.Device)
	if f.busyDevices.Has(device) {
		return nil, &smithy.GenericAPIError{
			Code:    "InvalidParameterValue",
			Message: fmt.Sprintf("Value (%s) for parameter device is invalid. Attachment point %s is already in use", device, device),
		}
	}
	for _, v := range f.volumes {
		if aws.ToString(v.VolumeId) != aws.ToString(in.VolumeId) {
			continue
		}
		v.State = ec2types.VolumeStateInUse
		v.Attachments = []ec2types.VolumeAttachment{{
			Device:     in.Device,
			InstanceId: in.InstanceId,
			VolumeId:   in.VolumeId,
			State:      ec2types.VolumeAttachmentStateAttached,
		}}
		f.attached = append(f.attached, aws.ToString(in.VolumeId)+" "+device)
		if f.nvme {
			f.present.Insert("/dev/disk/by-id/nvme-Amazon_Elastic_Block_Store_" + strings.ReplaceAll(aws.ToString(in.VolumeId), "-", ""))
		} else {
			f.present.Insert(device)
		}
		return &ec2.AttachVolumeOutput{Device: in.Device, VolumeId: in.VolumeId, State: ec2types.VolumeAttachmentStateAttaching}, nil
	}
	return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: "volume not found"}
}

func (f *fakeEC2) DescribeSnapshots(_ context.Context, in *ec2.DescribeSnapshotsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &ec2.DescribeSnapshotsOutput{}
	for _, snap := range f.snapshots {
		matched := true
		for _, filter := range in.Filters {
			name := aws.ToString(filter.Name)
			switch {
			case strings.HasPrefix(name, "tag:"):
				matched = matched && hasTag(snap.Tags, strings.TrimPrefix(name, "tag:"), filter.Values)
			case name == "status":
				matched = matched && slices.Contains(filter.Values, string(snap.State))
			}
		}
		if matched {
			out.Snapshots = append(out.Snapshots, snap)
		}
	}
	return out, nil
}

type fakeMetadata struct {
	calls int
}

func (m *fakeMetadata) GetInstanceIdentityDocument(context.Context, *imds.GetInstanceIdentityDocumentInput, ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error) {
	m.calls++
	return &imds.GetInstanceIdentityDocumentOutput{
		InstanceIdentityDocument: imds.InstanceIdentityDocument{
			InstanceID:       "i-0123456789",
			AvailabilityZone: "us-east-1a",
			Region:           "us-east-1",
		},
	}, nil
}
