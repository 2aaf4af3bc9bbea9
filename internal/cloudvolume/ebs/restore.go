package ebs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/pkg/provision/types"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ErrNoBackup is returned when no completed backup matches a restore request.
var ErrNoBackup = errors.New("no backup found")

// ErrInvalidBackup is returned when the snapshots of a backup cannot be ordered.
var ErrInvalidBackup = errors.New("invalid backup")

// backup is the set of snapshots taken together for one lineage.
type backup struct {
	timestamp int64
	snapshots []snapshot
}

type snapshot struct {
	id string
	// position is zero when the snapshot has no position tag
	position int
	sizeGiB  int64
}

// checkPositions requires every snapshot of a multi-snapshot backup to have a distinct position.
func (b *backup) checkPositions(lineage string) error {
	if len(b.snapshots) < 2 {
		return nil
	}
	seen := make(map[int]string, len(b.snapshots))
	for _, snap := range b.snapshots {
		if snap.position < 1 {
			return fmt.Errorf("%w: snapshot %s of lineage %s at %d has no position", ErrInvalidBackup, snap.id, lineage, b.timestamp)
		}
		if other, ok := seen[snap.position]; ok {
			return fmt.Errorf("%w: snapshots %s and %s of lineage %s at %d share position %d",
				ErrInvalidBackup, other, snap.id, lineage, b.timestamp, snap.position)
		}
		seen[snap.position] = snap.id
	}
	return nil
}

// Restore creates one volume per snapshot of the newest backup of lineage taken at or before timestamp,
// or the newest backup when timestamp is zero, and attaches them in position order.
func (s *Service) Restore(ctx context.Context, name, lineage string, timestamp, size int64, opts types.VolumeOptions) (types.DeviceHandle, error) {
	logger := log.FromContext(ctx).WithValues("lineage", lineage)

	instanceID, zone, err := s.identity(ctx)
	if err != nil {
		return types.DeviceHandle{}, err
	}

	b, err := s.findBackup(ctx, lineage, timestamp)
	if err != nil {
		return types.DeviceHandle{}, err
	}
	logger.Info("restoring backup", "timestamp", b.timestamp, "snapshots", len(b.snapshots))

	handle := types.DeviceHandle{Nickname: name}
	for _, snap := range b.snapshots {
		volumeName := name
		if len(b.snapshots) > 1 {
			volumeName = fmt.Sprintf("%s_%d", name, snap.position)
		}

		volumeSize := max(size, snap.sizeGiB)
		input := &ec2.CreateVolumeInput{
			AvailabilityZone: aws.String(zone),
			SnapshotId:       aws.String(snap.id),
			Size:             aws.Int32(int32(volumeSize)),
			VolumeType:       ec2types.VolumeType(s.volumeType),
		}
		if opts.IOPS > 0 {
			input.VolumeType = ec2types.VolumeType(provisionedIOPSType)
			input.Iops = aws.Int32(int32(opts.IOPS))
		}
		lineageTag := ec2types.Tag{Key: aws.String(blockprov.LineageTagKey), Value: aws.String(lineage)}

		device, err := s.ensureAttached(ctx, volumeName, instanceID, input, []ec2types.Tag{lineageTag})
		if err != nil {
			return types.DeviceHandle{}, err
		}
		handle.Devices = append(handle.Devices, device)
		handle.Size += volumeSize
	}

	if len(handle.Devices) == 1 {
		handle.Device = handle.Devices[0]
		handle.Devices = nil
	}
	return handle, nil
}

// findBackup groups the completed snapshots of lineage by their backup timestamp and picks one.
func (s *Service) findBackup(ctx context.Context, lineage string, timestamp int64) (*backup, error) {
	backups := map[int64]*backup{}

	p := ec2.NewDescribeSnapshotsPaginator(s.ec2, &ec2.DescribeSnapshotsInput{
		OwnerIds: []string{"self"},
		Filters: []ec2types.Filter{
			tagFilter(blockprov.LineageTagKey, lineage),
			{Name: aws.String("status"), Values: []string{string(ec2types.SnapshotStateCompleted)}},
		},
	})
	for p.HasMorePages() {
		out, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots of lineage %s: %w", lineage, err)
		}
		for _, snap := range out.Snapshots {
			ts, pos, ok := snapshotTags(snap.Tags)
			if !ok {
				log.FromContext(ctx).Info("ignoring snapshot without backup tags", "snapshot_id", aws.ToString(snap.SnapshotId))
				continue
			}
			b := backups[ts]
			if b == nil {
				b = &backup{timestamp: ts}
				backups[ts] = b
			}
			b.snapshots = append(b.snapshots, snapshot{
				id:       aws.ToString(snap.SnapshotId),
				position: pos,
				sizeGiB:  int64(aws.ToInt32(snap.VolumeSize)),
			})
		}
	}

	var chosen *backup
	for ts, b := range backups {
		if timestamp > 0 && ts > timestamp {
			continue
		}
		if chosen == nil || ts > chosen.timestamp {
			chosen = b
		}
	}
	if chosen == nil {
		if timestamp > 0 {
			return nil, fmt.Errorf("%w for lineage %s at or before %d", ErrNoBackup, lineage, timestamp)
		}
		return nil, fmt.Errorf("%w for lineage %s", ErrNoBackup, lineage)
	}
	if err := chosen.checkPositions(lineage); err != nil {
		return nil, err
	}

	sort.Slice(chosen.snapshots, func(i, j int) bool {
		return chosen.snapshots[i].position < chosen.snapshots[j].position
	})
	return chosen, nil
}

func snapshotTags(tags []ec2types.Tag) (int64, int, bool) {
	var ts int64
	var pos int
	hasTimestamp := false
	for _, tag := range tags {
		switch aws.ToString(tag.Key) {
		case blockprov.TimestampTagKey:
			v, err := strconv.ParseInt(aws.ToString(tag.Value), 10, 64)
			if err != nil {
				return 0, 0, false
			}
			ts = v
			hasTimestamp = true
		case blockprov.PositionTagKey:
			v, err := strconv.Atoi(aws.ToString(tag.Value))
			if err != nil || v < 1 {
				return 0, 0, false
			}
			pos = v
		}
	}
	return ts, pos, hasTimestamp
}
