package ebs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/blockprov/blockprov/internal/filesystem"
	"github.com/juju/clock"
)

// EC2API is the part of the EC2 client used by Service.
type EC2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
}

// MetadataAPI is the part of the instance metadata client used by Service.
type MetadataAPI interface {
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

const (
	defaultVolumeType   = "gp3"
	provisionedIOPSType = "io1"

	defaultWaitTimeout        = 10 * time.Minute
	defaultDevicePollDelay    = time.Second
	defaultDevicePollDuration = 2 * time.Minute
)

// Service creates, attaches and restores EBS volumes for the instance it runs on.
type Service struct {
	ec2      EC2API
	metadata MetadataAPI
	clock    clock.Clock

	instanceID string
	zone       string
	volumeType string

	waitTimeout        time.Duration
	waiterDelay        time.Duration
	devicePollDelay    time.Duration
	devicePollDuration time.Duration
	deviceExists       func(path string) (bool, error)

	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithInstance skips instance metadata discovery.
func WithInstance(instanceID, zone string) Option {
	return func(s *Service) {
		s.instanceID = instanceID
		s.zone = zone
	}
}

// WithVolumeType sets the type of volumes created without provisioned IOPS.
func WithVolumeType(volumeType string) Option {
	return func(s *Service) {
		if volumeType != "" {
			s.volumeType = volumeType
		}
	}
}

// WithWaitTimeout bounds each wait for a volume state change.
func WithWaitTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.waitTimeout = d
		}
	}
}

// WithWaiterDelay sets the minimum delay between volume state polls.
func WithWaiterDelay(d time.Duration) Option {
	return func(s *Service) {
		s.waiterDelay = d
	}
}

// WithDevicePolling sets how often and how long the local device node of an attached volume is polled for.
func WithDevicePolling(delay, duration time.Duration) Option {
	return func(s *Service) {
		if delay > 0 {
			s.devicePollDelay = delay
		}
		if duration > 0 {
			s.devicePollDuration = duration
		}
	}
}

// WithClock replaces the clock used for device polling.
func WithClock(c clock.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithDeviceCheck replaces the check for the local device node.
func WithDeviceCheck(f func(path string) (bool, error)) Option {
	return func(s *Service) {
		s.deviceExists = f
	}
}

// New loads the default AWS configuration and returns a Service.
// The region is discovered from instance metadata when neither region nor the environment set one.
func New(ctx context.Context, region string, opts ...Option) (*Service, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	md := imds.NewFromConfig(cfg)

	if region != "" {
		cfg.Region = region
	}
	if cfg.Region == "" {
		out, err := md.GetRegion(ctx, &imds.GetRegionInput{})
		if err != nil {
			return nil, fmt.Errorf("failed to discover region from instance metadata: %w", err)
		}
		cfg.Region = out.Region
	}

	return NewWithClients(ec2.NewFromConfig(cfg), md, opts...), nil
}

// NewWithClients returns a Service using the given clients.
func NewWithClients(ec2API EC2API, metadata MetadataAPI, opts ...Option) *Service {
	s := &Service{
		ec2:                ec2API,
		metadata:           metadata,
		clock:              clock.WallClock,
		volumeType:         defaultVolumeType,
		waitTimeout:        defaultWaitTimeout,
		devicePollDelay:    defaultDevicePollDelay,
		devicePollDuration: defaultDevicePollDuration,
		deviceExists:       filesystem.IsBlockDevice,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// identity returns the instance ID and availability zone of this node.
func (s *Service) identity(ctx context.Context) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.instanceID != "" && s.zone != "" {
		return s.instanceID, s.zone, nil
	}
	if s.metadata == nil {
		return "", "", fmt.Errorf("instance ID and availability zone are unknown")
	}
	out, err := s.metadata.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return "", "", fmt.Errorf("failed to read instance identity: %w", err)
	}
	if s.instanceID == "" {
		s.instanceID = out.InstanceID
	}
	if s.zone == "" {
		s.zone = out.AvailabilityZone
	}
	return s.instanceID, s.zone, nil
}
