package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blockprov/blockprov"
	"github.com/blockprov/blockprov/internal/audit"
	"github.com/blockprov/blockprov/internal/cloudvolume/ebs"
	"github.com/blockprov/blockprov/internal/cloudvolume/loopback"
	"github.com/blockprov/blockprov/internal/cryptsetup"
	"github.com/blockprov/blockprov/internal/filesystem"
	"github.com/blockprov/blockprov/internal/lvm/command"
	"github.com/blockprov/blockprov/internal/metrics"
	"github.com/blockprov/blockprov/internal/nodeconfig"
	"github.com/blockprov/blockprov/internal/provision"
	"github.com/spf13/cobra"
	utilexec "k8s.io/utils/exec"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const (
	providerEBS      = "ebs"
	providerLoopback = "loopback"

	nodeConfigCommand = "command"
	nodeConfigFile    = "file"
)

type provisionConfig struct {
	provider       string
	region         string
	instanceID     string
	zone           string
	volumeType     string
	attachTimeout  time.Duration
	loopbackDir    string
	lvmPath        string
	lvmPrefix      []string
	mapperDir      string
	nodeConfig     string
	nodeConfigFile string
	rsConfigPath   string
	fstab          string
	auditLog       string
	auditMaxSize   int
	auditBackups   int
	metricsFile    string
	parallelCreate bool
}

var config = provisionConfig{
	provider:       providerEBS,
	volumeType:     "gp3",
	attachTimeout:  10 * time.Minute,
	loopbackDir:    blockprov.DefaultLoopbackDir,
	mapperDir:      blockprov.DeviceMapperDir,
	nodeConfig:     nodeConfigCommand,
	nodeConfigFile: blockprov.DefaultNodeConfigFile,
	rsConfigPath:   nodeconfig.DefaultCommand,
	fstab:          filesystem.DefaultFstab,
	auditLog:       blockprov.DefaultAuditLogPath,
	auditMaxSize:   10,
	auditBackups:   5,
}

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Provision the storage described by the descriptor file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return provisionSubMain(cmd.Context())
	},
}

func provisionSubMain(parentCtx context.Context) error {
	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
	ctx := log.IntoContext(parentCtx, ctrl.Log.WithName("provision"))
	logger := log.FromContext(ctx)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := validateProvisionConfig(&config); err != nil {
		return err
	}
	req, err := loadRequest(ctx)
	if err != nil {
		return err
	}

	collaborators, closer, err := newCollaborators(ctx, &config, utilexec.New())
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			logger.Error(err, "failed to close audit log")
		}
	}()

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	recorder := metrics.NewRecorder(hostname)
	recorder.ObserveRequest(req)

	p := provision.New(collaborators,
		provision.WithRecorder(recorder),
		provision.WithParallelCreate(config.parallelCreate),
		provision.WithMapperDir(config.mapperDir),
	)
	result, runErr := p.Run(ctx, req)

	recorder.ObserveResult(result, time.Now())
	if config.metricsFile != "" {
		if err := recorder.WriteTextfile(config.metricsFile); err != nil {
			logger.Error(err, "failed to write metrics", "path", config.metricsFile)
		}
	}
	if runErr != nil {
		return runErr
	}

	logger.Info("storage provisioned",
		"state", result.State,
		"target", result.Target,
		"mount_point", req.MountPoint,
		"applied", result.Count(provision.OutcomeApplied),
		"skipped", result.Count(provision.OutcomeSkipped),
	)
	return nil
}

// newCollaborators builds the services selected by config. The returned closer releases the audit log.
func newCollaborators(ctx context.Context, config *provisionConfig, exec utilexec.Interface) (provision.Collaborators, io.Closer, error) {
	c := provision.Collaborators{
		LVM: command.NewService(command.WithLVMPath(config.lvmPath), command.WithCommandPrefix(config.lvmPrefix)),
		Encryption: cryptsetup.New(
			cryptsetup.WithExec(exec),
			cryptsetup.WithMapperDir(config.mapperDir),
		),
		Filesystem: filesystem.New(
			filesystem.WithExec(exec),
			filesystem.WithFstab(config.fstab),
		),
	}

	switch config.provider {
	case providerEBS:
		var opts []ebs.Option
		if config.instanceID != "" {
			opts = append(opts, ebs.WithInstance(config.instanceID, config.zone))
		}
		opts = append(opts,
			ebs.WithVolumeType(config.volumeType),
			ebs.WithWaitTimeout(config.attachTimeout),
		)
		svc, err := ebs.New(ctx, config.region, opts...)
		if err != nil {
			return c, nil, fmt.Errorf("failed to configure EBS: %w", err)
		}
		c.Volumes = svc
	case providerLoopback:
		c.Volumes = loopback.New(config.loopbackDir, exec)
	default:
		return c, nil, fmt.Errorf("unknown provider %q", config.provider)
	}

	switch config.nodeConfig {
	case nodeConfigCommand:
		c.Config = nodeconfig.NewCommand(config.rsConfigPath, exec)
	case nodeConfigFile:
		c.Config = nodeconfig.NewFile(config.nodeConfigFile)
	default:
		return c, nil, fmt.Errorf("unknown node config backend %q", config.nodeConfig)
	}

	if config.auditLog == "" {
		return c, nopCloser{}, nil
	}
	sink, err := audit.Open(config.auditLog, config.auditMaxSize, config.auditBackups)
	if err != nil {
		return c, nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	c.Audit = sink
	return c, sink, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func validateProvisionConfig(config *provisionConfig) error {
	switch config.provider {
	case providerEBS, providerLoopback:
	default:
		return fmt.Errorf("unknown provider %q", config.provider)
	}
	switch config.nodeConfig {
	case nodeConfigCommand, nodeConfigFile:
	default:
		return fmt.Errorf("unknown node config backend %q", config.nodeConfig)
	}
	if config.auditLog != "" && config.auditMaxSize < 1 {
		return fmt.Errorf("--audit-log-max-size must be positive: %d", config.auditMaxSize)
	}
	if config.lvmPath != "" && len(config.lvmPrefix) > 0 {
		return errors.New("cannot set both --lvm-path and --lvm-command-prefix")
	}
	return nil
}

//nolint:lll
func init() {
	fs := provisionCmd.Flags()
	fs.StringVar(&config.provider, "provider", config.provider, "cloud volume provider: ebs or loopback")
	fs.StringVar(&config.region, "region", "", "AWS region. If empty, the region of the instance is used")
	fs.StringVar(&config.instanceID, "instance-id", "", "EC2 instance to attach volumes to. If empty, instance metadata is used")
	fs.StringVar(&config.zone, "availability-zone", "", "availability zone of --instance-id")
	fs.StringVar(&config.volumeType, "volume-type", config.volumeType, "EBS volume type for volumes without provisioned IOPS")
	fs.DurationVar(&config.attachTimeout, "attach-timeout", config.attachTimeout, "how long to wait for a volume to become available or attached")
	fs.StringVar(&config.loopbackDir, "loopback-dir", config.loopbackDir, "directory of the loopback backing files")
	fs.StringVar(&config.lvmPath, "lvm-path", "", "lvm command path on the host OS")
	fs.StringSliceVar(&config.lvmPrefix, "lvm-command-prefix", nil, "command and arguments prepended to lvm sub-commands, e.g. nsenter,-m,-u,-i,-n,-p,-t,1,/sbin/lvm")
	fs.StringVar(&config.mapperDir, "mapper-dir", config.mapperDir, "directory of device-mapper devices")
	fs.StringVar(&config.nodeConfig, "node-config", config.nodeConfig, "node configuration backend: command or file")
	fs.StringVar(&config.nodeConfigFile, "node-config-file", config.nodeConfigFile, "file used by the file node configuration backend")
	fs.StringVar(&config.rsConfigPath, "rs-config-path", config.rsConfigPath, "configuration tool used by the command node configuration backend")
	fs.StringVar(&config.fstab, "fstab", config.fstab, "mount table updated so that the filesystem is mounted at boot")
	fs.StringVar(&config.auditLog, "audit-log", config.auditLog, "audit log file. If empty, auditing is disabled")
	fs.IntVar(&config.auditMaxSize, "audit-log-max-size", config.auditMaxSize, "size in megabytes at which the audit log is rotated")
	fs.IntVar(&config.auditBackups, "audit-log-max-backups", config.auditBackups, "number of rotated audit logs to keep")
	fs.StringVar(&config.metricsFile, "metrics-textfile", "", "node exporter textfile the metrics are written to. If empty, metrics are not written")
	fs.BoolVar(&config.parallelCreate, "parallel-create", false, "create the volumes of a stripe concurrently")

	rootCmd.AddCommand(provisionCmd)
}
