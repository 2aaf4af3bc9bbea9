package app

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/blockprov/blockprov/pkg/provision/types"
	"github.com/spf13/viper"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"
)

const (
	envEncryptionKey    = "encryption-key"
	envRestoreLineage   = "restore-lineage"
	envRestoreTimestamp = "restore-timestamp"
)

func loadConfFile(ctx context.Context, cfgFilePath string) (*types.Descriptor, error) {
	b, err := os.ReadFile(cfgFilePath)
	if err != nil {
		return nil, err
	}
	desc := &types.Descriptor{}
	if err := yaml.Unmarshal(b, desc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", cfgFilePath, err)
	}
	if err := applyEnvironment(desc); err != nil {
		return nil, err
	}
	log.FromContext(ctx).Info("configuration file loaded",
		"nickname", desc.Device.Nickname,
		"count", desc.Device.Count,
		"volume_size", desc.Device.VolumeSize,
		"mount_point", desc.Device.MountPoint,
		"encryption", bool(desc.Device.Encryption),
		"restore_lineage", desc.Restore.Lineage,
		"file_name", cfgFilePath,
	)
	return desc, nil
}

// applyEnvironment overrides descriptor values with the ones bound in viper.
func applyEnvironment(desc *types.Descriptor) error {
	if key := viper.GetString(envEncryptionKey); key != "" {
		desc.Device.EncryptionKey = key
	}
	if lineage := viper.GetString(envRestoreLineage); lineage != "" {
		desc.Restore.Lineage = lineage
	}
	if ts := viper.GetString(envRestoreTimestamp); ts != "" {
		v, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid restore timestamp %q: %w", ts, err)
		}
		desc.Restore.Timestamp = &v
	}
	return nil
}

func loadRequest(ctx context.Context) (types.StorageRequest, error) {
	layout, err := types.ParseLayout(layoutName)
	if err != nil {
		return types.StorageRequest{}, err
	}
	desc, err := loadConfFile(ctx, cfgFilePath)
	if err != nil {
		return types.StorageRequest{}, err
	}
	return desc.Request(layout), nil
}
