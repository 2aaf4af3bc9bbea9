package app

import (
	"flag"
	"fmt"
	"os"

	"github.com/blockprov/blockprov"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

var (
	cfgFilePath string
	layoutName  string
	zapOpts     zap.Options
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:     "blockprov",
	Version: blockprov.Version,
	Short:   "provision block storage on a node",
	Long: `blockprov provisions the block storage described by a storage descriptor.

It creates or restores cloud volumes, stripes them with LVM when more than
one device is requested, optionally encrypts the result with LUKS, then
creates a filesystem and mounts it. Every step checks whether its result
already exists, so running blockprov again on a provisioned node changes
nothing.

The encryption key and the restore source can be given by the
BLOCKPROV_ENCRYPTION_KEY, BLOCKPROV_RESTORE_LINEAGE and
BLOCKPROV_RESTORE_TIMESTAMP environment variables instead of the
descriptor file.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

//nolint:lll
func init() {
	fs := rootCmd.PersistentFlags()
	fs.StringVar(&cfgFilePath, "config", blockprov.DefaultConfigPath, "storage descriptor file")
	fs.StringVar(&layoutName, "layout", "", "storage layout: volume or stripe. If empty, stripe is used for more than one device")

	_ = viper.BindEnv(envEncryptionKey, "BLOCKPROV_ENCRYPTION_KEY")
	_ = viper.BindEnv(envRestoreLineage, "BLOCKPROV_RESTORE_LINEAGE")
	_ = viper.BindEnv(envRestoreTimestamp, "BLOCKPROV_RESTORE_TIMESTAMP")

	goflags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(goflags)
	zapOpts.BindFlags(goflags)

	fs.AddGoFlagSet(goflags)
}
