package app

import (
	"context"
	"fmt"
	"io"

	"github.com/blockprov/blockprov/internal/provision"
	"github.com/spf13/cobra"
	"sigs.k8s.io/yaml"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the steps a provisioning run would go through",
	Long: `Print the values derived from the descriptor file and the steps a
provisioning run would go through. No volume, device or configuration
value is read or changed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return planSubMain(cmd.Context(), cmd.OutOrStdout())
	},
}

type planView struct {
	Mode            provision.Mode   `json:"mode"`
	Layout          string           `json:"layout"`
	Marker          string           `json:"marker"`
	DeviceSize      int64            `json:"device-size"`
	DetachTimeout   int64            `json:"detach-timeout"`
	Volumes         []string         `json:"volumes,omitempty"`
	VolumeGroup     string           `json:"volume-group,omitempty"`
	LogicalVolume   string           `json:"logical-volume,omitempty"`
	DeviceMapper    string           `json:"device-mapper,omitempty"`
	EncryptedMapper string           `json:"encrypted-mapper,omitempty"`
	MountPoint      string           `json:"mount-point"`
	Steps           []provision.Step `json:"steps"`
}

func newPlanView(plan *provision.Plan) planView {
	v := planView{
		Mode:          plan.Mode,
		Layout:        string(plan.Request.Layout),
		Marker:        plan.Marker,
		DeviceSize:    plan.PerDeviceSize,
		DetachTimeout: plan.DetachTimeout,
		Volumes:       plan.VolumeNames,
		VolumeGroup:   plan.Names.VolumeGroup,
		LogicalVolume: plan.Names.LogicalVolume,
		DeviceMapper:  plan.Names.DeviceMapper,
		MountPoint:    plan.Request.MountPoint,
		Steps:         plan.Steps(),
	}
	if plan.Request.Encrypted() {
		v.EncryptedMapper = plan.Names.EncryptedMapper
	}
	return v
}

func planSubMain(ctx context.Context, w io.Writer) error {
	req, err := loadRequest(ctx)
	if err != nil {
		return err
	}
	plan, err := provision.NewPlan(req)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(newPlanView(plan))
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, string(out))
	return err
}

func init() {
	rootCmd.AddCommand(planCmd)
}
