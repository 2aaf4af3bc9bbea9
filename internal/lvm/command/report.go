package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// lvmReport is the document printed by `lvm vgs|pvs|lvs --reportformat json`.
// Each section maps the report kind ("vg", "pv", "lv") to its rows.
type lvmReport[T any] struct {
	Report []map[string][]T `json:"report"`
}

func reportRows[T any](ctx context.Context, r runner, kind string, args ...string) ([]T, error) {
	var rep lvmReport[T]
	if err := r.report(ctx, &rep, args...); err != nil {
		return nil, err
	}
	var rows []T
	for _, section := range rep.Report {
		rows = append(rows, section[kind]...)
	}
	return rows, nil
}

// parseNumber parses a numeric report field; lvm leaves fields that do not apply empty.
func parseNumber(field, value string) (uint64, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return n, nil
}

type vg struct {
	name    string
	size    uint64
	pvCount int
}

func (v *vg) UnmarshalJSON(data []byte) error {
	var row struct {
		Name    string `json:"vg_name"`
		Size    string `json:"vg_size"`
		PVCount string `json:"pv_count"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	size, err := parseNumber("vg_size", row.Size)
	if err != nil {
		return err
	}
	count, err := parseNumber("pv_count", row.PVCount)
	if err != nil {
		return err
	}
	*v = vg{name: row.Name, size: size, pvCount: int(count)}
	return nil
}

type pv struct {
	name   string
	vgName string
}

func (p *pv) UnmarshalJSON(data []byte) error {
	var row struct {
		Name   string `json:"pv_name"`
		VGName string `json:"vg_name"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	*p = pv{name: row.Name, vgName: row.VGName}
	return nil
}

type lv struct {
	name    string
	vgName  string
	dmPath  string
	size    uint64
	stripes int
}

func (l *lv) UnmarshalJSON(data []byte) error {
	var row struct {
		Name    string `json:"lv_name"`
		VGName  string `json:"vg_name"`
		DMPath  string `json:"lv_dm_path"`
		Size    string `json:"lv_size"`
		Stripes string `json:"stripes"`
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return err
	}
	size, err := parseNumber("lv_size", row.Size)
	if err != nil {
		return err
	}
	// a linear volume reports no stripe count
	stripes, err := parseNumber("stripes", row.Stripes)
	if err != nil {
		return err
	}
	*l = lv{name: row.Name, vgName: row.VGName, dmPath: row.DMPath, size: size, stripes: int(stripes)}
	return nil
}

// volumeGroup returns the volume group name or ErrNotFound.
func (r runner) volumeGroup(ctx context.Context, name string) (vg, error) {
	rows, err := reportRows[vg](ctx, r, "vg",
		"vgs", name, "-o", "vg_name,vg_size,pv_count", "--units", "b", "--nosuffix")
	if lvmErr, ok := AsLVMError(err); ok && lvmErr.ExitCode() == exitNotFound {
		// vgs exits with 5 for a missing group whatever it prints
		return vg{}, ErrNotFound
	}
	if err != nil {
		return vg{}, err
	}
	for _, row := range rows {
		if row.name == name {
			return row, nil
		}
	}
	return vg{}, ErrNotFound
}

// physicalVolumes returns the devices already initialized as physical volumes, keyed by device path.
func (r runner) physicalVolumes(ctx context.Context, devices ...string) (map[string]pv, error) {
	ret := make(map[string]pv, len(devices))
	for _, device := range devices {
		rows, err := reportRows[pv](ctx, r, "pv", "pvs", device, "-o", "pv_name,vg_name")
		if IsLVMNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			ret[device] = row
		}
	}
	return ret, nil
}

// logicalVolume returns the logical volume group/name or an error wrapping ErrNotFound.
func (r runner) logicalVolume(ctx context.Context, group, name string) (lv, error) {
	rows, err := reportRows[lv](ctx, r, "lv",
		"lvs", group+"/"+name, "-o", "lv_name,vg_name,lv_dm_path,lv_size,stripes", "--units", "b", "--nosuffix")
	if IsLVMNotFound(err) {
		return lv{}, errors.Join(ErrNotFound, err)
	}
	if err != nil {
		return lv{}, err
	}
	if len(rows) == 0 {
		return lv{}, ErrNotFound
	}
	return rows[0], nil
}
