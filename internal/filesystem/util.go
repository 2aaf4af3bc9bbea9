package filesystem

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"
	utilexec "k8s.io/utils/exec"
)

const (
	blkidCmd = "/sbin/blkid"
)

type temporaryer interface {
	Temporary() bool
}

// detectFilesystem returns filesystem type if device has a filesystem.
// This returns an empty string if no filesystem exists.
func detectFilesystem(e utilexec.Interface, blkid, device string) (string, error) {
	f, err := os.Open(device)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	// synchronizes dirty data
	err = f.Sync()
	if err != nil {
		return "", err
	}

	out, err := e.Command(blkid, "-c", "/dev/null", "-o", "export", device).CombinedOutput()
	if err != nil {
		var exitErr utilexec.ExitError
		// blkid exits with status 2 when nothing can be found
		if errors.As(err, &exitErr) && exitErr.ExitStatus() == 2 {
			return "", nil
		}
		return "", fmt.Errorf("blkid failed: output=%s, device=%s, error=%w", string(out), device, err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "TYPE=") {
			return line[5:], nil
		}
	}

	return "", nil
}

// Stat wrapped a golang.org/x/sys/unix.Stat function to handle EINTR signal for Go 1.14+
func Stat(path string, stat *unix.Stat_t) error {
	for {
		err := unix.Stat(path, stat)
		if err == nil {
			return nil
		}
		if e, ok := err.(temporaryer); ok && e.Temporary() {
			continue
		}
		return err
	}
}

// IsBlockDevice reports whether path exists and is a block device.
func IsBlockDevice(path string) (bool, error) {
	var st unix.Stat_t
	if err := Stat(path, &st); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, err
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}
