package testutils

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	envSkipTestsUsingRoot = "SKIP_TESTS_USING_ROOT"
)

// RequireRoot fails the test unless it runs as root, or skips it when SKIP_TESTS_USING_ROOT=1.
func RequireRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() == 0 {
		return
	}
	if os.Getenv(envSkipTestsUsingRoot) == "1" {
		t.Skipf("this test requires root but %s is set to 1", envSkipTestsUsingRoot)
	}
	t.Fatalf("run as root or set environment variable %s to 1", envSkipTestsUsingRoot)
}

// MakeLoopbackDevice attaches a sparse file of the given size to a free loop device.
func MakeLoopbackDevice(ctx context.Context, name, size string) (string, error) {
	command := exec.Command("losetup", "-f")
	command.Stderr = os.Stderr
	loop := bytes.Buffer{}
	command.Stdout = &loop
	err := command.Run()
	if err != nil {
		return "", err
	}
	loopDev := strings.TrimRight(loop.String(), "\n")
	out, err := exec.Command("truncate", "--size="+size, name).CombinedOutput()
	if err != nil {
		log.FromContext(ctx).Error(err, "failed truncate", "output", string(out))
		return "", err
	}
	out, err = exec.Command("losetup", loopDev, name).CombinedOutput()
	if err != nil {
		log.FromContext(ctx).Error(err, "failed losetup", "output", string(out))
		return "", err
	}
	return loopDev, nil
}

// CleanLoopbackVG deletes a VG built on loop devices, then detaches the devices and removes their files.
func CleanLoopbackVG(name string, loops []string, files []string) error {
	err := exec.Command("vgremove", "-f", name).Run()
	if err != nil {
		return err
	}
	return CleanLoopbackDevices(loops, files)
}

// CleanLoopbackDevices detaches loops and removes their backing files.
func CleanLoopbackDevices(loops []string, files []string) error {
	for _, loop := range loops {
		if err := exec.Command("losetup", "-d", loop).Run(); err != nil {
			return err
		}
	}
	for _, file := range files {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
