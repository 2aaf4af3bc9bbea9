package cryptsetup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/blockprov/blockprov"
	utilexec "k8s.io/utils/exec"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const defaultCommand = "cryptsetup"

// Client formats and opens LUKS devices with the cryptsetup command.
// Keys are always passed on stdin and never appear in arguments or logs.
type Client struct {
	exec      utilexec.Interface
	command   string
	mapperDir string
}

// Option configures a Client.
type Option func(*Client)

// WithExec replaces the command runner.
func WithExec(e utilexec.Interface) Option {
	return func(c *Client) {
		c.exec = e
	}
}

// WithCommand sets the path of the cryptsetup binary.
func WithCommand(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.command = path
		}
	}
}

// WithMapperDir sets the directory where opened devices appear.
func WithMapperDir(dir string) Option {
	return func(c *Client) {
		if dir != "" {
			c.mapperDir = dir
		}
	}
}

// New returns a Client.
func New(opts ...Option) *Client {
	c := &Client{
		exec:      utilexec.New(),
		command:   defaultCommand,
		mapperDir: blockprov.DeviceMapperDir,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsLuks reports whether device carries a LUKS header.
func (c *Client) IsLuks(ctx context.Context, device string) (bool, error) {
	cmd := c.exec.CommandContext(ctx, c.command, "isLuks", device)
	var stderr bytes.Buffer
	cmd.SetStderr(&stderr)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}

	// isLuks exits with 1 for a device without a LUKS header
	var exitErr utilexec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitStatus() == 1 {
		return false, nil
	}
	return false, commandError("isLuks", device, err, stderr.Bytes())
}

// Format writes a LUKS header to device.
func (c *Client) Format(ctx context.Context, device, key string) error {
	log.FromContext(ctx).Info("formatting device for encryption", "device", device)
	return c.withKey(ctx, key, "luksFormat", device, "--batch-mode", "--key-file=-")
}

// Open maps device to mapperName.
func (c *Client) Open(ctx context.Context, device, mapperName, key string) error {
	log.FromContext(ctx).Info("opening encrypted device", "device", device, "mapper", mapperName)
	return c.withKey(ctx, key, "luksOpen", device, mapperName, "--key-file=-")
}

// MapperExists reports whether the device-mapper device mapperName exists.
func (c *Client) MapperExists(ctx context.Context, mapperName string) (bool, error) {
	_, err := os.Stat(filepath.Join(c.mapperDir, mapperName))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (c *Client) withKey(ctx context.Context, key, action, device string, args ...string) error {
	cmd := c.exec.CommandContext(ctx, c.command, append([]string{action, device}, args...)...)
	cmd.SetStdin(strings.NewReader(key))
	out, err := cmd.CombinedOutput()
	if err != nil {
		return commandError(action, device, err, out)
	}
	return nil
}

func commandError(action, device string, err error, output []byte) error {
	if msg := strings.TrimSpace(string(output)); msg != "" {
		return fmt.Errorf("cryptsetup %s %s failed: %w: %s", action, device, err, msg)
	}
	return fmt.Errorf("cryptsetup %s %s failed: %w", action, device, err)
}
