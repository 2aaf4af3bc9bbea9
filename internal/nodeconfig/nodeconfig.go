// Package nodeconfig stores node-level settings such as the decommission timeout.
package nodeconfig

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	utilexec "k8s.io/utils/exec"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"
)

// ErrNotSet is returned by Get for a key without a value.
var ErrNotSet = errors.New("not set")

// DefaultCommand is the node agent configuration tool.
const DefaultCommand = "rs_config"

// Command keeps settings through the node agent's configuration tool.
type Command struct {
	exec utilexec.Interface
	path string
}

// NewCommand returns a Command running path, or DefaultCommand when path is empty.
func NewCommand(path string, e utilexec.Interface) *Command {
	if path == "" {
		path = DefaultCommand
	}
	if e == nil {
		e = utilexec.New()
	}
	return &Command{exec: e, path: path}
}

// Get returns the value of key.
func (c *Command) Get(ctx context.Context, key string) (string, error) {
	out, err := c.exec.CommandContext(ctx, c.path, "--get", key).Output()
	if err != nil {
		return "", fmt.Errorf("%s --get %s failed: %w", c.path, key, err)
	}
	value := strings.TrimSpace(string(out))
	if value == "" {
		return "", ErrNotSet
	}
	return value, nil
}

// Set stores value under key.
func (c *Command) Set(ctx context.Context, key, value string) error {
	out, err := c.exec.CommandContext(ctx, c.path, "--set", key, value).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s --set %s failed: output=%s, error=%w", c.path, key, strings.TrimSpace(string(out)), err)
	}
	log.FromContext(ctx).V(1).Info("node setting stored", "key", key, "value", value)
	return nil
}

// File keeps settings as a YAML map in a file.
type File struct {
	path string
	mu   sync.Mutex
}

// NewFile returns a File backed by path.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return values, nil
}

// Get returns the value of key.
func (f *File) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return "", err
	}
	value, ok := values[key]
	if !ok {
		return "", ErrNotSet
	}
	return value, nil
}

// Set stores value under key, replacing the file atomically.
func (f *File) Set(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	values, err := f.load()
	if err != nil {
		return err
	}
	values[key] = value
	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+"-")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return err
	}
	log.FromContext(ctx).V(1).Info("node setting stored", "key", key, "value", value, "file", f.path)
	return nil
}
