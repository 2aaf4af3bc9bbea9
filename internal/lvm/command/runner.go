package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// DefaultLVMPath is the lvm binary run when no command prefix is configured.
const DefaultLVMPath = "/sbin/lvm"

const (
	verbosityMutation = 1
	verbosityReport   = 4
)

// runner executes lvm sub-commands behind a command prefix such as
// `nsenter -t 1 -m /sbin/lvm`. The last element of the prefix is the lvm binary.
type runner struct {
	prefix []string
}

func (r runner) command(ctx context.Context, args []string) *exec.Cmd {
	whole := slices.Concat(r.prefix, args)
	cmd := exec.CommandContext(ctx, whole[0], whole[1:]...)
	// not found messages are matched in English
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	return cmd
}

// run executes a sub-command that changes state and logs what it prints.
func (r runner) run(ctx context.Context, args ...string) error {
	out, err := r.start(ctx, verbosityMutation, args)
	if err != nil {
		return err
	}

	logger := log.FromContext(ctx).WithValues("subcommand", args[0])
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Info(line)
		}
	}
	scanErr := scanner.Err()

	if err := out.Close(); err != nil {
		return err
	}
	return scanErr
}

// report executes a reporting sub-command and decodes its JSON report into into.
func (r runner) report(ctx context.Context, into any, args ...string) error {
	out, err := r.start(ctx, verbosityReport, slices.Concat(args, []string{"--reportformat", "json"}))
	if err != nil {
		return err
	}

	decodeErr := json.NewDecoder(out).Decode(into)
	if errors.Is(decodeErr, io.EOF) {
		// a failed report prints nothing on stdout, the exit status tells why
		decodeErr = nil
	}

	if err := out.Close(); err != nil {
		return err
	}
	return decodeErr
}

// start launches a sub-command. Closing the returned process waits for it to exit.
func (r runner) start(ctx context.Context, verbosity int, args []string) (*process, error) {
	cmd := r.command(ctx, args)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		_ = stdout.Close()
		return nil, err
	}

	log.FromContext(ctx).V(verbosity).Info("invoking lvm", "args", cmd.Args)
	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, &commandError{subcommand: args[0], err: err}
	}
	return &process{Reader: stdout, cmd: cmd, stderr: stderr, subcommand: args[0]}, nil
}

// process reads the stdout of a running lvm sub-command.
type process struct {
	io.Reader
	cmd        *exec.Cmd
	stderr     io.Reader
	subcommand string
}

// Close drains the output of the process and waits for it to exit.
func (p *process) Close() error {
	// unread output would block the command forever
	_, _ = io.Copy(io.Discard, p.Reader)
	stderr, readErr := io.ReadAll(p.stderr)

	if err := p.cmd.Wait(); err != nil {
		return &commandError{subcommand: p.subcommand, err: err, stderr: stderr}
	}
	return readErr
}
