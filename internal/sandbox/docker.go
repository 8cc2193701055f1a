package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"carapace/internal/logging"
)

// DockerRuntime drives the docker CLI. Shelling out keeps the dependency
// surface small and works with anything that speaks the docker command
// set, including podman's compatibility shim.
type DockerRuntime struct {
	binary string
	log    logging.Logger
}

func NewDockerRuntime(log logging.Logger) *DockerRuntime {
	return &DockerRuntime{binary: "docker", log: logging.OrNop(log)}
}

// run executes a docker subcommand and returns trimmed stdout. Failures
// carry stderr in the error.
func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if isNoSuchContainer(msg) {
			return "", ErrContainerGone
		}
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func isNoSuchContainer(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "no such container") ||
		strings.Contains(lower, "is not running")
}

// EnsureNetwork creates the bridge network if it does not exist yet.
func (d *DockerRuntime) EnsureNetwork(ctx context.Context, name string) error {
	if _, err := d.run(ctx, "network", "inspect", name); err == nil {
		return nil
	}
	d.log.Info("creating docker network %s", name)
	_, err := d.run(ctx, "network", "create", "--driver", "bridge", name)
	return err
}

func (d *DockerRuntime) Create(ctx context.Context, cfg ContainerConfig) (string, error) {
	// A stale container with the same name blocks creation.
	_, _ = d.run(ctx, "rm", "-f", cfg.Name)

	args := []string{"run", "-d", "--name", cfg.Name}
	if cfg.Network != "" {
		args = append(args, "--network", cfg.Network)
	}
	for _, kv := range sortedPairs(cfg.Env) {
		args = append(args, "-e", kv)
	}
	for _, kv := range sortedPairs(cfg.Labels) {
		args = append(args, "--label", kv)
	}
	for _, mount := range cfg.Mounts {
		spec := mount.Source + ":" + mount.Target
		if mount.ReadOnly {
			spec += ":ro"
		}
		args = append(args, "-v", spec)
	}
	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)

	id, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	d.log.Info("started container %s (%s)", cfg.Name, shortID(id))
	return cfg.Name, nil
}

func (d *DockerRuntime) Exec(ctx context.Context, containerID string, command string, timeout time.Duration) (ExecResult, error) {
	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, d.binary, "exec", containerID, "sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	if execCtx.Err() == context.DeadlineExceeded {
		return ExecResult{
			ExitCode: -1,
			Output:   fmt.Sprintf("Error: command timed out (%ds)", int(timeout.Seconds())),
		}, nil
	}

	output := stdout.String()
	if errText := strings.TrimSpace(stderr.String()); errText != "" {
		if isNoSuchContainer(errText) {
			return ExecResult{}, ErrContainerGone
		}
		output += "\n[stderr] " + errText
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return ExecResult{}, fmt.Errorf("docker exec: %w", err)
		}
	}
	return ExecResult{ExitCode: exitCode, Output: output}, nil
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	_, err := d.run(ctx, "rm", "-f", containerID)
	if errors.Is(err, ErrContainerGone) {
		return nil
	}
	return err
}

func (d *DockerRuntime) IsRunning(ctx context.Context, containerID string) (bool, error) {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Running}}", containerID)
	if err != nil {
		if errors.Is(err, ErrContainerGone) {
			return false, nil
		}
		return false, err
	}
	return out == "true", nil
}

func (d *DockerRuntime) ContainerIP(ctx context.Context, containerID, network string) (string, error) {
	format := fmt.Sprintf("{{.NetworkSettings.Networks.%s.IPAddress}}", network)
	out, err := d.run(ctx, "inspect", "-f", format, containerID)
	if err != nil {
		return "", err
	}
	if out == "" || out == "<no value>" {
		return "", fmt.Errorf("container %s has no address on network %s", containerID, network)
	}
	return out, nil
}

func (d *DockerRuntime) HostIP(ctx context.Context, network string) (string, error) {
	out, err := d.run(ctx, "network", "inspect", "-f", "{{(index .IPAM.Config 0).Gateway}}", network)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("network %s has no gateway", network)
	}
	return out, nil
}

// sortedPairs renders a map as sorted "key=value" strings so container
// create commands are deterministic.
func sortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+m[key])
	}
	return pairs
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
