package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/logging"
)

// ContainerRuntime loads, runs and removes workload images.
type ContainerRuntime interface {
	Load(ctx context.Context, archivePath string) (string, error)
	Run(ctx context.Context, args RunArgs) error
	Remove(ctx context.Context, imageID string) error
}

// CommandRunner executes a binary with an argv and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		return out.String(), fmt.Errorf("%s %s: %w: %s", name, firstArg(args), err, strings.TrimSpace(out.String()))
	}
	return out.String(), nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

type RunArgs struct {
	Name      string
	Image     string
	InputDir  string
	OutputDir string
	Course    string
	Session   string
	Mode      core.Mode
	Extra     map[string]string
}

// Argv builds the docker run arguments. Workloads get no network and see
// only /input and /output.
func (a RunArgs) Argv() []string {
	argv := []string{
		"run",
		"--name", a.Name,
		"--network=none",
		"--rm=true",
		"--volume=" + a.InputDir + ":/input",
		"--volume=" + a.OutputDir + ":/output",
		a.Image,
		"--course", core.WorkloadArg(a.Course),
		"--session", core.WorkloadArg(a.Session),
		"--mode", string(a.Mode.WorkloadMode()),
	}
	return append(argv, core.WorkloadFlags(a.Extra)...)
}

// DockerRuntime drives the docker CLI.
type DockerRuntime struct {
	exec   string
	runner CommandRunner
	logger logging.Logger
}

func NewDockerRuntime(dockerExec string, runner CommandRunner, logger logging.Logger) *DockerRuntime {
	if dockerExec == "" {
		dockerExec = "docker"
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &DockerRuntime{exec: dockerExec, runner: runner, logger: logger}
}

func (d *DockerRuntime) Load(ctx context.Context, archivePath string) (string, error) {
	out, err := d.runner.Run(ctx, d.exec, "load", "-i", archivePath)
	if err != nil {
		return "", fmt.Errorf("error loading image %s: %w", archivePath, err)
	}
	if id := ParseImageID(out); id != "" {
		return id, nil
	}
	d.logger.Warn("docker load printed no image id, reading it from the archive", "archive", archivePath)
	id, err := ImageIDFromArchive(archivePath)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (d *DockerRuntime) Run(ctx context.Context, args RunArgs) error {
	argv := args.Argv()
	d.logger.Info("Running container", "name", args.Name, "argv", strings.Join(argv, " "))
	out, err := d.runner.Run(ctx, d.exec, argv...)
	if err != nil {
		return fmt.Errorf("container %s failed: %w", args.Name, err)
	}
	if out != "" {
		d.logger.Debug("Container output", "name", args.Name, "output", out)
	}
	return nil
}

func (d *DockerRuntime) Remove(ctx context.Context, imageID string) error {
	if _, err := d.runner.Run(ctx, d.exec, "rmi", "--force", imageID); err != nil {
		return fmt.Errorf("error removing image %s: %w", imageID, err)
	}
	return nil
}

// ParseImageID extracts the image reference from `docker load` output:
// the digest after the last "sha256:" if present, else the last token.
func ParseImageID(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}
	if i := strings.LastIndex(output, "sha256:"); i >= 0 {
		if fields := strings.Fields(output[i+len("sha256:"):]); len(fields) > 0 {
			return fields[0]
		}
	}
	fields := strings.Fields(output)
	return fields[len(fields)-1]
}
