// Package container talks to the container engine: a thin driver over the
// Docker API plus the challenge-container lifecycle built on top of it.
package container

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// BindMount describes a host directory mounted into a container.
type BindMount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Spec enumerates everything the driver needs to create a container.
type Spec struct {
	Image       string
	Tty         bool
	Cmd         []string
	WorkingDir  string
	Mounts      []BindMount
	MemoryBytes int64
	NanoCPUs    int64
	PidsLimit   int64
	NetworkMode string
	Labels      map[string]string
}

// ExecSpec enumerates everything the driver needs to create an exec.
type ExecSpec struct {
	Cmd          []string
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool
	Tty          bool
}

// ExecStatus is the observable state of an exec. ExitCode is undefined
// while Running is true, and undefined until the exec's output stream has
// been drained to EOF.
type ExecStatus struct {
	ExitCode int
	Running  bool
}

// Engine is the capability surface the rest of the system consumes.
// The production implementation is Driver; tests substitute fakes.
type Engine interface {
	ImageExists(ctx context.Context, name string) (bool, error)
	BuildImage(ctx context.Context, name string, dockerfile []byte) error
	CreateContainer(ctx context.Context, spec Spec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, graceSeconds int) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	ExecCreate(ctx context.Context, containerID string, spec ExecSpec) (string, error)
	ExecAttach(ctx context.Context, execID string, tty bool) (io.ReadWriteCloser, error)
	ExecInspect(ctx context.Context, execID string) (ExecStatus, error)
	ListContainers(ctx context.Context, labelSelector string) ([]string, error)
}

// Driver is the Docker-backed Engine. It performs no retries; callers
// decide what failure means.
type Driver struct {
	cli *client.Client
}

// NewDriver connects to the local Docker engine.
func NewDriver() (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Driver{cli: cli}, nil
}

// ImageExists inspects the image by tag.
func (d *Driver) ImageExists(ctx context.Context, name string) (bool, error) {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, name)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, classify("image inspect", err)
}

// BuildImage streams a build of the given Dockerfile. The engine requires
// a tar build context even for a single in-memory file.
func (d *Driver) BuildImage(ctx context.Context, name string, dockerfile []byte) error {
	buildCtx, err := tarDockerfile(dockerfile)
	if err != nil {
		return fmt.Errorf("assemble build context: %w", err)
	}

	resp, err := d.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{name},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return classify("image build", err)
	}
	defer resp.Body.Close()

	return drainBuildOutput(resp.Body)
}

// CreateContainer creates (but does not start) a container.
func (d *Driver) CreateContainer(ctx context.Context, spec Spec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	pidsLimit := spec.PidsLimit
	hostConfig := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		SecurityOpt: []string{"no-new-privileges:true"},
		Resources: container.Resources{
			Memory:     spec.MemoryBytes,
			MemorySwap: spec.MemoryBytes,
			NanoCPUs:   spec.NanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Tty:        spec.Tty,
		OpenStdin:  spec.Tty,
		Cmd:        spec.Cmd,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return "", classify("container create", err)
	}
	return created.ID, nil
}

// StartContainer starts a created container.
func (d *Driver) StartContainer(ctx context.Context, id string) error {
	return classify("container start", d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

// StopContainer stops a container, allowing graceSeconds before SIGKILL.
func (d *Driver) StopContainer(ctx context.Context, id string, graceSeconds int) error {
	return classify("container stop", d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &graceSeconds}))
}

// RemoveContainer removes a container.
func (d *Driver) RemoveContainer(ctx context.Context, id string, force bool) error {
	return classify("container remove", d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}))
}

// ExecCreate creates an exec in a running container.
func (d *Driver) ExecCreate(ctx context.Context, containerID string, spec ExecSpec) (string, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          spec.Cmd,
		AttachStdin:  spec.AttachStdin,
		AttachStdout: spec.AttachStdout,
		AttachStderr: spec.AttachStderr,
		Tty:          spec.Tty,
	})
	if err != nil {
		return "", classify("exec create", err)
	}
	return resp.ID, nil
}

// ExecAttach starts an exec and hijacks its stream. The tty flag must match
// the one given at exec creation: without it the engine multiplexes stdout
// and stderr behind an 8-byte framing header.
func (d *Driver) ExecAttach(ctx context.Context, execID string, tty bool) (io.ReadWriteCloser, error) {
	resp, err := d.cli.ContainerExecAttach(ctx, execID, container.ExecStartOptions{Tty: tty})
	if err != nil {
		return nil, classify("exec attach", err)
	}
	return &hijackedStream{resp: resp}, nil
}

// ExecInspect reports an exec's running state and exit code.
func (d *Driver) ExecInspect(ctx context.Context, execID string) (ExecStatus, error) {
	inspect, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecStatus{}, classify("exec inspect", err)
	}
	return ExecStatus{ExitCode: inspect.ExitCode, Running: inspect.Running}, nil
}

// ListContainers returns ids of all containers (running or not) matching
// the label selector.
func (d *Driver) ListContainers(ctx context.Context, labelSelector string) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelSelector)),
	})
	if err != nil {
		return nil, classify("container list", err)
	}

	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// hijackedStream adapts the engine's hijacked connection to an
// io.ReadWriteCloser: reads come from the buffered response reader,
// writes go to the raw connection.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (h *hijackedStream) Read(p []byte) (int, error)  { return h.resp.Reader.Read(p) }
func (h *hijackedStream) Write(p []byte) (int, error) { return h.resp.Conn.Write(p) }

func (h *hijackedStream) Close() error {
	h.resp.Close()
	return nil
}

func tarDockerfile(dockerfile []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write(dockerfile); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// drainBuildOutput consumes the engine's JSON build event stream and
// surfaces the first reported build failure.
func drainBuildOutput(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		var event struct {
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			continue
		}
		if event.Error != "" {
			return &BuildError{Message: event.Error}
		}
		if event.ErrorDetail.Message != "" {
			return &BuildError{Message: event.ErrorDetail.Message}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read build output: %w", err)
	}
	return nil
}
