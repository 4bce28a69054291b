package container

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"shellquest/internal/config"
)

// Labels stamped on every challenge container. Cleanup and crash recovery
// find stray containers by these.
const (
	LabelUserID      = "challenges.user_id"
	LabelChallengeID = "challenges.challenge_id"
	LabelCreatedAt   = "challenges.created_at"
)

// stopGraceSeconds is how long a container gets to exit after SIGTERM
// before it is killed.
const stopGraceSeconds = 5

// maxScriptOutput caps how much setup/validate output we retain.
const maxScriptOutput = 64 * 1024

// DirResolver resolves challenge ids to the on-disk scripts that run
// inside the container.
type DirResolver interface {
	Dir(id uint) (string, error)
	HasSetup(id uint) bool
}

// Manager owns the challenge-container lifecycle: one base image, one
// container per session, and the exec plumbing for shells and scripts.
type Manager struct {
	engine  Engine
	catalog DirResolver
	cfg     config.ContainerConfig
	log     *zap.Logger

	buildMu    sync.Mutex
	imageReady bool
}

// NewManager wires a Manager over an Engine.
func NewManager(engine Engine, catalog DirResolver, cfg config.ContainerConfig, log *zap.Logger) *Manager {
	return &Manager{
		engine:  engine,
		catalog: catalog,
		cfg:     cfg,
		log:     log,
	}
}

// EnsureImage makes sure the challenge base image exists, building it on
// first use. Concurrent callers serialize on the build: whoever arrives
// while a build is in flight waits for it instead of starting another.
func (m *Manager) EnsureImage(ctx context.Context) error {
	m.buildMu.Lock()
	defer m.buildMu.Unlock()

	if m.imageReady {
		return nil
	}

	exists, err := m.engine.ImageExists(ctx, m.cfg.ImageName)
	if err != nil {
		return fmt.Errorf("check image %s: %w", m.cfg.ImageName, err)
	}
	if !exists {
		m.log.Info("building challenge image", zap.String("image", m.cfg.ImageName))
		start := time.Now()
		if err := m.engine.BuildImage(ctx, m.cfg.ImageName, []byte(challengeDockerfile)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrImageBuild, m.cfg.ImageName, err)
		}
		m.log.Info("challenge image built",
			zap.String("image", m.cfg.ImageName),
			zap.Duration("took", time.Since(start)))
	}

	m.imageReady = true
	return nil
}

// CreateForChallenge creates and starts a container for one user's run at
// a challenge, with the challenge directory mounted read-only at
// /challenge. If the challenge ships a setup.sh it runs once after start;
// a failing setup is logged but does not fail creation.
func (m *Manager) CreateForChallenge(ctx context.Context, challengeID, userID uint) (string, error) {
	if err := m.EnsureImage(ctx); err != nil {
		return "", err
	}

	dir, err := m.catalog.Dir(challengeID)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(dir) {
		return "", fmt.Errorf("challenge %d: directory %q is not absolute", challengeID, dir)
	}

	spec := Spec{
		Image: m.cfg.ImageName,
		Tty:   true,
		Mounts: []BindMount{
			{Source: dir, Target: "/challenge", ReadOnly: true},
		},
		MemoryBytes: m.cfg.MemoryBytes,
		NanoCPUs:    m.cfg.NanoCPUs,
		PidsLimit:   m.cfg.PidsLimit,
		NetworkMode: m.cfg.NetworkMode,
		Labels: map[string]string{
			LabelUserID:      strconv.FormatUint(uint64(userID), 10),
			LabelChallengeID: strconv.FormatUint(uint64(challengeID), 10),
			LabelCreatedAt:   time.Now().UTC().Format(time.RFC3339),
		},
	}

	id, err := m.engine.CreateContainer(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("create container for challenge %d: %w", challengeID, err)
	}

	if err := m.engine.StartContainer(ctx, id); err != nil {
		if rmErr := m.engine.RemoveContainer(ctx, id, true); rmErr != nil {
			m.log.Warn("remove container after failed start",
				zap.String("container_id", id), zap.Error(rmErr))
		}
		return "", fmt.Errorf("start container for challenge %d: %w", challengeID, err)
	}

	if m.catalog.HasSetup(challengeID) {
		exitCode, out, err := m.runScript(ctx, id, "/challenge/setup.sh")
		switch {
		case err != nil:
			m.log.Warn("setup script failed to run",
				zap.String("container_id", id),
				zap.Uint("challenge_id", challengeID),
				zap.Error(err))
		case exitCode != 0:
			m.log.Warn("setup script exited non-zero",
				zap.String("container_id", id),
				zap.Uint("challenge_id", challengeID),
				zap.Int("exit_code", exitCode),
				zap.String("output", out))
		}
	}

	return id, nil
}

// Validate runs the challenge's validate.sh inside the container. Success
// is exit code zero. A transport failure (container gone, engine down) is
// returned as an error, not a failed validation.
func (m *Manager) Validate(ctx context.Context, containerID string, challengeID uint) (bool, error) {
	exitCode, out, err := m.runScript(ctx, containerID, "/challenge/validate.sh")
	if err != nil {
		return false, fmt.Errorf("validate challenge %d: %w", challengeID, err)
	}
	if exitCode != 0 {
		m.log.Debug("validation failed",
			zap.String("container_id", containerID),
			zap.Uint("challenge_id", challengeID),
			zap.Int("exit_code", exitCode),
			zap.String("output", out))
	}
	return exitCode == 0, nil
}

// runScript executes bash <path> in the container and waits for it to
// finish. The exit code is only defined once the output stream is drained,
// so drain first, inspect second.
func (m *Manager) runScript(ctx context.Context, containerID, path string) (int, string, error) {
	execID, err := m.engine.ExecCreate(ctx, containerID, ExecSpec{
		Cmd:          []string{"/bin/bash", path},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return 0, "", err
	}

	stream, err := m.engine.ExecAttach(ctx, execID, false)
	if err != nil {
		return 0, "", err
	}
	defer stream.Close()

	stdout := newLimitedBuffer(maxScriptOutput)
	stderr := newLimitedBuffer(maxScriptOutput)
	if _, err := stdcopy.StdCopy(stdout, stderr, stream); err != nil {
		return 0, "", fmt.Errorf("drain exec output: %w", err)
	}

	status, err := m.engine.ExecInspect(ctx, execID)
	if err != nil {
		return 0, "", err
	}
	if status.Running {
		return 0, "", fmt.Errorf("exec %s still running after output drained", execID)
	}

	out := stdout.String()
	if s := stderr.String(); s != "" {
		out += s
	}
	return status.ExitCode, out, nil
}

// AttachPTY starts an interactive bash in the container and returns the
// bidirectional byte stream for it.
func (m *Manager) AttachPTY(ctx context.Context, containerID string) (*PTYSession, error) {
	execID, err := m.engine.ExecCreate(ctx, containerID, ExecSpec{
		Cmd:          []string{"/bin/bash"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("create shell exec: %w", err)
	}

	stream, err := m.engine.ExecAttach(ctx, execID, true)
	if err != nil {
		return nil, fmt.Errorf("attach shell exec: %w", err)
	}

	return NewPTYSession(execID, stream), nil
}

// Remove stops and removes a container. A container that is already gone
// counts as removed; stop failures are tolerated because the forced remove
// kills anyway.
func (m *Manager) Remove(ctx context.Context, containerID string) error {
	if err := m.engine.StopContainer(ctx, containerID, stopGraceSeconds); err != nil {
		if !errors.Is(err, ErrNotFound) {
			m.log.Debug("container stop before remove",
				zap.String("container_id", containerID), zap.Error(err))
		}
	}

	if err := m.engine.RemoveContainer(ctx, containerID, true); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: %s: %v", ErrRemove, containerID, err)
	}
	return nil
}

// CleanupAll removes every container this manager ever created, found by
// label. Used on startup (crash recovery) and shutdown. All containers are
// attempted even when some fail; the first error is returned.
func (m *Manager) CleanupAll(ctx context.Context) (int, error) {
	ids, err := m.engine.ListContainers(ctx, LabelUserID)
	if err != nil {
		return 0, fmt.Errorf("list challenge containers: %w", err)
	}

	removed := 0
	var firstErr error
	for _, id := range ids {
		if err := m.Remove(ctx, id); err != nil {
			m.log.Warn("cleanup remove failed", zap.String("container_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}
