package runner

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/common/config"
	"github.com/perchhq/perch/internal/common/logger"
)

const (
	dockerWorkspacePath = "/workspace"
	dockerRemoveTimeout = 30 * time.Second
	dockerSessionLabel  = "perch.session_id"
)

// DockerRunner executes agent turns in throwaway containers. Each turn
// creates one container running the Claude CLI in headless mode against the
// bind-mounted session workdir, waits for it to exit and forwards its
// output. Containers never outlive their turn.
type DockerRunner struct {
	cfg    *config.Config
	log    *logger.Logger
	events Events
	info   InfoSource
	cli    *client.Client

	mu       sync.Mutex
	sessions map[string]*dockerSession
}

var _ Runner = (*DockerRunner)(nil)

type dockerSession struct {
	id string

	mu            sync.Mutex
	containerID   string
	cancelTurn    context.CancelFunc
	stopRequested bool
	headerSent    bool
	turns         int
}

// NewDockerRunner creates the containerized runner.
func NewDockerRunner(cfg *config.Config, log *logger.Logger, events Events, info InfoSource) (Runner, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Runner.Docker.Host != "" {
		opts = append(opts, client.WithHost(cfg.Runner.Docker.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	return &DockerRunner{
		cfg:      cfg,
		log:      log.WithFields(zap.String("runner", "docker")),
		events:   events,
		info:     info,
		cli:      cli,
		sessions: make(map[string]*dockerSession),
	}, nil
}

func (r *DockerRunner) RunnerType() string { return "docker" }

func (r *DockerRunner) Start(ctx context.Context, sessionID, prompt string, approvalChoice int) error {
	return r.runTurn(ctx, sessionID, prompt, approvalChoice == ApprovalBypassPermissions)
}

func (r *DockerRunner) SendInput(ctx context.Context, sessionID, text string) error {
	return r.runTurn(ctx, sessionID, text, false)
}

// Stop cancels the in-flight turn and force-removes its container.
func (r *DockerRunner) Stop(_ context.Context, sessionID string) (*int, error) {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if sess == nil {
		return nil, nil
	}

	sess.mu.Lock()
	sess.stopRequested = true
	cancel := sess.cancelTurn
	containerID := sess.containerID
	sess.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if containerID != "" {
		r.removeContainer(containerID)
	}
	return nil, nil
}

// UpdatePermissionMode is a no-op: containers are parameterized per turn.
func (r *DockerRunner) UpdatePermissionMode(context.Context, string, string) error {
	return nil
}

func (r *DockerRunner) session(sessionID string) *dockerSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[sessionID]
	if sess == nil {
		sess = &dockerSession{id: sessionID}
		r.sessions[sessionID] = sess
	}
	return sess
}

func (r *DockerRunner) runTurn(ctx context.Context, sessionID, prompt string, bypass bool) error {
	info, err := r.info.SessionInfo(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("failed to load session info: %w", err)
	}

	sess := r.session(sessionID)
	sess.mu.Lock()
	if sess.cancelTurn != nil {
		sess.mu.Unlock()
		return fmt.Errorf("turn already in progress for session %s", sessionID)
	}
	turnCtx, cancel := context.WithCancel(context.Background())
	sess.cancelTurn = cancel
	sess.turns++
	turn := sess.turns
	headerSent := sess.headerSent
	sess.headerSent = true
	sess.mu.Unlock()

	if !headerSent {
		r.events.OnHeader(sessionID, "Docker "+r.cfg.Runner.Docker.Image, "", "", "docker")
	}

	go r.execute(turnCtx, sess, info, prompt, bypass, turn)
	return nil
}

// execute runs one container to completion and reports the outcome.
func (r *DockerRunner) execute(ctx context.Context, sess *dockerSession, info SessionInfo, prompt string, bypass bool, turn int) {
	hb := startHeartbeats(r.events, sess.id)
	defer hb.stop()
	defer func() {
		sess.mu.Lock()
		cancel := sess.cancelTurn
		sess.cancelTurn = nil
		sess.containerID = ""
		sess.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}()

	containerID, err := r.createContainer(ctx, sess.id, info, prompt, bypass, turn)
	if err != nil {
		r.failTurn(sess, err)
		return
	}
	sess.mu.Lock()
	sess.containerID = containerID
	stopped := sess.stopRequested
	sess.mu.Unlock()
	if stopped {
		r.removeContainer(containerID)
		return
	}

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		r.removeContainer(containerID)
		r.failTurn(sess, fmt.Errorf("failed to start container: %w", err))
		return
	}

	exitCode, err := r.waitContainer(ctx, containerID)
	if err != nil {
		r.removeContainer(containerID)
		r.failTurn(sess, err)
		return
	}

	stdout, stderr := r.readLogs(ctx, containerID)
	r.removeContainer(containerID)

	sess.mu.Lock()
	stopped = sess.stopRequested
	sess.mu.Unlock()
	if stopped {
		return
	}

	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			r.events.OnOutput(sess.id, "stderr", line, "", false)
		}
	}

	if exitCode != 0 {
		code := int(exitCode)
		r.events.OnExit(sess.id, &code)
		return
	}
	if text := strings.TrimSpace(stdout); text != "" {
		r.events.OnOutput(sess.id, "stdout", text, "", true)
	}
	r.events.OnAwaitingInput(sess.id)
}

// createContainer creates the turn container, pulling the image on first
// use when it is missing locally.
func (r *DockerRunner) createContainer(ctx context.Context, sessionID string, info SessionInfo, prompt string, bypass bool, turn int) (string, error) {
	cmd := []string{"claude", "-p", prompt}
	if bypass {
		cmd = append(cmd, "--dangerously-skip-permissions")
	}

	containerCfg := &container.Config{
		Image:  r.cfg.Runner.Docker.Image,
		Cmd:    cmd,
		Labels: map[string]string{dockerSessionLabel: sessionID},
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		containerCfg.Env = append(containerCfg.Env, "ANTHROPIC_API_KEY="+key)
	}

	hostCfg := &container.HostConfig{}
	if info.Workdir != "" {
		containerCfg.WorkingDir = dockerWorkspacePath
		hostCfg.Mounts = []mount.Mount{{
			Type:   mount.TypeBind,
			Source: info.Workdir,
			Target: dockerWorkspacePath,
		}}
	}

	name := fmt.Sprintf("perch-%s-%d", strings.TrimPrefix(sessionID, "sess_"), turn)
	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err == nil {
		return resp.ID, nil
	}

	// The image may simply not be present yet.
	if pullErr := r.pullImage(ctx); pullErr != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	resp, err = r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return resp.ID, nil
}

func (r *DockerRunner) pullImage(ctx context.Context) error {
	name := r.cfg.Runner.Docker.Image
	r.log.Info("pulling image", zap.String("image", name))
	reader, err := r.cli.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", name, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

func (r *DockerRunner) waitContainer(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("error waiting for container: %w", err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// readLogs fetches and demultiplexes the container's full output.
func (r *DockerRunner) readLogs(ctx context.Context, containerID string) (string, string) {
	reader, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       "all",
	})
	if err != nil {
		r.log.Warn("failed to read container logs",
			zap.String("container_id", containerID),
			zap.Error(err))
		return "", ""
	}
	defer reader.Close()
	return demuxStream(reader)
}

func (r *DockerRunner) removeContainer(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), dockerRemoveTimeout)
	defer cancel()
	err := r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		r.log.Warn("failed to remove container",
			zap.String("container_id", containerID),
			zap.Error(err))
	}
}

func (r *DockerRunner) failTurn(sess *dockerSession, err error) {
	sess.mu.Lock()
	stopped := sess.stopRequested
	sess.mu.Unlock()
	if stopped {
		return
	}
	r.events.OnError(sess.id, "runner_error", err.Error())
}

// demuxStream splits Docker's multiplexed log stream into stdout and
// stderr. Frames carry an 8-byte header: stream type in byte 0 and a big
// endian frame size in bytes 4-7.
func demuxStream(reader io.Reader) (string, string) {
	var stdout, stderr bytes.Buffer
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return stdout.String(), stderr.String()
		}
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return stdout.String(), stderr.String()
		}
		switch header[0] {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}
