package service

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/RugbyTeam/Rugby/internal/ipc"
	"github.com/RugbyTeam/Rugby/internal/model"
)

// WorkerCommand is the hidden subcommand running a worker process.
const WorkerCommand = "_worker"

// ChannelFD is the file descriptor of the channel inherited by a worker
// process.
const ChannelFD = 3

// ExecSpawner runs every worker as a child process executing
//
//	Path Args... _worker --log LogDir/<id>.log
//
// The JobSpec is written as YAML to its stdin, stdout and stderr go to the job
// log and the channel is an inherited pipe, see ChannelFD.
type ExecSpawner struct {
	Path   string
	Args   []string
	Env    []string // nil inherits the environment
	LogDir string
}

// LogPath returns the job log of id.
func (e ExecSpawner) LogPath(id string) string {
	return filepath.Join(e.LogDir, id+".log")
}

func (e ExecSpawner) Spawn(ctx context.Context, spec model.JobSpec) (Process, Channel, error) {
	input, err := yaml.Marshal(spec)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding job spec: %w", err)
	}

	if err := os.MkdirAll(e.LogDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}
	logPath := e.LogPath(spec.ID)
	logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening job log: %w", err)
	}
	// the child keeps its own copy
	defer logf.Close()

	rcv, w, err := ipc.OSPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating channel: %w", err)
	}
	// parent copy of the write end, end of stream arrives once the child
	// closes or exits
	defer w.Close()

	args := append(slices.Clone(e.Args), WorkerCommand, "--log", logPath)
	// not bound to ctx, workers outlive the supervisor
	cmd := exec.Command(e.Path, args...)
	cmd.Env = e.Env
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.ExtraFiles = []*os.File{w} // fd 3
	setProcAttr(cmd)

	started := time.Now().UTC()
	if err := cmd.Start(); err != nil {
		_ = rcv.Close()
		return nil, nil, err
	}
	slog.DebugContext(ctx, "worker process started",
		"path", e.Path,
		"args", args,
		"pid", cmd.Process.Pid,
		"log", logPath,
	)
	return &process{cmd: cmd, started: started}, rcv, nil
}

type process struct {
	cmd     *exec.Cmd
	started time.Time
}

func (p *process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait waits for the process to exit and releases its resources.
func (p *process) Wait() error {
	err := p.cmd.Wait()
	slog.Debug("worker process finished",
		"pid", p.cmd.Process.Pid,
		"duration", time.Since(p.started).String(),
		"state", p.cmd.ProcessState.String(),
	)
	return err
}
