// Package worker executes the pipeline of a single build.
//
// A Worker runs in its own process. It reports every phase to the supervisor
// over a Channel and appends all command output to the job log. The pipeline
// is strictly sequential:
//
//	STANDBY → INITIALIZING → SPAWNING_VMS → CLONING_SOURCE →
//	RUNNING_INSTALL → RUNNING_TESTS → CLEANING_UP → SUCCESS
//
// Any fatal error sends ERROR with the reason, cleans up and ends the run.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/RugbyTeam/Rugby/internal/ipc"
	"github.com/RugbyTeam/Rugby/internal/log"
	"github.com/RugbyTeam/Rugby/internal/model"
	"github.com/RugbyTeam/Rugby/internal/remote"
	"github.com/RugbyTeam/Rugby/internal/vagrant"
	"github.com/RugbyTeam/Rugby/internal/vmconf"
)

const (
	DefaultSourceDir = "/home/vagrant/src"
	DefaultPassword  = "vagrant"

	ensureGit = "command -v git >/dev/null 2>&1 || sudo apt-get install -y git"
)

// Channel is the worker end of the ipc channel.
type Channel interface {
	Send(ipc.Message) error
	Close() error
}

// Loader loads VM definitions and renders the Vagrantfile.
type Loader interface {
	Load(path string) ([]vmconf.VM, error)
	Render(vms []vmconf.VM, dir string) (string, error)
}

// VMControl controls the machines of one build directory.
type VMControl interface {
	Up(ctx context.Context) error
	Destroy(ctx context.Context) error
	Conn(ctx context.Context, name string) (vagrant.ConnInfo, error)
}

// VMFactory returns VMControl for a build directory. The output of the VM
// tool goes to out.
type VMFactory func(dir string, out io.Writer) (VMControl, error)

// Executor runs a command on a machine.
type Executor interface {
	Run(ctx context.Context, c remote.Command) (remote.Result, error)
}

// VagrantFactory returns a VMFactory using the vagrant binary.
func VagrantFactory(binary string) VMFactory {
	return func(dir string, out io.Writer) (VMControl, error) {
		if binary == "" {
			binary = vagrant.DefaultBinary
		}
		if _, err := exec.LookPath(binary); err != nil {
			return nil, err
		}
		return vagrant.New(dir, out, binary), nil
	}
}

type Options struct {
	RootDir   string // parent of the build directory
	SourceDir string // where the source is cloned inside every VM
	Password  string // ssh password used together with the vagrant key
}

type Deps struct {
	Loader Loader
	VMs    VMFactory
	Exec   Executor
}

// Worker runs one build. It is not reusable.
type Worker struct {
	spec model.JobSpec
	opts Options
	deps Deps
	dir  string

	ch    Channel
	out   io.WriteCloser
	state model.State

	vms       []vmconf.VM
	vm        VMControl
	created   bool // the build directory is ours to remove
	cleaned   bool
	logClosed bool
}

func New(spec model.JobSpec, opts Options, deps Deps) *Worker {
	if opts.SourceDir == "" {
		opts.SourceDir = DefaultSourceDir
	}
	if opts.Password == "" {
		opts.Password = DefaultPassword
	}
	return &Worker{
		spec: spec,
		opts: opts,
		deps: deps,
		dir:  filepath.Join(opts.RootDir, spec.ID),
	}
}

// Run executes the pipeline, blocking until it finishes. Run owns ch and out
// and closes both. It returns nil after SUCCESS, otherwise the fatal error
// reported as ERROR.
func (w *Worker) Run(ctx context.Context, ch Channel, out io.WriteCloser) error {
	if w.ch != nil {
		return errors.New("worker already ran")
	}
	w.ch = ch
	w.out = out
	ctx = log.ContextAttrs(ctx, slog.String("job_id", w.spec.ID))

	w.send(ctx, model.StateStandby, "Worker started")

	if err := w.pipeline(ctx); err != nil {
		w.suicide(ctx, err)
		return err
	}

	w.send(ctx, model.StateCleaningUp, "Cleaning up")
	w.cleanup(ctx)
	w.send(ctx, model.StateCleaningUp, "Cleanup finished")
	w.send(ctx, model.StateSuccess, "Finished")
	w.closeChannel(ctx)
	w.closeLog(ctx)
	return nil
}

func (w *Worker) pipeline(ctx context.Context) error {
	for _, phase := range []func(context.Context) error{
		w.initialize,
		w.spawnVMs,
		w.cloneSource,
		w.runInstall,
		w.runTests,
	} {
		if err := ctx.Err(); err != nil {
			return fail("Build interrupted", err)
		}
		if err := phase(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) initialize(ctx context.Context) error {
	w.send(ctx, model.StateInitializing, "Creating VM directory")
	if err := os.MkdirAll(w.opts.RootDir, 0o755); err != nil {
		return fail("Failed to create VM directory", err)
	}
	// an existing path belongs to somebody else
	if err := os.Mkdir(w.dir, 0o755); err != nil {
		return fail("Failed to create VM directory", err)
	}
	w.created = true

	vms, err := w.deps.Loader.Load(w.spec.ConfigPath)
	if err != nil {
		return fail("Failed to load VM configuration", err)
	}
	w.vms = vms
	if _, err := w.deps.Loader.Render(vms, w.dir); err != nil {
		return fail("Failed to generate Vagrantfile from config", err)
	}

	vm, err := w.deps.VMs(w.dir, w.out)
	if err != nil {
		return fail("Failed to instantiate vagrant", err)
	}
	w.vm = vm
	w.send(ctx, model.StateInitializing, fmt.Sprintf("Generated Vagrantfile for %d VMs", len(vms)))
	return nil
}

func (w *Worker) spawnVMs(ctx context.Context) error {
	w.send(ctx, model.StateSpawningVMs, "Starting up VMs and performing initial provisioning")
	if err := w.vm.Up(ctx); err != nil {
		return fail("Failed to complete vagrant up", err)
	}
	w.send(ctx, model.StateSpawningVMs, "VMs are up")
	return nil
}

func (w *Worker) cloneSource(ctx context.Context) error {
	w.send(ctx, model.StateCloningSource, "Cloning source into VMs")
	for _, vm := range w.vms {
		res, err := w.exec(ctx, vm, ensureGit, "")
		switch {
		case err != nil:
			slog.WarnContext(ctx, "ensuring git", "vm", vm.Name, "error", err)
		case res.Failed:
			slog.WarnContext(ctx, "ensuring git", "vm", vm.Name, "code", res.ExitCode)
		}

		clone := "git clone " + remote.Quote(w.spec.CloneURL) + " " + remote.Quote(w.opts.SourceDir)
		if err := w.must(ctx, vm, clone, ""); err != nil {
			return fail(fmt.Sprintf("Failed to clone source into vm %q", vm.Name), err)
		}
		if w.spec.Revision != "" {
			checkout := "git checkout " + remote.Quote(w.spec.Revision)
			if err := w.must(ctx, vm, checkout, w.opts.SourceDir); err != nil {
				return fail(fmt.Sprintf("Failed to checkout revision %q on vm %q", w.spec.Revision, vm.Name), err)
			}
		}
	}
	w.send(ctx, model.StateCloningSource, "Source cloned")
	return nil
}

func (w *Worker) runInstall(ctx context.Context) error {
	w.send(ctx, model.StateRunningInstall, "Running install commands")
	for _, vm := range w.vms {
		for _, cmd := range vm.Install {
			if err := w.runCommand(ctx, model.StateRunningInstall, "install", vm, cmd); err != nil {
				return err
			}
		}
	}
	w.send(ctx, model.StateRunningInstall, "Install commands finished")
	return nil
}

func (w *Worker) runTests(ctx context.Context) error {
	w.send(ctx, model.StateRunningTests, "Running test commands")
	for _, vm := range w.vms {
		for _, cmd := range vm.Tests() {
			if err := w.runCommand(ctx, model.StateRunningTests, "test", vm, cmd); err != nil {
				return err
			}
		}
	}
	w.send(ctx, model.StateRunningTests, "Test commands finished")
	return nil
}

func (w *Worker) runCommand(ctx context.Context, state model.State, kind string, vm vmconf.VM, cmd string) error {
	w.send(ctx, state, fmt.Sprintf("Running %s command %q on vm %q", kind, cmd, vm.Name))
	res, err := w.exec(ctx, vm, cmd, w.opts.SourceDir)
	if err != nil {
		return fail(fmt.Sprintf("%s command %q failed on vm %q", kind, cmd, vm.Name), err)
	}
	if res.Failed {
		fmt.Fprintf(w.out, "==> exit status %d\n", res.ExitCode)
		return fail(fmt.Sprintf("%s command %q failed on vm %q", kind, cmd, vm.Name), nil)
	}
	return nil
}

// must runs cmd and turns a failed command into an error.
func (w *Worker) must(ctx context.Context, vm vmconf.VM, cmd, dir string) error {
	res, err := w.exec(ctx, vm, cmd, dir)
	if err != nil {
		return err
	}
	if res.Failed {
		return fmt.Errorf("exit status %d", res.ExitCode)
	}
	return nil
}

// exec runs cmd on vm and appends its output to the job log.
func (w *Worker) exec(ctx context.Context, vm vmconf.VM, cmd, dir string) (remote.Result, error) {
	conn, err := w.vm.Conn(ctx, vm.Name)
	if err != nil {
		return remote.Result{}, fmt.Errorf("ssh configuration of vm %q: %w", vm.Name, err)
	}
	fmt.Fprintf(w.out, "==> [%s] $ %s\n", vm.Name, cmd)
	res, err := w.deps.Exec.Run(ctx, remote.Command{
		Cmd:      cmd,
		Dir:      dir,
		Host:     conn.Host,
		Port:     conn.Port,
		User:     conn.User,
		Password: w.opts.Password,
		KeyFile:  conn.KeyFile,
	})
	if len(res.Output) > 0 {
		_, _ = w.out.Write(res.Output)
	}
	return res, err
}

// suicide reports err as ERROR and cleans up. Nothing is sent afterwards.
func (w *Worker) suicide(ctx context.Context, err error) {
	slog.ErrorContext(ctx, "build failed", "error", err)
	w.send(ctx, model.StateError, err.Error())
	w.cleanup(ctx)
	w.closeChannel(ctx)
	w.closeLog(ctx)
}

// cleanup destroys the VMs and removes the build directory, if it was created
// by this worker. Errors are logged only. It is idempotent.
func (w *Worker) cleanup(ctx context.Context) {
	if w.cleaned {
		return
	}
	w.cleaned = true
	ctx = context.WithoutCancel(ctx)

	if w.vm != nil {
		if err := w.vm.Destroy(ctx); err != nil {
			slog.ErrorContext(ctx, "destroying VMs", "error", err)
			fmt.Fprintf(w.out, "==> destroying VMs: %v\n", err)
		}
	}
	if w.created {
		if err := os.RemoveAll(w.dir); err != nil {
			slog.ErrorContext(ctx, "removing build directory", "dir", w.dir, "error", err)
		}
	}
}

func (w *Worker) send(ctx context.Context, state model.State, note string) {
	if w.state.Terminal() {
		return
	}
	if !model.ValidTransition(w.state, state) {
		slog.ErrorContext(ctx, "invalid transition", "from", w.state, "to", state)
		return
	}
	w.state = state
	if !w.logClosed {
		fmt.Fprintf(w.out, "==> %s %s: %s\n", time.Now().UTC().Format(time.RFC3339), state, note)
	}
	slog.InfoContext(ctx, note, "state", state)
	if err := w.ch.Send(ipc.Message{JobID: w.spec.ID, State: state, Note: note}); err != nil {
		// the supervisor abandoned us, the build goes on
		slog.WarnContext(ctx, "sending message", "state", state, "error", err)
	}
}

// closeLog closes the job log once nothing is written to it anymore.
func (w *Worker) closeLog(ctx context.Context) {
	if w.logClosed {
		return
	}
	w.logClosed = true
	if err := w.out.Close(); err != nil {
		slog.ErrorContext(ctx, "closing job log", "error", err)
	}
}

func (w *Worker) closeChannel(ctx context.Context) {
	if err := w.ch.Close(); err != nil {
		slog.WarnContext(ctx, "closing channel", "error", err)
	}
}

// Failure is a fatal pipeline error.
type Failure struct {
	Note string
	Err  error
}

func fail(note string, err error) error {
	return &Failure{Note: note, Err: err}
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Note
	}
	return f.Note + ": " + f.Err.Error()
}

func (f *Failure) Unwrap() error { return f.Err }
