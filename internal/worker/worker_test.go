package worker_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RugbyTeam/Rugby/internal/ipc"
	"github.com/RugbyTeam/Rugby/internal/model"
	"github.com/RugbyTeam/Rugby/internal/remote"
	"github.com/RugbyTeam/Rugby/internal/vagrant"
	"github.com/RugbyTeam/Rugby/internal/vmconf"
	"github.com/RugbyTeam/Rugby/internal/worker"
)

type fakeChannel struct {
	mx     sync.Mutex
	msgs   []ipc.Message
	closed bool
}

func (c *fakeChannel) Send(m ipc.Message) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.closed {
		return ipc.ErrClosed
	}
	c.msgs = append(c.msgs, m)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.closed = true
	return nil
}

// states returns the observed states without repetitions.
func (c *fakeChannel) states() []model.State {
	var out []model.State
	for _, m := range c.msgs {
		if len(out) == 0 || out[len(out)-1] != m.State {
			out = append(out, m.State)
		}
	}
	return out
}

func (c *fakeChannel) last() ipc.Message {
	return c.msgs[len(c.msgs)-1]
}

type fakeVM struct {
	upErr     error
	connErr   error
	up        bool
	destroyed int
}

func (v *fakeVM) Up(context.Context) error {
	if v.upErr != nil {
		return v.upErr
	}
	v.up = true
	return nil
}

func (v *fakeVM) Destroy(context.Context) error {
	v.destroyed++
	return nil
}

func (v *fakeVM) Conn(_ context.Context, name string) (vagrant.ConnInfo, error) {
	if v.connErr != nil {
		return vagrant.ConnInfo{}, v.connErr
	}
	return vagrant.ConnInfo{
		Host:    "127.0.0.1",
		Port:    2222,
		User:    "vagrant",
		KeyFile: "/keys/" + name,
	}, nil
}

// fakeExec fails every command listed in fail and records all commands.
type fakeExec struct {
	fail     []string
	err      error
	commands []remote.Command
}

func (e *fakeExec) Run(_ context.Context, c remote.Command) (remote.Result, error) {
	e.commands = append(e.commands, c)
	if e.err != nil {
		return remote.Result{}, e.err
	}
	if slices.Contains(e.fail, c.Cmd) {
		return remote.Result{Failed: true, ExitCode: 1, Output: []byte("failing " + c.Cmd + "\n")}, nil
	}
	return remote.Result{Output: []byte("ok " + c.Cmd + "\n")}, nil
}

func (e *fakeExec) cmds() []string {
	out := make([]string, len(e.commands))
	for i, c := range e.commands {
		out[i] = c.Cmd
	}
	return out
}

type logBuffer struct {
	bytes.Buffer
	closed bool
	late   int // writes after Close
}

func (b *logBuffer) Write(p []byte) (int, error) {
	if b.closed {
		b.late++
		return 0, os.ErrClosed
	}
	return b.Buffer.Write(p)
}

func (b *logBuffer) Close() error {
	b.closed = true
	return nil
}

type given struct {
	config string
	vm     *fakeVM
	exec   *fakeExec
	spec   func(*model.JobSpec)
}

type result struct {
	err  error
	ch   *fakeChannel
	log  *logBuffer
	dir  string
	vm   *fakeVM
	exec *fakeExec
}

func run(t *testing.T, g given) result {
	t.Helper()
	root := t.TempDir()
	config := filepath.Join(t.TempDir(), ".rugby.yml")
	require.NoError(t, os.WriteFile(config, []byte(g.config), 0o644))

	spec := model.JobSpec{
		ID:         "abc123",
		CloneURL:   "https://github.com/RugbyTeam/sample.git",
		ConfigPath: config,
	}
	if g.spec != nil {
		g.spec(&spec)
	}
	if g.vm == nil {
		g.vm = &fakeVM{}
	}
	if g.exec == nil {
		g.exec = &fakeExec{}
	}

	w := worker.New(spec, worker.Options{RootDir: root}, worker.Deps{
		Loader: vmconf.Loader{},
		VMs: func(dir string, _ io.Writer) (worker.VMControl, error) {
			_, err := os.Stat(filepath.Join(dir, "Vagrantfile"))
			require.NoError(t, err)
			return g.vm, nil
		},
		Exec: g.exec,
	})
	ch := &fakeChannel{}
	logb := &logBuffer{}
	err := w.Run(t.Context(), ch, logb)
	return result{err: err, ch: ch, log: logb, dir: filepath.Join(root, spec.ID), vm: g.vm, exec: g.exec}
}

func requireCleanedUp(t *testing.T, r result) {
	t.Helper()
	require.NoDirExists(t, r.dir)
	require.True(t, r.ch.closed)
	require.True(t, r.log.closed)
	require.Zero(t, r.log.late)
	for i := 1; i < len(r.ch.msgs); i++ {
		from, to := r.ch.msgs[i-1].State, r.ch.msgs[i].State
		require.True(t, model.ValidTransition(from, to), "%s -> %s", from, to)
	}
}

const dbVM = `
- name: db
  group: db
  type: mongo
`

func TestRun_Success(t *testing.T) {
	t.Parallel()
	r := run(t, given{config: dbVM})
	require.NoError(t, r.err)
	require.Equal(t, []model.State{
		model.StateStandby,
		model.StateInitializing,
		model.StateSpawningVMs,
		model.StateCloningSource,
		model.StateRunningInstall,
		model.StateRunningTests,
		model.StateCleaningUp,
		model.StateSuccess,
	}, r.ch.states())
	require.Equal(t, ipc.Message{JobID: "abc123", State: model.StateSuccess, Note: "Finished"}, r.ch.last())
	require.Equal(t, 1, r.vm.destroyed)
	requireCleanedUp(t, r)

	require.Len(t, r.exec.commands, 2)
	clone := r.exec.commands[1]
	require.Equal(t, "git clone https://github.com/RugbyTeam/sample.git /home/vagrant/src", clone.Cmd)
	require.Equal(t, "127.0.0.1", clone.Host)
	require.Equal(t, 2222, clone.Port)
	require.Equal(t, "vagrant", clone.User)
	require.Equal(t, "vagrant", clone.Password)
	require.Equal(t, "/keys/db", clone.KeyFile)
	require.Contains(t, r.log.String(), "ok git clone")
	require.Contains(t, r.log.String(), "CLEANING_UP: Cleanup finished")
	require.Contains(t, r.log.String(), "SUCCESS: Finished")
}

func TestRun_Commands(t *testing.T) {
	t.Parallel()
	config := `
- name: web
  group: lang
  type: node
  install: [npm install]
  script: [npm run lint]
  test: [npm test]
- name: db
  group: db
  type: mongo
  install: [mongo --version]
`
	r := run(t, given{
		config: config,
		spec:   func(s *model.JobSpec) { s.Revision = "0a1b2c3" },
	})
	require.NoError(t, r.err)
	require.Equal(t, []string{
		"command -v git >/dev/null 2>&1 || sudo apt-get install -y git",
		"git clone https://github.com/RugbyTeam/sample.git /home/vagrant/src",
		"git checkout 0a1b2c3",
		"command -v git >/dev/null 2>&1 || sudo apt-get install -y git",
		"git clone https://github.com/RugbyTeam/sample.git /home/vagrant/src",
		"git checkout 0a1b2c3",
		"npm install",
		"mongo --version",
		"npm run lint",
		"npm test",
	}, r.exec.cmds())
	for _, c := range r.exec.commands[6:] {
		require.Equal(t, "/home/vagrant/src", c.Dir)
	}
	require.Equal(t, "/keys/db", r.exec.commands[7].KeyFile)
	requireCleanedUp(t, r)
}

func TestRun_Fail(t *testing.T) {
	t.Parallel()

	type then struct {
		states    []model.State
		note      string
		destroyed int
	}
	var testCases = []struct {
		scenario string
		given    given
		then     then
	}{
		{
			scenario: "vagrant up fails",
			given: given{
				config: dbVM,
				vm:     &fakeVM{upErr: errors.New("exit status 1")},
			},
			then: then{
				states: []model.State{
					model.StateStandby,
					model.StateInitializing,
					model.StateSpawningVMs,
					model.StateError,
				},
				note:      "Failed to complete vagrant up: exit status 1",
				destroyed: 1,
			},
		},
		{
			scenario: "install command fails",
			given: given{
				config: `
- name: db
  group: db
  type: mongo
  install: ["apt-get update", "false"]
  test: [make test]
`,
				exec: &fakeExec{fail: []string{"false"}},
			},
			then: then{
				states: []model.State{
					model.StateStandby,
					model.StateInitializing,
					model.StateSpawningVMs,
					model.StateCloningSource,
					model.StateRunningInstall,
					model.StateError,
				},
				note:      `install command "false" failed on vm "db"`,
				destroyed: 1,
			},
		},
		{
			scenario: "test command fails",
			given: given{
				config: `
- name: web
  group: lang
  type: node
  test: [npm test]
`,
				exec: &fakeExec{fail: []string{"npm test"}},
			},
			then: then{
				states: []model.State{
					model.StateStandby,
					model.StateInitializing,
					model.StateSpawningVMs,
					model.StateCloningSource,
					model.StateRunningInstall,
					model.StateRunningTests,
					model.StateError,
				},
				note:      `test command "npm test" failed on vm "web"`,
				destroyed: 1,
			},
		},
		{
			scenario: "invalid configuration",
			given:    given{config: "- {name: db, group: web, type: mongo}"},
			then: then{
				states: []model.State{
					model.StateStandby,
					model.StateInitializing,
					model.StateError,
				},
				note: "Failed to load VM configuration",
			},
		},
		{
			scenario: "clone fails",
			given: given{
				config: dbVM,
				exec: &fakeExec{fail: []string{
					"git clone https://github.com/RugbyTeam/sample.git /home/vagrant/src",
				}},
			},
			then: then{
				states: []model.State{
					model.StateStandby,
					model.StateInitializing,
					model.StateSpawningVMs,
					model.StateCloningSource,
					model.StateError,
				},
				note:      `Failed to clone source into vm "db": exit status 1`,
				destroyed: 1,
			},
		},
		{
			scenario: "ssh transport fails",
			given: given{
				config: dbVM,
				exec:   &fakeExec{err: errors.New("connection refused")},
			},
			then: then{
				states: []model.State{
					model.StateStandby,
					model.StateInitializing,
					model.StateSpawningVMs,
					model.StateCloningSource,
					model.StateError,
				},
				note:      `Failed to clone source into vm "db": connection refused`,
				destroyed: 1,
			},
		},
		{
			scenario: "no ssh configuration",
			given: given{
				config: dbVM,
				vm:     &fakeVM{connErr: vagrant.ErrNoHost},
			},
			then: then{
				states: []model.State{
					model.StateStandby,
					model.StateInitializing,
					model.StateSpawningVMs,
					model.StateCloningSource,
					model.StateError,
				},
				note:      `Failed to clone source into vm "db"`,
				destroyed: 1,
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			r := run(t, tc.given)
			require.Error(t, r.err)
			var failure *worker.Failure
			require.ErrorAs(t, r.err, &failure)

			require.Equal(t, tc.then.states, r.ch.states())
			last := r.ch.last()
			require.Equal(t, model.StateError, last.State)
			require.Contains(t, last.Note, tc.then.note)
			require.Equal(t, r.err.Error(), last.Note)
			require.Contains(t, r.log.String(), last.Note)
			require.Equal(t, tc.then.destroyed, r.vm.destroyed)
			requireCleanedUp(t, r)
		})
	}
}

func TestRun_NotReusable(t *testing.T) {
	t.Parallel()
	w := worker.New(model.JobSpec{ID: "x"}, worker.Options{RootDir: t.TempDir()}, worker.Deps{
		Loader: vmconf.Loader{},
	})
	ch := &fakeChannel{}
	require.Error(t, w.Run(t.Context(), ch, &logBuffer{}))
	require.Error(t, w.Run(t.Context(), ch, &logBuffer{}))
}

func TestRun_RootIsFile(t *testing.T) {
	t.Parallel()
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, nil, 0o644))

	w := worker.New(model.JobSpec{ID: "abc123"}, worker.Options{RootDir: root}, worker.Deps{})
	ch := &fakeChannel{}
	err := w.Run(t.Context(), ch, &logBuffer{})
	require.ErrorContains(t, err, "Failed to create VM directory")
	require.Equal(t, []model.State{model.StateStandby, model.StateInitializing, model.StateError}, ch.states())
	require.True(t, ch.closed)
}

// A job id naming an existing path next to the build directories fails
// without removing what is there.
func TestRun_ExistingPath(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    string
	}{
		{scenario: "file", given: "rugby.db"},
		{scenario: "directory", given: "logs"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			root := t.TempDir()
			db := filepath.Join(root, "rugby.db")
			require.NoError(t, os.WriteFile(db, []byte("builds"), 0o644))
			other := filepath.Join(root, "logs", "other.log")
			require.NoError(t, os.MkdirAll(filepath.Dir(other), 0o755))
			require.NoError(t, os.WriteFile(other, []byte("running"), 0o644))

			spec := model.JobSpec{ID: tc.given, CloneURL: "https://github.com/RugbyTeam/sample.git", ConfigPath: "/tmp/.rugby.yml"}
			require.NoError(t, spec.Validate())

			vm := &fakeVM{}
			w := worker.New(spec, worker.Options{RootDir: root}, worker.Deps{
				Loader: vmconf.Loader{},
				VMs: func(string, io.Writer) (worker.VMControl, error) {
					return vm, nil
				},
				Exec: &fakeExec{},
			})
			ch := &fakeChannel{}
			err := w.Run(t.Context(), ch, &logBuffer{})
			require.ErrorIs(t, err, os.ErrExist)
			require.Equal(t, model.StateError, ch.last().State)
			require.True(t, ch.closed)

			require.FileExists(t, db)
			require.FileExists(t, other)
		})
	}
}
