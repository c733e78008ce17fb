package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/RugbyTeam/Rugby/internal/ipc"
	"github.com/RugbyTeam/Rugby/internal/log"
	"github.com/RugbyTeam/Rugby/internal/model"
)

const (
	DefaultInterval        = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

var ErrJobActive = errors.New("job already has an active worker")

// Registry is the durable store of builds.
type Registry interface {
	Insert(ctx context.Context, rec model.BuildRecord) error
	Update(ctx context.Context, id string, state model.State, note string) error
}

// Channel is the supervisor end of a worker channel.
type Channel interface {
	Poll() (ipc.Message, error)
	Close() error
}

// Process is a spawned worker.
type Process interface {
	Pid() int
	Wait() error
}

// Spawner starts a worker for spec and returns the channel it reports on.
type Spawner interface {
	Spawn(ctx context.Context, spec model.JobSpec) (Process, Channel, error)
}

// Callback observes every accepted message of a job. Callbacks run
// concurrently with the polling loop and with each other.
type Callback func(ctx context.Context, m ipc.Message) error

// WorkerView is a read only snapshot of an active worker.
type WorkerView struct {
	JobID   string      `json:"job_id"`
	State   model.State `json:"state"`
	Note    string      `json:"note"`
	Pid     int         `json:"pid"`
	Started time.Time   `json:"started"`
}

type workerRecord struct {
	proc      Process
	ch        Channel
	state     model.State
	note      string
	started   time.Time
	callbacks []Callback
	// closed once every registry update of this job so far has finished
	updated chan struct{}
	// closed once every callback dispatch of this job so far has finished
	notified chan struct{}
}

type update struct {
	id  string
	msg ipc.Message
}

// Supervisor owns the active workers. Start adds workers, Do polls their
// channels and reaps those which reached a terminal state.
type Supervisor struct {
	spawner         Spawner
	registry        Registry
	interval        time.Duration
	shutdownTimeout time.Duration

	mx      sync.Mutex
	workers map[string]*workerRecord
	defunct map[string]struct{}

	updates  sync.WaitGroup // registry updates
	notifies sync.WaitGroup // callback dispatches
	cbCtx    context.Context
	cbCancel context.CancelFunc
}

func NewSupervisor(spawner Spawner, registry Registry, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	cbCtx, cbCancel := context.WithCancel(context.Background())
	return &Supervisor{
		spawner:         spawner,
		registry:        registry,
		interval:        interval,
		shutdownTimeout: DefaultShutdownTimeout,
		workers:         make(map[string]*workerRecord),
		defunct:         make(map[string]struct{}),
		cbCtx:           cbCtx,
		cbCancel:        cbCancel,
	}
}

// SetShutdownTimeout bounds how long Do waits for callbacks in flight once
// its context is cancelled. It must be called before Do.
func (s *Supervisor) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		s.shutdownTimeout = d
	}
}

// Start registers the build and spawns its worker. Every accepted message
// updates the registry and is passed to callbacks. It returns ErrJobActive
// when a worker with the same id was not reaped yet.
func (s *Supervisor) Start(ctx context.Context, spec model.JobSpec, callbacks ...Callback) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	ctx = log.ContextAttrs(ctx, slog.String("job_id", spec.ID))

	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.workers[spec.ID]; ok {
		return fmt.Errorf("%w: %s", ErrJobActive, spec.ID)
	}

	if err := s.registry.Insert(ctx, model.NewBuildRecord(spec)); err != nil {
		return fmt.Errorf("registering build: %w", err)
	}

	proc, ch, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		note := "Failed to spawn worker: " + err.Error()
		if uerr := s.registry.Update(ctx, spec.ID, model.StateError, note); uerr != nil {
			slog.ErrorContext(ctx, "updating build", "error", uerr)
		}
		return fmt.Errorf("spawning worker: %w", err)
	}

	done := make(chan struct{})
	close(done)
	s.workers[spec.ID] = &workerRecord{
		proc:      proc,
		ch:        ch,
		started:   time.Now().UTC(),
		callbacks: callbacks,
		updated:   done,
		notified:  done,
	}
	slog.InfoContext(ctx, "worker spawned", "pid", proc.Pid())

	go s.waitProcess(context.WithoutCancel(ctx), proc)
	return nil
}

// Status returns a snapshot of the active workers.
func (s *Supervisor) Status() map[string]WorkerView {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make(map[string]WorkerView, len(s.workers))
	for id, rec := range s.workers {
		ret[id] = WorkerView{
			JobID:   id,
			State:   rec.state,
			Note:    rec.note,
			Pid:     rec.proc.Pid(),
			Started: rec.started,
		}
	}
	return ret
}

// Do runs the polling loop until ctx is cancelled. Sweeps never overlap.
// On return every remaining worker is abandoned: its channel is closed, the
// process itself keeps running. Do waits for registry updates and callbacks
// in flight up to the shutdown timeout, then cancels the callback context
// and returns without them.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	defer func() {
		s.drain(ctx)
	}()
	defer func() {
		s.abandon(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep drains every channel, dispatches callbacks for the accepted
// messages, applies the state changes and reaps terminal workers.
func (s *Supervisor) sweep(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()

	var updates []update
	for id, rec := range s.workers {
		if _, ok := s.defunct[id]; ok {
			continue
		}
		jobCtx := log.ContextAttrs(ctx, slog.String("job_id", id))
		state := rec.state
		for !state.Terminal() {
			msg, err := rec.ch.Poll()
			if errors.Is(err, ipc.ErrEmpty) {
				break
			}
			if err != nil {
				slog.WarnContext(jobCtx, "worker channel closed", "state", state, "error", err)
				msg = ipc.Message{
					JobID: id,
					State: model.StateError,
					Note:  "worker channel closed: " + err.Error(),
				}
			}
			if msg.JobID != id {
				slog.WarnContext(jobCtx, "ignoring message of another job", "message", msg.String())
				continue
			}
			if !model.ValidTransition(state, msg.State) {
				slog.WarnContext(jobCtx, "ignoring invalid transition", "from", state, "to", msg.State)
				continue
			}
			state = msg.State
			updates = append(updates, update{id: id, msg: msg})
			s.dispatch(jobCtx, rec, msg)
		}
	}

	for _, u := range updates {
		s.stateChange(u.id, u.msg)
	}
	s.reapDefunct(ctx)
}

// dispatch updates the registry and runs the callbacks of rec for msg, each
// in a new goroutine. Registry updates of the same job run one after another,
// so do callback dispatches, so both observe the states of a job in order. A
// slow callback never delays the registry.
func (s *Supervisor) dispatch(ctx context.Context, rec *workerRecord, msg ipc.Message) {
	ctx = context.WithoutCancel(ctx)

	prevUpdate := rec.updated
	updated := make(chan struct{})
	rec.updated = updated
	s.updates.Go(func() {
		defer close(updated)
		<-prevUpdate
		if err := call(ctx, s.updateRegistry, msg); err != nil {
			slog.ErrorContext(ctx, "updating build", "state", msg.State, "error", err)
		}
	})

	if len(rec.callbacks) == 0 {
		return
	}
	prevNotify := rec.notified
	notified := make(chan struct{})
	rec.notified = notified
	callbacks := rec.callbacks
	s.notifies.Go(func() {
		defer close(notified)
		cbCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.cbCtx, cancel)
		defer stop()

		select {
		case <-prevNotify:
		case <-cbCtx.Done():
			slog.WarnContext(ctx, "callbacks skipped on shutdown", "state", msg.State)
			return
		}
		runCallbacks(cbCtx, callbacks, msg)
	})
}

// drain waits for registry updates and callbacks in flight. Past the
// shutdown timeout it cancels the callback context and gives up.
func (s *Supervisor) drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.updates.Wait()
		s.notifies.Wait()
	}()

	timer := time.NewTimer(s.shutdownTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		slog.WarnContext(ctx, "callbacks still running after shutdown timeout", "timeout", s.shutdownTimeout)
		s.cbCancel()
	}
}

// stateChange records the observed state. A terminal state marks the job
// for reaping. s.mx must be held.
func (s *Supervisor) stateChange(id string, msg ipc.Message) {
	rec, ok := s.workers[id]
	if !ok {
		return
	}
	rec.state = msg.State
	rec.note = msg.Note
	if msg.State.Terminal() {
		s.defunct[id] = struct{}{}
	}
}

// reapDefunct closes the channel of every terminal job and forgets it.
// s.mx must be held.
func (s *Supervisor) reapDefunct(ctx context.Context) {
	for id := range s.defunct {
		delete(s.defunct, id)
		rec, ok := s.workers[id]
		if !ok {
			continue
		}
		delete(s.workers, id)
		if err := rec.ch.Close(); err != nil {
			slog.WarnContext(ctx, "closing worker channel", "job_id", id, "error", err)
		}
		slog.InfoContext(ctx, "worker reaped", "job_id", id, "state", rec.state)
	}
}

// abandon drops every active worker and closes its channel.
func (s *Supervisor) abandon(ctx context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.workers) > 0 {
		slog.WarnContext(ctx, "abandoning active workers", "ids", slices.Sorted(maps.Keys(s.workers)))
	}
	for id, rec := range s.workers {
		if err := rec.ch.Close(); err != nil {
			slog.WarnContext(ctx, "closing worker channel", "job_id", id, "error", err)
		}
	}
	clear(s.workers)
	clear(s.defunct)
}

func (s *Supervisor) updateRegistry(ctx context.Context, m ipc.Message) error {
	return s.registry.Update(ctx, m.JobID, m.State, m.Note)
}

func (s *Supervisor) waitProcess(ctx context.Context, proc Process) {
	err := proc.Wait()
	if err != nil {
		slog.WarnContext(ctx, "worker exited", "pid", proc.Pid(), "error", err)
		return
	}
	slog.DebugContext(ctx, "worker exited", "pid", proc.Pid())
}
