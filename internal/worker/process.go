package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/RugbyTeam/Rugby/internal/ipc"
	"github.com/RugbyTeam/Rugby/internal/log"
	"github.com/RugbyTeam/Rugby/internal/model"
)

// Process describes the environment of a worker process.
type Process struct {
	Stdin   io.Reader // JobSpec encoded as YAML
	Channel *os.File  // write end of the channel
	LogPath string    // job log, opened for appending
	Verbose bool
}

// RunProcess decodes the JobSpec, opens the job log and runs a Worker
// reporting over p.Channel. The process default logger is redirected to the
// job log.
func RunProcess(ctx context.Context, p Process, opts Options, deps Deps) error {
	snd := ipc.NewSender(p.Channel)

	var spec model.JobSpec
	if err := yaml.NewDecoder(p.Stdin).Decode(&spec); err != nil {
		_ = snd.Close()
		return fmt.Errorf("decoding job spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		_ = snd.Close()
		return err
	}

	logf, err := os.OpenFile(p.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		msg := ipc.Message{JobID: spec.ID, State: model.StateError, Note: "Failed to open job log: " + err.Error()}
		_ = snd.Send(msg)
		_ = snd.Close()
		return fmt.Errorf("opening job log: %w", err)
	}

	// the worker closes the log as its last step, records logged later go
	// back to the previous logger
	prev := slog.Default()
	slog.SetDefault(log.NewText(logf, p.Verbose))
	defer slog.SetDefault(prev)
	ctx = log.ContextAttrs(ctx, slog.Int("pid", os.Getpid()))

	return New(spec, opts, deps).Run(ctx, snd, logf)
}
