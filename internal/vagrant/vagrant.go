// Package vagrant drives the vagrant command line tool for a single build
// directory.
package vagrant

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/RugbyTeam/Rugby/internal/log"
)

const DefaultBinary = "vagrant"

var ErrNoHost = errors.New("no ssh configuration for machine")

// ConnInfo is how to reach a running machine over ssh.
type ConnInfo struct {
	Host    string
	Port    int
	User    string
	KeyFile string
}

// Vagrant controls the machines of a Vagrantfile stored in a directory.
type Vagrant struct {
	dir    string
	out    io.Writer
	binary string

	mx    sync.Mutex
	conns map[string]ConnInfo
}

// New returns a Vagrant operating in dir. Output of every vagrant invocation
// is copied to out, which may be nil.
func New(dir string, out io.Writer, binary string) *Vagrant {
	if out == nil {
		out = io.Discard
	}
	if binary == "" {
		binary = DefaultBinary
	}
	return &Vagrant{
		dir:    dir,
		out:    out,
		binary: binary,
		conns:  make(map[string]ConnInfo),
	}
}

// Up starts and provisions all machines.
func (v *Vagrant) Up(ctx context.Context) error {
	return v.run(ctx, v.out, "up")
}

// Destroy stops and deletes all machines.
func (v *Vagrant) Destroy(ctx context.Context) error {
	v.mx.Lock()
	clear(v.conns)
	v.mx.Unlock()
	return v.run(ctx, v.out, "destroy", "--force")
}

// Conn returns the ssh configuration of machine name. The result is cached
// until Destroy.
func (v *Vagrant) Conn(ctx context.Context, name string) (ConnInfo, error) {
	v.mx.Lock()
	info, ok := v.conns[name]
	v.mx.Unlock()
	if ok {
		return info, nil
	}

	var buf strings.Builder
	if err := v.run(ctx, &buf, "ssh-config", name); err != nil {
		return ConnInfo{}, err
	}
	info, err := ParseSSHConfig(strings.NewReader(buf.String()))
	if err != nil {
		return ConnInfo{}, fmt.Errorf("machine %s: %w", name, err)
	}

	v.mx.Lock()
	v.conns[name] = info
	v.mx.Unlock()
	return info, nil
}

func (v *Vagrant) run(ctx context.Context, stdout io.Writer, args ...string) error {
	ctx = log.ContextAttrs(ctx, slog.String("vagrant", v.binary), slog.Any("args", args))
	slog.DebugContext(ctx, "running", "dir", v.dir)

	cmd := exec.CommandContext(ctx, v.binary, args...)
	cmd.Dir = v.dir
	cmd.Stdout = stdout
	cmd.Stderr = v.out
	if err := cmd.Run(); err != nil {
		slog.ErrorContext(ctx, "vagrant failed", "error", err)
		return fmt.Errorf("vagrant %s: %w", args[0], err)
	}
	return nil
}

// ParseSSHConfig reads the output of vagrant ssh-config. Only the first Host
// block is considered.
func ParseSSHConfig(r io.Reader) (ConnInfo, error) {
	var info ConnInfo
	hosts := 0
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.ToLower(key) {
		case "host":
			hosts++
		case "hostname":
			if hosts <= 1 && info.Host == "" {
				info.Host = value
			}
		case "user":
			if hosts <= 1 && info.User == "" {
				info.User = value
			}
		case "port":
			if hosts <= 1 && info.Port == 0 {
				port, err := strconv.Atoi(value)
				if err != nil {
					return ConnInfo{}, fmt.Errorf("parsing port %q: %w", value, err)
				}
				info.Port = port
			}
		case "identityfile":
			if hosts <= 1 && info.KeyFile == "" {
				info.KeyFile = value
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ConnInfo{}, err
	}
	if info.Host == "" {
		return ConnInfo{}, ErrNoHost
	}
	if info.Port == 0 {
		info.Port = 22
	}
	return info, nil
}
