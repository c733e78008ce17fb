// Package remote runs shell commands on a virtual machine over ssh.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/RugbyTeam/Rugby/internal/log"
)

const DefaultTimeout = 30 * time.Second

var ErrNoAuth = errors.New("no ssh password nor key file")

// Command is a single shell command to run on Host.
type Command struct {
	Cmd      string
	Dir      string // working directory, optional
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
}

func (c Command) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// Line is the shell line executed remotely.
func (c Command) Line() string {
	if c.Dir == "" {
		return c.Cmd
	}
	return "cd " + Quote(c.Dir) + " && " + c.Cmd
}

// Result of a command which ran to completion.
type Result struct {
	Failed   bool
	ExitCode int
	Output   []byte // stdout and stderr interleaved
}

// SSH executes commands using a new connection per command.
type SSH struct {
	Timeout time.Duration // dial and handshake timeout
	Output  io.Writer     // optional copy of every command output
}

// Run executes c and waits for it. A command exiting with non zero status is
// reported as Result.Failed, errors are reserved for transport problems and a
// cancelled ctx.
func (s SSH) Run(ctx context.Context, c Command) (Result, error) {
	ctx = log.ContextAttrs(ctx,
		slog.String("host", c.addr()),
		slog.String("user", c.User),
	)

	client, err := s.dial(ctx, c)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()
	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return Result{}, fmt.Errorf("ssh session %s: %w", c.addr(), err)
	}
	defer session.Close()

	var buf bytes.Buffer
	out := &lockedWriter{w: &buf}
	if s.Output != nil {
		out.w = io.MultiWriter(&buf, s.Output)
	}
	session.Stdout = out
	session.Stderr = out

	line := c.Line()
	slog.DebugContext(ctx, "running", "cmd", line)
	err = session.Run(line)
	res := Result{Output: buf.Bytes()}

	var exitErr *ssh.ExitError
	var missingErr *ssh.ExitMissingError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.Failed = true
		res.ExitCode = exitErr.ExitStatus()
		slog.DebugContext(ctx, "command failed", "cmd", line, "code", res.ExitCode)
		return res, nil
	case errors.As(err, &missingErr):
		res.Failed = true
		res.ExitCode = -1
		return res, nil
	default:
		return res, fmt.Errorf("ssh run %s: %w", c.addr(), err)
	}
}

func (s SSH) dial(ctx context.Context, c Command) (*ssh.Client, error) {
	auth, err := authMethods(c)
	if err != nil {
		return nil, err
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	config := &ssh.ClientConfig{
		User: c.User,
		Auth: auth,
		// machines are created per build and get fresh host keys
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return nil, fmt.Errorf("ssh dial %s: %w", c.addr(), err)
	}
	_ = conn.SetDeadline(time.Now().Add(timeout))
	sconn, chans, reqs, err := ssh.NewClientConn(conn, c.addr(), config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake %s: %w", c.addr(), err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(sconn, chans, reqs), nil
}

func authMethods(c Command) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.KeyFile != "" {
		pem, err := os.ReadFile(c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading ssh key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parsing ssh key %s: %w", c.KeyFile, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	if len(methods) == 0 {
		return nil, ErrNoAuth
	}
	return methods, nil
}

// Quote returns s quoted for a POSIX shell.
func Quote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./=:@,+") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

type lockedWriter struct {
	mx sync.Mutex
	w  io.Writer
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()
	return w.w.Write(p)
}
