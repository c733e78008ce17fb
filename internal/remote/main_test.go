package remote_test

import (
	"errors"
	"net"
	"net/netip"
	"os/exec"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
)

// SSHServer is an equivalent of net/http/httptest, but for ssh servers.
type SSHServer struct {
	Handler          ssh.Handler
	PasswordHandler  ssh.PasswordHandler
	PublicKeyHandler ssh.PublicKeyHandler
	Listener         net.Listener

	server *ssh.Server
	wg     sync.WaitGroup
}

func NewUnstartedServer(handler ssh.Handler) *SSHServer {
	return &SSHServer{Handler: handler}
}

// NewServer starts a server running handler which accepts password
// "vagrant" for every user.
func NewServer(handler ssh.Handler) *SSHServer {
	srv := NewUnstartedServer(handler)
	srv.PasswordHandler = func(_ ssh.Context, password string) bool {
		return password == "vagrant"
	}
	srv.Start()
	return srv
}

func (ts *SSHServer) Start() {
	if ts.server != nil {
		panic("already started")
	}
	if ts.Listener == nil {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			panic("cannot listen: " + err.Error())
		}
		ts.Listener = listener
	}
	ts.server = &ssh.Server{
		Addr:             ts.Listener.Addr().String(),
		Handler:          ts.Handler,
		PasswordHandler:  ts.PasswordHandler,
		PublicKeyHandler: ts.PublicKeyHandler,
	}
	ts.wg.Go(func() {
		err := ts.server.Serve(ts.Listener)
		if err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			panic("server error: " + err.Error())
		}
	})
}

func (ts *SSHServer) AddrPort() netip.AddrPort {
	if ts.Listener == nil {
		panic("not yet started")
	}
	return netip.MustParseAddrPort(ts.Listener.Addr().String())
}

func (ts *SSHServer) Close() {
	if ts.server == nil {
		panic("not yet started")
	}
	_ = ts.server.Close()
	_ = ts.Listener.Close()
	ts.wg.Wait()
}

// shellHandler runs the session command with the local shell.
func shellHandler(s ssh.Session) {
	cmd := exec.CommandContext(s.Context(), "sh", "-c", s.RawCommand())
	cmd.Stdout = s
	cmd.Stderr = s.Stderr()
	cmd.WaitDelay = 100 * time.Millisecond
	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		_ = s.Exit(0)
	case errors.As(err, &exitErr):
		_ = s.Exit(exitErr.ExitCode())
	default:
		_, _ = s.Stderr().Write([]byte(err.Error()))
		_ = s.Exit(255)
	}
}
