package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/origincreativegroup/Loom/internal/model"
)

type ShellClient interface {
	Run(ctx context.Context, command string) (RunResult, error)
	Close() error
}

// ShellDialer opens one authenticated session to a remote host.
type ShellDialer interface {
	Dial(ctx context.Context) (ShellClient, error)
}

// ShellCommandFunc renders the remote command line for one invocation.
type ShellCommandFunc func(target string, opts Options) (string, error)

// ShellAdapter runs one command per execution over a fresh SSH session.
type ShellAdapter struct {
	desc    model.ToolDescriptor
	dialer  ShellDialer
	command ShellCommandFunc
	parse   ParseFunc
}

func NewShellAdapter(desc model.ToolDescriptor, dialer ShellDialer, command ShellCommandFunc, parse ParseFunc) *ShellAdapter {
	desc.Kind = model.KindRemoteShell
	return &ShellAdapter{desc: desc, dialer: dialer, command: command, parse: parse}
}

func (a *ShellAdapter) Descriptor() model.ToolDescriptor {
	return a.desc
}

func (a *ShellAdapter) Execute(ctx context.Context, target string, opts Options) model.ToolOutcome {
	out := begin(a.desc.Name)
	command, err := a.command(target, opts)
	if err != nil {
		return fail(ctx, out, err)
	}
	client, err := a.dialer.Dial(ctx)
	if err != nil {
		return fail(ctx, out, fmt.Errorf("connect: %w", err))
	}
	defer client.Close() //nolint:errcheck

	res, err := client.Run(ctx, command)
	if err != nil {
		return fail(ctx, out, fmt.Errorf("remote command: %w", err))
	}
	if res.ExitCode != 0 {
		return fail(ctx, out, &ExitError{Code: res.ExitCode, Stderr: string(res.Stderr)})
	}
	stdout := string(res.Stdout)
	records, err := a.parse(target, stdout)
	if err != nil {
		return fail(ctx, out, fmt.Errorf("parse %s output: %w", a.desc.Name, err))
	}
	return succeed(out, stdout, records)
}

// SSHDialer authenticates with a private key file. Host keys are checked
// against KnownHostsPath when it is set.
type SSHDialer struct {
	Addr           string
	User           string
	KeyPath        string
	KnownHostsPath string
	Timeout        time.Duration
}

func (d SSHDialer) Dial(ctx context.Context) (ShellClient, error) {
	key, err := os.ReadFile(d.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key: %w", err)
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey() //nolint:gosec
	if strings.TrimSpace(d.KnownHostsPath) != "" {
		hostKeyCallback, err = knownhosts.New(d.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
	}
	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.Timeout,
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, d.Addr, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	// The deadline bounds the handshake only; Run kills the session on ctx.
	_ = conn.SetDeadline(time.Time{})
	return &sshClient{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshClient struct {
	client *ssh.Client
}

func (c *sshClient) Run(ctx context.Context, command string) (RunResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return RunResult{}, fmt.Errorf("open session: %w", err)
	}
	defer session.Close() //nolint:errcheck

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = c.client.Close()
		<-done
		return RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), ExitCode: -1}, ctx.Err()
	}

	res := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	if err != nil {
		res.ExitCode = -1
		return res, err
	}
	return res, nil
}

func (c *sshClient) Close() error {
	return c.client.Close()
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
