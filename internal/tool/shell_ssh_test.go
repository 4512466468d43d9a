package tool

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/origincreativegroup/Loom/internal/model"
)

// sshServer is a minimal exec-only SSH server on loopback.
type sshServer struct {
	addr     string
	hostKey  ssh.PublicKey
	output   string
	hang     bool
	commands chan string
	signals  chan string
}

func startSSHServer(t *testing.T, authorized ssh.PublicKey, output string, hang bool) *sshServer {
	t.Helper()
	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("key not authorized")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	srv := &sshServer{
		addr:     ln.Addr().String(),
		hostKey:  hostSigner.PublicKey(),
		output:   output,
		hang:     hang,
		commands: make(chan string, 8),
		signals:  make(chan string, 8),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()
	return srv
}

func (s *sshServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	defer conn.Close() //nolint:errcheck
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)
	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go s.session(ch, requests)
	}
}

func (s *sshServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close() //nolint:errcheck
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			s.commands <- payload.Command
			_ = req.Reply(true, nil)
			if s.hang {
				continue
			}
			_, _ = io.WriteString(ch, s.output)
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
			return
		case "signal":
			var payload struct{ Signal string }
			_ = ssh.Unmarshal(req.Payload, &payload)
			s.signals <- payload.Signal
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func writeClientKey(t *testing.T) (string, ssh.PublicKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "loom-test")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return path, signer.PublicKey()
}

func writeKnownHosts(t *testing.T, addr string, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(path, []byte(knownhosts.Line([]string{addr}, key)+"\n"), 0o600))
	return path
}

func TestSSHDialerRunsReconNG(t *testing.T) {
	keyPath, pub := writeClientKey(t)
	srv := startSSHServer(t, pub, reconHostsTable, false)
	dialer := SSHDialer{Addr: srv.addr, User: "recon", KeyPath: keyPath, KnownHostsPath: writeKnownHosts(t, srv.addr, srv.hostKey), Timeout: 5 * time.Second}
	a := NewShellAdapter(model.ToolDescriptor{Name: ReconNGName}, dialer, reconNGCommand, parseReconNGHosts)

	out := a.Execute(context.Background(), "example.com", nil)
	require.Equal(t, model.OutcomeSuccess, out.Status, out.ErrorMessage)
	assert.Len(t, out.Results, 2)
	assert.Contains(t, <-srv.commands, "recon-cli")
}

func TestSSHDialerRejectedKeyIsErrorOutcome(t *testing.T) {
	keyPath, _ := writeClientKey(t)
	_, other := writeClientKey(t)
	srv := startSSHServer(t, other, reconHostsTable, false)
	dialer := SSHDialer{Addr: srv.addr, User: "recon", KeyPath: keyPath, Timeout: 5 * time.Second}
	a := NewShellAdapter(model.ToolDescriptor{Name: ReconNGName}, dialer, reconNGCommand, parseReconNGHosts)

	out := a.Execute(context.Background(), "example.com", nil)
	assert.Equal(t, model.OutcomeError, out.Status)
	assert.Contains(t, out.ErrorMessage, "ssh handshake")
	assert.Nil(t, out.Results)
}

func TestSSHDialerRejectsUnknownHostKey(t *testing.T) {
	keyPath, pub := writeClientKey(t)
	srv := startSSHServer(t, pub, reconHostsTable, false)
	_, stranger := writeClientKey(t)
	dialer := SSHDialer{Addr: srv.addr, User: "recon", KeyPath: keyPath, KnownHostsPath: writeKnownHosts(t, srv.addr, stranger), Timeout: 5 * time.Second}

	_, err := dialer.Dial(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ssh handshake")
}

func TestSSHRunKillsSessionOnDeadline(t *testing.T) {
	keyPath, pub := writeClientKey(t)
	srv := startSSHServer(t, pub, "", true)
	dialer := SSHDialer{Addr: srv.addr, User: "recon", KeyPath: keyPath, Timeout: 5 * time.Second}

	client, err := dialer.Dial(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := client.Run(ctx, "sleep 600")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 3*time.Second)

	select {
	case sig := <-srv.signals:
		assert.Equal(t, string(ssh.SIGKILL), sig)
	case <-time.After(2 * time.Second):
		t.Fatalf("server never received SIGKILL")
	}

	_, err = client.(*sshClient).client.NewSession()
	assert.Error(t, err, "client should be closed after the deadline")
}

func TestSSHShellAdapterTimeoutOutcome(t *testing.T) {
	keyPath, pub := writeClientKey(t)
	srv := startSSHServer(t, pub, "", true)
	dialer := SSHDialer{Addr: srv.addr, User: "recon", KeyPath: keyPath, Timeout: 5 * time.Second}
	a := NewShellAdapter(model.ToolDescriptor{Name: ReconNGName}, dialer, reconNGCommand, parseReconNGHosts)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	out := a.Execute(ctx, "example.com", nil)
	assert.Equal(t, model.OutcomeTimeout, out.Status)
	assert.Contains(t, out.ErrorMessage, "timed out")
	assert.Nil(t, out.Results)
}
