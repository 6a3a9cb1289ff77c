package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type execHandler func(cmd string, stdin []byte) (stdout, stderr string, status uint32)

// startTestServer runs a minimal SSH server that answers exec requests.
func startTestServer(t *testing.T, handler execHandler) (addr string, hostKey ssh.PublicKey) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "audit" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				serveConn(conn, cfg, handler)
			}()
		}
	}()

	return ln.Addr().String(), signer.PublicKey()
}

func serveConn(conn net.Conn, cfg *ssh.ServerConfig, handler execHandler) {
	defer conn.Close()
	_, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		return
	}
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)

				stdin, _ := io.ReadAll(ch)
				stdout, stderr, status := handler(payload.Command, stdin)
				_, _ = io.WriteString(ch, stdout)
				_, _ = io.WriteString(ch.Stderr(), stderr)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func testHost(t *testing.T, addr string) models.Host {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return models.Host{Name: "test", Address: host, Port: p, Username: "audit", Password: "secret"}
}

func TestSSHRunAndUpload(t *testing.T) {
	var mu sync.Mutex
	files := map[string]string{}

	addr, hostKey := startTestServer(t, func(cmd string, stdin []byte) (string, string, uint32) {
		switch {
		case cmd == "echo hello":
			return "hello\n", "", 0
		case cmd == "false":
			return "", "nope\n", 3
		case strings.HasPrefix(cmd, "mkdir -p "):
			mu.Lock()
			files[cmd] = string(stdin)
			mu.Unlock()
			return "", "", 0
		}
		return "", "unknown command", 127
	})

	dialer := NewSSHDialer(SSHConfig{HostKeyCallback: ssh.FixedHostKey(hostKey), ConnectTimeout: 5 * time.Second})
	tr, err := dialer.Dial(context.Background(), testHost(t, addr))
	require.NoError(t, err)
	defer tr.Close()

	res, err := tr.Run(context.Background(), "echo hello")
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", res.Stdout)

	res, err = tr.Run(context.Background(), "false")
	require.NoError(t, err, "non-zero exit is not a transport error")
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "nope\n", res.Stderr)

	require.NoError(t, tr.Upload(context.Background(), "/home/audit/work/u01.sh", []byte("#!/bin/bash\necho fix\n"), 0o755))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, files, 1)
	for cmd, body := range files {
		assert.Equal(t, "mkdir -p '/home/audit/work' && cat > '/home/audit/work/u01.sh' && chmod 755 '/home/audit/work/u01.sh'", cmd)
		assert.Equal(t, "#!/bin/bash\necho fix\n", body)
	}
}

func TestSSHRunTimeout(t *testing.T) {
	release := make(chan struct{})
	addr, hostKey := startTestServer(t, func(cmd string, _ []byte) (string, string, uint32) {
		<-release
		return "", "", 0
	})
	t.Cleanup(func() { close(release) })

	dialer := NewSSHDialer(SSHConfig{HostKeyCallback: ssh.FixedHostKey(hostKey)})
	tr, err := dialer.Dial(context.Background(), testHost(t, addr))
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = tr.Run(ctx, "sleep 600")
	require.Error(t, err)
	assert.True(t, auditerrors.IsTimeout(err))
	assert.ErrorIs(t, err, auditerrors.ErrTransport)
}

func TestSSHDialRejectsWrongHostKey(t *testing.T) {
	addr, _ := startTestServer(t, func(string, []byte) (string, string, uint32) { return "", "", 0 })

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(other)
	require.NoError(t, err)

	dialer := NewSSHDialer(SSHConfig{HostKeyCallback: ssh.FixedHostKey(otherSigner.PublicKey())})
	_, err = dialer.Dial(context.Background(), testHost(t, addr))
	require.Error(t, err)
	assert.ErrorIs(t, err, auditerrors.ErrTransport)
}

func TestSSHDialBadPassword(t *testing.T) {
	addr, hostKey := startTestServer(t, func(string, []byte) (string, string, uint32) { return "", "", 0 })
	host := testHost(t, addr)
	host.Password = "wrong"

	dialer := NewSSHDialer(SSHConfig{HostKeyCallback: ssh.FixedHostKey(hostKey)})
	_, err := dialer.Dial(context.Background(), host)
	require.Error(t, err)
	assert.ErrorIs(t, err, auditerrors.ErrAuthentication)
}

func TestSSHDialConfigurationErrors(t *testing.T) {
	cb := ssh.InsecureIgnoreHostKey()

	_, err := NewSSHDialer(SSHConfig{}).Dial(context.Background(), models.Host{Address: "192.0.2.1", Password: "x"})
	assert.True(t, auditerrors.IsConfigurationError(err), "missing host key callback")

	_, err = NewSSHDialer(SSHConfig{HostKeyCallback: cb}).Dial(context.Background(), models.Host{Name: "nohost"})
	assert.True(t, auditerrors.IsConfigurationError(err), "missing address")

	_, err = NewSSHDialer(SSHConfig{HostKeyCallback: cb}).Dial(context.Background(), models.Host{Address: "192.0.2.1"})
	assert.True(t, auditerrors.IsConfigurationError(err), "missing credentials")

	keyFile := t.TempDir() + "/id_bad"
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0o600))
	_, err = NewSSHDialer(SSHConfig{HostKeyCallback: cb}).Dial(context.Background(), models.Host{Address: "192.0.2.1", KeyFile: keyFile})
	assert.True(t, auditerrors.IsConfigurationError(err), "unparsable key")
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = b.Write([]byte("gh"))
	assert.Equal(t, "abcd", b.String())
	assert.True(t, b.Exceeded())
}
