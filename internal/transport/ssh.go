package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

const (
	defaultConnectTimeout = 30 * time.Second
	// defaultOutputLimit caps captured stdout and stderr per command.
	defaultOutputLimit = 16 << 20
)

// SSHConfig configures SSHDialer.
type SSHConfig struct {
	HostKeyCallback ssh.HostKeyCallback
	ConnectTimeout  time.Duration
	OutputLimit     int64
}

// SSHDialer opens SSH sessions using the credentials carried by each host.
type SSHDialer struct {
	cfg      SSHConfig
	readFile func(string) ([]byte, error)
}

// NewSSHDialer returns a dialer. A nil host key callback is a configuration
// error reported on Dial; host keys are never accepted blindly.
func NewSSHDialer(cfg SSHConfig) *SSHDialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = defaultOutputLimit
	}
	return &SSHDialer{cfg: cfg, readFile: os.ReadFile}
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, host models.Host) (Transport, error) {
	label := host.Label()
	if strings.TrimSpace(host.Address) == "" {
		return nil, auditerrors.NewConfigurationError("connect", fmt.Sprintf("host %s has no address", label))
	}
	if d.cfg.HostKeyCallback == nil {
		return nil, auditerrors.NewConfigurationError("connect", "no host key verification configured")
	}
	auth, err := d.authMethods(host)
	if err != nil {
		return nil, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            host.Username,
		Auth:            auth,
		HostKeyCallback: d.cfg.HostKeyCallback,
		Timeout:         d.cfg.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	endpoint := host.Endpoint()
	var nd net.Dialer
	conn, err := nd.DialContext(dialCtx, "tcp", endpoint)
	if err != nil {
		return nil, auditerrors.WrapTransportError("connect", label, err)
	}

	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, endpoint, clientCfg)
	if err != nil {
		_ = conn.Close()
		return nil, auditerrors.WrapTransportError("handshake", label, err)
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("host", label).Str("endpoint", endpoint).Msg("SSH session established")
	return &sshSession{
		client: ssh.NewClient(c, chans, reqs),
		host:   label,
		limit:  d.cfg.OutputLimit,
	}, nil
}

func (d *SSHDialer) authMethods(host models.Host) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if host.KeyFile != "" {
		pem, err := d.readFile(host.KeyFile)
		if err != nil {
			return nil, auditerrors.NewConfigurationError("connect", fmt.Sprintf("read key file for %s: %v", host.Label(), err))
		}
		signer, err := ssh.ParsePrivateKey(pem)
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) && host.Password != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(host.Password))
		}
		if err != nil {
			return nil, auditerrors.NewConfigurationError("connect", fmt.Sprintf("parse key file for %s: %v", host.Label(), err))
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if host.Password != "" {
		password := host.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, auditerrors.NewConfigurationError("connect", fmt.Sprintf("no credentials for host %s", host.Label()))
	}
	return methods, nil
}

type sshSession struct {
	client *ssh.Client
	host   string
	limit  int64
}

// Run implements Transport.
func (s *sshSession) Run(ctx context.Context, cmd string) (Result, error) {
	return s.exec(ctx, "run", cmd, nil)
}

// Upload implements Transport by streaming data into cat on the remote side.
func (s *sshSession) Upload(ctx context.Context, dst string, data []byte, mode os.FileMode) error {
	q := ShellQuote(dst)
	cmd := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %o %s", ShellQuote(path.Dir(dst)), q, mode.Perm(), q)
	res, err := s.exec(ctx, "upload", cmd, bytes.NewReader(data))
	if err != nil {
		return err
	}
	if !res.OK() {
		return auditerrors.WrapTransportError("upload", s.host,
			fmt.Errorf("write %s: exit %d: %s", dst, res.ExitCode, strings.TrimSpace(res.Stderr)))
	}
	return nil
}

func (s *sshSession) exec(ctx context.Context, op, cmd string, stdin io.Reader) (Result, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return Result{ExitCode: -1}, auditerrors.WrapTransportError(op, s.host, err)
	}
	defer session.Close()

	stdout := &limitedBuffer{limit: s.limit}
	stderr := &limitedBuffer{limit: s.limit}
	session.Stdout = stdout
	session.Stderr = stderr
	if stdin != nil {
		session.Stdin = stdin
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		res := Result{ExitCode: -1, Stdout: stdout.String(), Stderr: stderr.String()}
		return res, auditerrors.WrapTransportError(op, s.host, ctx.Err())
	case err := <-done:
		res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
		if stdout.Exceeded() || stderr.Exceeded() {
			log.Warn().Str("host", s.host).Int64("limit", s.limit).Msg("Remote command output truncated")
		}
		if err == nil {
			return res, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitStatus()
			return res, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(err, &missing) {
			res.ExitCode = -1
			return res, nil
		}
		res.ExitCode = -1
		return res, auditerrors.WrapTransportError(op, s.host, err)
	}
}

// Close implements Transport.
func (s *sshSession) Close() error {
	return s.client.Close()
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	limit    int64
	exceeded bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.exceeded = b.exceeded || len(p) > 0
		return len(p), nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.exceeded = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *limitedBuffer) Exceeded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exceeded
}
