package knownhosts

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	xknownhosts "golang.org/x/crypto/ssh/knownhosts"
)

// Manager owns a known_hosts file and verifies audited hosts against it.
type Manager interface {
	// HostKeyCallback returns a callback for ssh.ClientConfig. Unknown hosts
	// are recorded on first contact when trust-on-first-use is enabled.
	HostKeyCallback() ssh.HostKeyCallback
	// Path returns the absolute path to the managed known_hosts file.
	Path() string
}

type manager struct {
	path         string
	mu           sync.Mutex
	trustOnFirst bool
	loadCallback func(path string) (ssh.HostKeyCallback, error)
}

var (
	mkdirAllFn       = os.MkdirAll
	statFn           = os.Stat
	chmodFn          = os.Chmod
	openFileFn       = os.OpenFile
	appendOpenFileFn = func(path string) (io.WriteCloser, error) {
		return openFileFn(path, os.O_APPEND|os.O_WRONLY, 0o600)
	}

	// ErrUnknownHost is returned when trust-on-first-use is disabled and the
	// host has no entry.
	ErrUnknownHost = errors.New("knownhosts: unknown host")
	// ErrHostKeyChanged signals that a host key already exists with a different fingerprint.
	ErrHostKeyChanged = errors.New("knownhosts: host key changed")
)

var (
	defaultMkdirAllFn       = mkdirAllFn
	defaultStatFn           = statFn
	defaultChmodFn          = chmodFn
	defaultOpenFileFn       = openFileFn
	defaultAppendOpenFileFn = appendOpenFileFn
)

// HostKeyChangeError describes a detected host key mismatch.
type HostKeyChangeError struct {
	Host        string
	Fingerprint string
	Line        int
}

func (e *HostKeyChangeError) Error() string {
	return fmt.Sprintf("knownhosts: host key for %s changed (offered %s, known_hosts line %d)", e.Host, e.Fingerprint, e.Line)
}

func (e *HostKeyChangeError) Unwrap() error {
	return ErrHostKeyChanged
}

// Option allows customizing Manager construction.
type Option func(*manager)

// WithTrustOnFirstUse controls whether unknown hosts are accepted and
// recorded (the default) or rejected.
func WithTrustOnFirstUse(enabled bool) Option {
	return func(m *manager) {
		m.trustOnFirst = enabled
	}
}

// NewManager returns a Manager backed by the supplied known_hosts path.
func NewManager(path string, opts ...Option) (Manager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("knownhosts: empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("knownhosts: resolve %s: %w", path, err)
	}

	m := &manager{
		path:         abs,
		trustOnFirst: true,
		loadCallback: func(path string) (ssh.HostKeyCallback, error) { return xknownhosts.New(path) },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Path implements Manager.Path.
func (m *manager) Path() string {
	return m.path
}

// HostKeyCallback implements Manager.HostKeyCallback. The file is re-read on
// every handshake so entries recorded by other sessions are honoured.
func (m *manager) HostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if err := m.ensureKnownHostsFile(); err != nil {
			return err
		}
		verify, err := m.loadCallback(m.path)
		if err != nil {
			return fmt.Errorf("knownhosts: load %s: %w", m.path, err)
		}

		err = verify(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *xknownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyChangeError{
				Host:        hostname,
				Fingerprint: ssh.FingerprintSHA256(key),
				Line:        keyErr.Want[0].Line,
			}
		}
		if !m.trustOnFirst {
			return fmt.Errorf("%w: %s", ErrUnknownHost, hostname)
		}

		if err := appendHostKey(m.path, []string{xknownhosts.Line(hostPatterns(hostname, remote), key)}); err != nil {
			return err
		}
		log.Info().
			Str("host", hostname).
			Str("fingerprint", ssh.FingerprintSHA256(key)).
			Str("known_hosts", m.path).
			Msg("Recorded host key on first contact")
		return nil
	}
}

// hostPatterns lists the known_hosts patterns for a connection: the dialled
// name and, when it differs, the remote IP. The verifier checks both.
func hostPatterns(hostname string, remote net.Addr) []string {
	patterns := []string{xknownhosts.Normalize(hostname)}
	if tcp, ok := remote.(*net.TCPAddr); ok && tcp.IP != nil && !tcp.IP.IsUnspecified() {
		if addr := xknownhosts.Normalize(tcp.String()); addr != patterns[0] {
			patterns = append(patterns, addr)
		}
	}
	return patterns
}

func (m *manager) ensureKnownHostsFile() error {
	dir := filepath.Dir(m.path)
	if err := mkdirAllFn(dir, 0o700); err != nil {
		return fmt.Errorf("knownhosts: mkdir %s: %w", dir, err)
	}

	if _, err := statFn(m.path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("knownhosts: stat %s: %w", m.path, err)
	}

	f, err := openFileFn(m.path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("knownhosts: create %s: %w", m.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("knownhosts: close %s: %w", m.path, err)
	}
	if err := chmodFn(m.path, 0o600); err != nil {
		return fmt.Errorf("knownhosts: chmod %s: %w", m.path, err)
	}
	return nil
}

func appendHostKey(path string, lines []string) (retErr error) {
	f, err := appendOpenFileFn(path)
	if err != nil {
		return fmt.Errorf("knownhosts: open %s: %w", path, err)
	}
	defer func() {
		retErr = joinCloseError(retErr, fmt.Sprintf("knownhosts: close %s", path), f.Close())
	}()

	for _, line := range lines {
		if line == "" {
			continue
		}
		if _, err := io.WriteString(f, line+"\n"); err != nil {
			return fmt.Errorf("knownhosts: write entry to %s: %w", path, err)
		}
	}
	return nil
}

func joinCloseError(err error, op string, closeErr error) error {
	if closeErr == nil {
		return err
	}

	wrappedCloseErr := fmt.Errorf("%s: %w", op, closeErr)
	if err == nil {
		return wrappedCloseErr
	}

	return errors.Join(err, wrappedCloseErr)
}
