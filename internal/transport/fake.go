package transport

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/rcourtman/hostaudit/internal/models"
)

// Upload is a file staged through a Fake.
type Upload struct {
	Data []byte
	Mode os.FileMode
}

type fakeRule struct {
	substr  string
	respond func(cmd string) (Result, error)
}

// Fake is an in-memory Transport for tests. Commands are answered by the most
// recently registered rule whose substring occurs in the command; unmatched
// commands get Default.
type Fake struct {
	mu       sync.Mutex
	rules    []fakeRule
	Default  Result
	commands []string
	uploads  map[string]Upload
	order    []string
	// UploadErr, when set, fails every upload.
	UploadErr error
	closes    int
}

// NewFake returns a Fake whose unmatched commands succeed with no output.
func NewFake() *Fake {
	return &Fake{uploads: make(map[string]Upload)}
}

// On answers commands containing substr with r.
func (f *Fake) On(substr string, r Result) *Fake {
	return f.OnFunc(substr, func(string) (Result, error) { return r, nil })
}

// OnError fails commands containing substr with err.
func (f *Fake) OnError(substr string, err error) *Fake {
	return f.OnFunc(substr, func(string) (Result, error) { return Result{ExitCode: -1}, err })
}

// OnFunc answers commands containing substr with fn.
func (f *Fake) OnFunc(substr string, fn func(cmd string) (Result, error)) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, fakeRule{substr: substr, respond: fn})
	return f
}

// Run implements Transport.
func (f *Fake) Run(ctx context.Context, cmd string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	var respond func(string) (Result, error)
	for i := len(f.rules) - 1; i >= 0; i-- {
		if strings.Contains(cmd, f.rules[i].substr) {
			respond = f.rules[i].respond
			break
		}
	}
	def := f.Default
	f.mu.Unlock()

	if respond == nil {
		return def, nil
	}
	return respond(cmd)
}

// Upload implements Transport.
func (f *Fake) Upload(ctx context.Context, path string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.UploadErr != nil {
		return f.UploadErr
	}
	f.uploads[path] = Upload{Data: append([]byte(nil), data...), Mode: mode}
	f.order = append(f.order, path)
	return nil
}

// Close implements Transport. A FakeDialer hands the same Fake to every
// session for a host, so Close only counts calls.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

// Commands returns every command run so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// CommandsContaining returns the commands that contain substr.
func (f *Fake) CommandsContaining(substr string) []string {
	var out []string
	for _, c := range f.Commands() {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

// Uploaded returns the upload staged at path.
func (f *Fake) Uploaded(path string) (Upload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.uploads[path]
	return u, ok
}

// UploadOrder returns upload paths in the order they were staged.
func (f *Fake) UploadOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Closes returns how many times Close was called.
func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// FakeDialer hands out one Fake per host label.
type FakeDialer struct {
	mu    sync.Mutex
	hosts map[string]*Fake
	errs  map[string]error
}

// NewFakeDialer returns an empty FakeDialer.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{hosts: make(map[string]*Fake), errs: make(map[string]error)}
}

// Host returns (creating if needed) the Fake for label.
func (d *FakeDialer) Host(label string) *Fake {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, ok := d.hosts[label]
	if !ok {
		f = NewFake()
		d.hosts[label] = f
	}
	return f
}

// Fail makes dialing label return err.
func (d *FakeDialer) Fail(label string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs[label] = err
}

// Dial implements Dialer.
func (d *FakeDialer) Dial(ctx context.Context, host models.Host) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	err := d.errs[host.Label()]
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Host(host.Label()), nil
}
