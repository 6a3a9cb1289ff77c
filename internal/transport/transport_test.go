package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/rcourtman/hostaudit/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscalateSucceeds(t *testing.T) {
	fake := NewFake()
	p, err := Escalate(context.Background(), fake, models.Host{Name: "web-01"})
	require.NoError(t, err)

	assert.True(t, p.Attempted())
	assert.True(t, p.Escalated())
	assert.Equal(t, EscalationPrefix, p.Prefix())

	_, err = p.Run(context.Background(), "cat /etc/shadow")
	require.NoError(t, err)
	assert.Equal(t, []string{"sudo -n true", "sudo -n cat /etc/shadow"}, fake.Commands())
}

func TestEscalateFailureKeepsSessionUnprivileged(t *testing.T) {
	fake := NewFake().On("sudo -n true", Result{ExitCode: 1, Stderr: "sudo: a password is required"})
	p, err := Escalate(context.Background(), fake, models.Host{Name: "web-01"})
	require.NoError(t, err)

	assert.True(t, p.Attempted())
	assert.False(t, p.Escalated())

	_, err = p.Run(context.Background(), "id -u")
	require.NoError(t, err)
	assert.Equal(t, "id -u", fake.Commands()[1])
}

func TestEscalateTransportErrorKeepsSessionUnprivileged(t *testing.T) {
	fake := NewFake().OnError("sudo -n true", errors.New("broken pipe"))
	p, err := Escalate(context.Background(), fake, models.Host{Name: "web-01"})
	require.NoError(t, err)
	assert.True(t, p.Attempted())
	assert.False(t, p.Escalated())
}

func TestEscalateTimeoutIsReturned(t *testing.T) {
	fake := NewFake().OnError("sudo -n true", context.DeadlineExceeded)
	p, err := Escalate(context.Background(), fake, models.Host{Name: "web-01"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, p)
}

func TestEscalateCancelledContextIsReturned(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := Escalate(ctx, NewFake(), models.Host{Name: "web-01"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, p)
}

func TestEscalateSkippedForPrivilegedAccount(t *testing.T) {
	fake := NewFake()
	p, err := Escalate(context.Background(), fake, models.Host{Name: "web-01", Username: "root", Privileged: true})
	require.NoError(t, err)

	assert.False(t, p.Attempted())
	assert.False(t, p.Escalated())
	assert.Empty(t, fake.Commands())
	assert.Same(t, fake, p.Unprivileged())
}

func TestResultCombined(t *testing.T) {
	assert.Equal(t, "out", Result{Stdout: "out"}.Combined())
	assert.Equal(t, "err", Result{Stderr: "err"}.Combined())
	assert.Equal(t, "out\nerr", Result{Stdout: "out\n", Stderr: "err"}.Combined())
	assert.True(t, Result{}.OK())
	assert.False(t, Result{ExitCode: 2}.OK())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, `'plain'`, ShellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, ShellQuote("it's"))
}

func TestShellCommand(t *testing.T) {
	assert.Equal(t, `sh -c 'cd "$1" && bash "$2"' hostaudit '/home/o ps/w' '/home/o ps/w/it'\''s.sh'`,
		ShellCommand(`cd "$1" && bash "$2"`, "/home/o ps/w", "/home/o ps/w/it's.sh"))
	assert.Equal(t, `sh -c 'true' hostaudit`, ShellCommand("true"))
}

func TestFakeRulePrecedence(t *testing.T) {
	fake := NewFake().
		On("cat", Result{Stdout: "first"}).
		On("cat /tmp", Result{Stdout: "second"})
	fake.Default = Result{ExitCode: 127}

	res, err := fake.Run(context.Background(), "cat /tmp/x")
	require.NoError(t, err)
	assert.Equal(t, "second", res.Stdout)

	res, _ = fake.Run(context.Background(), "cat /etc/x")
	assert.Equal(t, "first", res.Stdout)

	res, _ = fake.Run(context.Background(), "ls")
	assert.Equal(t, 127, res.ExitCode)

	assert.Len(t, fake.CommandsContaining("cat"), 2)
}

func TestFakeDialer(t *testing.T) {
	d := NewFakeDialer()
	d.Fail("down", errors.New("connection refused"))

	_, err := d.Dial(context.Background(), models.Host{Name: "down"})
	require.Error(t, err)

	tr, err := d.Dial(context.Background(), models.Host{Name: "up"})
	require.NoError(t, err)
	assert.Same(t, d.Host("up"), tr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Dial(ctx, models.Host{Name: "up"})
	assert.ErrorIs(t, err, context.Canceled)
}
