//go:build unit

package settlement

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type appFunc func(l *Launcher) error

func (f appFunc) Run(l *Launcher) error { return f(l) }

func TestLauncherRunsEveryApp(t *testing.T) {
	t.Parallel()

	var ran atomic.Int32

	l := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("a", appFunc(func(*Launcher) error { ran.Add(1); return nil })),
		RunApp("b", appFunc(func(*Launcher) error { ran.Add(1); return nil })),
	)

	require.NoError(t, l.RunWithError())
	assert.Equal(t, int32(2), ran.Load())
}

func TestLauncherJoinsAppErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	l := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("failing", appFunc(func(*Launcher) error { return boom })),
	)

	err := l.RunWithError()
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `app "failing"`)
}

func TestLauncherRequiresLogger(t *testing.T) {
	t.Parallel()

	err := NewLauncher().RunWithError()
	assert.ErrorIs(t, err, ErrLoggerNil)
}

func TestLauncherSurfacesRegistrationErrors(t *testing.T) {
	t.Parallel()

	l := NewLauncher(WithLogger(log.NewNop()), RunApp(" ", appFunc(func(*Launcher) error { return nil })), RunApp("nil", nil))

	err := l.RunWithError()
	require.ErrorIs(t, err, ErrConfigFailed)
	assert.ErrorIs(t, err, ErrEmptyApp)
	assert.ErrorIs(t, err, ErrNilApp)
}

func TestLauncherSurvivesPanickingApp(t *testing.T) {
	t.Parallel()

	l := NewLauncher(
		WithLogger(log.NewNop()),
		RunApp("panics", appFunc(func(*Launcher) error { panic("kaboom") })),
	)

	assert.NoError(t, l.RunWithError())
}

func TestNilLauncher(t *testing.T) {
	t.Parallel()

	var l *Launcher
	assert.ErrorIs(t, l.Add("x", appFunc(nil)), ErrNilLauncher)
	assert.ErrorIs(t, l.RunWithError(), ErrNilLauncher)
}
