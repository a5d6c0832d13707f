package session

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle_HappyPath(t *testing.T) {
	var l Lifecycle
	assert.Equal(t, StateDisconnected, l.State())

	require.NoError(t, l.Connect())
	require.NoError(t, l.Attach("T1"))
	assert.True(t, l.IsPrimary("T1"))

	require.NoError(t, l.Navigate())
	assert.Equal(t, StateNavigating, l.State())
	require.NoError(t, l.Attach("T1"))

	require.NoError(t, l.Reattach())
	assert.Equal(t, "T1", l.Target(), "old target stays primary while reattaching")
	require.NoError(t, l.Attach("T2"))
	assert.False(t, l.IsPrimary("T1"))
	assert.True(t, l.IsPrimary("T2"))

	assert.True(t, l.Close())
	assert.False(t, l.Close())
	assert.Equal(t, StateClosed, l.State())
	assert.Empty(t, l.Target())
}

func TestLifecycle_InvalidTransitions(t *testing.T) {
	var l Lifecycle

	err := l.Navigate()
	var transErr *InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, StateDisconnected, transErr.From)
	assert.Equal(t, StateNavigating, transErr.To)

	require.NoError(t, l.Connect())
	require.NoError(t, l.Fail())
	assert.Equal(t, StateDisconnected, l.State())

	l.Close()
	assert.ErrorIs(t, l.Connect(), ErrClosed)
	assert.False(t, l.IsPrimary(""))
}

func TestErrors(t *testing.T) {
	crash := &RendererCrashedError{Browser: "Chrome", TargetID: "T1", Status: "crashed", Code: 139}
	wrapped := fmt.Errorf("spec run: %w", crash)
	assert.ErrorIs(t, wrapped, ErrRendererCrashed)
	assert.Contains(t, crash.Error(), "Chrome renderer")
	assert.Equal(t, CodeRendererCrashed, crash.ErrorCode())

	notFound := &TargetNotFoundError{URL: "http://localhost:3000/__/", Timeout: 20 * time.Second}
	assert.Contains(t, notFound.Error(), "20s")

	exitErr := errors.New("exit status 1")
	exited := &ProcessExitedError{Browser: "Firefox", Err: exitErr}
	assert.ErrorIs(t, exited, exitErr)
	assert.Contains(t, (&ProcessExitedError{Browser: "Firefox"}).Error(), "Firefox")
}

func TestCookieFilter(t *testing.T) {
	c := Cookie{Name: "sid", Domain: ".example.com"}

	assert.True(t, CookieFilter{}.Match(c))
	assert.True(t, CookieFilter{Domain: "example.com"}.Match(c))
	assert.True(t, CookieFilter{Domain: "app.example.com"}.Match(c))
	assert.False(t, CookieFilter{Domain: "badexample.com"}.Match(c))
	assert.False(t, CookieFilter{Name: "other"}.Match(c))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reattaching", StateReattaching.String())
	assert.Equal(t, "unknown", State(99).String())
}
