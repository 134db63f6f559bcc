package headless

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeLauncher hands out cancellable contexts in place of Chrome processes.
type fakeLauncher struct {
	launches int
	fail     error
	cancels  []context.CancelFunc
}

func (f *fakeLauncher) launch(parent context.Context) (context.Context, context.CancelFunc, error) {
	f.launches++
	if f.fail != nil {
		return nil, nil, f.fail
	}
	ctx, cancel := context.WithCancel(parent)
	f.cancels = append(f.cancels, cancel)
	return ctx, cancel, nil
}

func newTestBrowser(t *testing.T) (*Browser, *fakeLauncher) {
	t.Helper()
	b, err := New(Config{Headless: true})
	require.NoError(t, err)
	fake := &fakeLauncher{}
	b.launch = fake.launch
	return b, fake
}

func TestBrowserReusesLiveProcess(t *testing.T) {
	t.Parallel()

	b, fake := newTestBrowser(t)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	first, err := b.browser()
	require.NoError(t, err)
	second, err := b.browser()
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, fake.launches)
}

func TestBrowserRelaunchesAfterProcessExit(t *testing.T) {
	t.Parallel()

	b, fake := newTestBrowser(t)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	first, err := b.browser()
	require.NoError(t, err)
	fake.cancels[0]() // the process went away

	second, err := b.browser()
	require.NoError(t, err)
	require.NoError(t, second.Err())
	require.Error(t, first.Err())
	require.Equal(t, 2, fake.launches)
}

func TestBrowserRetriesFailedLaunch(t *testing.T) {
	t.Parallel()

	b, fake := newTestBrowser(t)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	fake.fail = errors.New("exec: chrome not found")
	_, err := b.browser()
	require.ErrorContains(t, err, "chrome not found")

	fake.fail = nil
	ctx, err := b.browser()
	require.NoError(t, err)
	require.NoError(t, ctx.Err())
	require.Equal(t, 2, fake.launches)
}

func TestBrowserClosedRefusesPages(t *testing.T) {
	t.Parallel()

	b, fake := newTestBrowser(t)
	_, err := b.browser()
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, err = b.NewPage(context.Background())
	require.ErrorIs(t, err, errClosed)
	require.Equal(t, 1, fake.launches)
}
