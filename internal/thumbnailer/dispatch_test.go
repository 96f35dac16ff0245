package thumbnailer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcher(t *testing.T) {
	newDispatcher := func() (*Dispatcher, fakeFiles) {
		files := fakeFiles{}
		return NewDispatcher(NewLoop(1), files, discardLogger()), files
	}

	t.Run("ready", func(t *testing.T) {
		d, files := newDispatcher()
		a := newFakeFile("file:///a.jpg", "image/jpeg")
		b := newFakeFile("file:///b.jpg", "image/jpeg")
		files.add(a, b)

		d.apply(readyUpdate{uris: []string{a.uri, b.uri, "file:///missing.jpg"}})

		require.Equal(t, ThumbStateReady, a.ThumbState())
		require.Equal(t, ThumbStateReady, b.ThumbState())
	})

	t.Run("error", func(t *testing.T) {
		d, files := newDispatcher()
		loading := newFakeFile("file:///a.jpg", "image/jpeg")
		loading.SetThumbState(ThumbStateLoading)
		ready := newFakeFile("file:///b.jpg", "image/jpeg")
		ready.SetThumbState(ThumbStateReady)
		files.add(loading, ready)

		d.apply(errorUpdate{uris: []string{loading.uri, ready.uri}, code: 1, message: "unsupported"})

		require.Equal(t, ThumbStateNone, loading.ThumbState())
		require.Equal(t, ThumbStateReady, ready.ThumbState())
	})

	t.Run("schedule", func(t *testing.T) {
		r := require.New(t)
		d, files := newDispatcher()
		a := newFakeFile("file:///a.jpg", "image/jpeg")
		files.add(a)

		r.True(d.schedule(readyUpdate{uris: []string{a.uri}}))
		r.Equal(ThumbStateUnknown, a.ThumbState())

		d.loop.flush()
		r.Equal(ThumbStateReady, a.ThumbState())

		d.loop.Close()
		r.False(d.schedule(errorUpdate{uris: []string{a.uri}}))
	})
}
