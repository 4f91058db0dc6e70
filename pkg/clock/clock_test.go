package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNow struct {
	at time.Time
}

func (f *fakeNow) now() time.Time {
	return f.at
}

func TestClock(t *testing.T) {
	t.Run("strictly increasing within a second", func(t *testing.T) {
		fake := &fakeNow{at: time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)}
		c, err := New("gritzko", WithNow(fake.now))
		require.NoError(t, err)

		first := c.Issue()
		require.Len(t, first, 5+len("+gritzko"))

		prev := first
		for i := 0; i < 100; i++ {
			next := c.Issue()
			require.Greater(t, next, prev)
			require.Len(t, next, 7+len("+gritzko"), "sequence extends the token")
			prev = next
		}

		fake.at = fake.at.Add(time.Second)
		next := c.Issue()
		require.Greater(t, next, prev)
		require.Len(t, next, 5+len("+gritzko"), "sequence resets on a new second")
	})

	t.Run("sequence overflow borrows the next second", func(t *testing.T) {
		fake := &fakeNow{at: time.Date(2014, 1, 1, 0, 0, 0, 0, time.UTC)}
		c, err := New("gritzko", WithNow(fake.now))
		require.NoError(t, err)

		prev := c.Issue()
		for i := 0; i < 5000; i++ {
			next := c.Issue()
			require.Greater(t, next, prev)
			prev = next
		}

		sec, _, _, err := Parse(prev)
		require.NoError(t, err)
		base, _, _, err := Parse(c.Issue())
		require.NoError(t, err)
		require.Equal(t, sec, base)
		require.True(t, fake.at.Add(time.Second).Equal(Epoch.Add(time.Duration(sec)*time.Second)))
	})

	t.Run("wall clock going backwards", func(t *testing.T) {
		fake := &fakeNow{at: time.Date(2014, 1, 1, 0, 0, 10, 0, time.UTC)}
		c, err := New("gritzko", WithNow(fake.now))
		require.NoError(t, err)

		prev := c.Issue()
		fake.at = fake.at.Add(-5 * time.Second)
		require.Greater(t, c.Issue(), prev)
	})

	t.Run("offsets order correctly", func(t *testing.T) {
		ahead, err := New("ahead", WithOffset(10*time.Second))
		require.NoError(t, err)
		behind, err := New("behind", WithOffset(-10*time.Second))
		require.NoError(t, err)

		require.Greater(t, ahead.Issue(), behind.Issue())
	})

	t.Run("time round trip", func(t *testing.T) {
		c, err := New("gritzko")
		require.NoError(t, err)

		at, err := Time(c.Issue())
		require.NoError(t, err)
		require.WithinDuration(t, time.Now(), at, 2*time.Second)
	})

	t.Run("sync to a remote clock", func(t *testing.T) {
		remote, err := New("remote", WithOffset(time.Hour))
		require.NoError(t, err)
		local, err := New("local")
		require.NoError(t, err)

		require.NoError(t, local.SyncTo(remote.Issue()))
		require.InDelta(t, time.Hour.Seconds(), local.Offset().Seconds(), 2)

		rs, _, _, err := Parse(remote.Issue())
		require.NoError(t, err)
		ls, _, _, err := Parse(local.Issue())
		require.NoError(t, err)
		require.InDelta(t, float64(rs), float64(ls), 2)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := New("")
		require.ErrorIs(t, err, ErrInvalidCfg)
		_, err = New("bad source")
		require.ErrorIs(t, err, ErrInvalidCfg)
		_, err = New("x", WithNow(nil))
		require.ErrorIs(t, err, ErrInvalidCfg)

		_, err = Time("abc+x")
		require.Error(t, err)
	})
}
