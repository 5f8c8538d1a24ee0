package tinylsm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersionClock(t *testing.T) {
	var c versionClock
	require.Equal(t, uint64(0), c.Load())

	require.Equal(t, uint64(1), c.Advance(3))
	require.Equal(t, uint64(3), c.Load())

	c.Set(2) // lower values are ignored
	require.Equal(t, uint64(3), c.Load())
	c.Set(10)
	require.Equal(t, uint64(10), c.Load())
}

func TestSnapshotTrackerOldest(t *testing.T) {
	var c versionClock
	c.Set(100)
	tr := newSnapshotTracker(&c)

	require.Equal(t, uint64(100), tr.oldest(), "no readers: oldest is the current version")

	h50 := tr.acquire(50)
	h70 := tr.acquire(70)
	h50b := tr.acquire(50)
	require.Equal(t, 3, tr.count())
	require.Equal(t, uint64(50), tr.oldest())

	tr.release(h50)
	require.Equal(t, uint64(50), tr.oldest(), "a second handle at 50 remains")
	tr.release(h50b)
	require.Equal(t, uint64(70), tr.oldest())
	tr.release(h70)
	require.Equal(t, 0, tr.count())
	require.Equal(t, uint64(100), tr.oldest())
}

func TestSnapshotTrackerAcquireCurrent(t *testing.T) {
	var c versionClock
	tr := newSnapshotTracker(&c)

	c.Set(5)
	h := tr.acquireCurrent()
	require.Equal(t, uint64(5), h.version)

	c.Advance(10)
	require.Equal(t, uint64(5), tr.oldest())
	tr.release(h)
	require.Equal(t, uint64(15), tr.oldest())
}

func TestSnapshotTrackerConcurrent(t *testing.T) {
	var c versionClock
	tr := newSnapshotTracker(&c)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Advance(1)
				h := tr.acquireCurrent()
				if o := tr.oldest(); o > h.version {
					t.Errorf("oldest %d above a live horizon %d", o, h.version)
				}
				tr.release(h)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 0, tr.count())
}

func TestSnapshotPinsHorizon(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, testOptions(dir))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("k"), []byte("v1"))
	require.NoError(t, err)

	snap, err := s.Snapshot()
	require.NoError(t, err)
	require.Equal(t, s.CurrentVersion(), snap.Version())

	_, err = s.Put([]byte("k"), []byte("v2"))
	require.NoError(t, err)
	_, err = s.Put([]byte("new"), []byte("x"))
	require.NoError(t, err)

	val, found, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", string(val))

	_, found, err = snap.Get([]byte("new"))
	require.NoError(t, err)
	require.False(t, found)

	var keys []string
	require.NoError(t, snap.Scan(nil, nil, func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	require.Equal(t, []string{"k"}, keys)

	require.Equal(t, 1, s.Stats().ActiveSnapshots)
	snap.Release()
	snap.Release()
	require.Equal(t, 0, s.Stats().ActiveSnapshots)

	_, _, err = snap.Get([]byte("k"))
	require.ErrorIs(t, err, ErrSnapshotReleased)
	_, err = snap.NewIterator(ScanOptions{})
	require.ErrorIs(t, err, ErrSnapshotReleased)
}

func TestSnapshotSurvivesCompaction(t *testing.T) {
	dir := t.TempDir()
	opts := testOptions(dir)
	s, err := Open(dir, opts)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("k"), []byte("old"))
	require.NoError(t, err)
	_, err = s.Put([]byte("gone"), []byte("x"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	snap, err := s.Snapshot()
	require.NoError(t, err)
	defer snap.Release()

	_, err = s.Put([]byte("k"), []byte("new"))
	require.NoError(t, err)
	_, err = s.Delete([]byte("gone"))
	require.NoError(t, err)
	require.NoError(t, s.Flush())

	// Fill level 0 up to the fan-out and compact everything
	for i := 0; i < opts.CompactionFanout; i++ {
		_, err = s.Put([]byte("filler"), []byte{byte(i)})
		require.NoError(t, err)
		require.NoError(t, s.Flush())
	}
	require.NoError(t, s.Compact())
	require.Greater(t, s.Stats().Compactions, uint64(0))

	val, found, err := snap.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "old", string(val))

	val, found, err = snap.Get([]byte("gone"))
	require.NoError(t, err)
	require.True(t, found, "deleted key must stay visible to an older snapshot")
	require.Equal(t, "x", string(val))

	val, found, err = s.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "new", string(val))

	_, found, err = s.Get([]byte("gone"))
	require.NoError(t, err)
	require.False(t, found)
}
