package bitfield

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryMarkDownloadingIsExclusive(t *testing.T) {
	bf := New(4)
	require.True(t, bf.TryMarkDownloading(0))
	require.False(t, bf.TryMarkDownloading(0), "a second claim on the same slot must lose")
	require.Equal(t, Downloading, bf.Get(0))
}

func TestRevertOnlyAffectsDownloading(t *testing.T) {
	bf := New(2)
	bf.TryMarkDownloading(0)
	bf.Revert(0)
	require.Equal(t, NotDownloaded, bf.Get(0))

	bf.TryMarkDownloading(1)
	bf.MarkDownloaded(1)
	bf.Revert(1) // must be a no-op: Downloaded is terminal
	require.Equal(t, Downloaded, bf.Get(1))
}

func TestAllDownloadedAndCount(t *testing.T) {
	bf := New(3)
	require.False(t, bf.AllDownloaded())
	for i := 0; i < 3; i++ {
		bf.TryMarkDownloading(i)
		bf.MarkDownloaded(i)
	}
	require.True(t, bf.AllDownloaded())
	require.Equal(t, 3, bf.CountDownloaded())
}

func TestSelectBatchRespectsMaxAndOwnership(t *testing.T) {
	bf := New(10)
	have := func(i int) bool { return i%2 == 0 }
	picked := bf.SelectBatch(3, have)
	require.Len(t, picked, 3)
	for _, i := range picked {
		require.Zero(t, i%2)
		require.Equal(t, Downloading, bf.Get(i))
	}
}

func TestSelectBatchConcurrentWorkersNeverDoubleClaim(t *testing.T) {
	bf := New(100)
	have := func(int) bool { return true }

	seen := make(map[int]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				picked := bf.SelectBatch(10, have)
				if len(picked) == 0 {
					return
				}
				mu.Lock()
				for _, i := range picked {
					require.False(t, seen[i], "piece %d claimed twice", i)
					seen[i] = true
				}
				mu.Unlock()
				for _, i := range picked {
					bf.MarkDownloaded(i)
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 100, len(seen))
}

func TestPack(t *testing.T) {
	bf := New(10)
	bf.TryMarkDownloading(0)
	bf.MarkDownloaded(0)
	bf.TryMarkDownloading(9)
	bf.MarkDownloaded(9)

	packed := bf.Pack()
	require.Len(t, packed, 2)
	require.Equal(t, byte(0x80), packed[0])
	require.Equal(t, byte(1<<6), packed[1])
}

func TestRemoteSet(t *testing.T) {
	rs := NewRemoteSet([]byte{0x80})
	require.True(t, rs.Has(0))
	require.False(t, rs.Has(1))

	rs.Set(15)
	require.True(t, rs.Has(15))
	require.False(t, rs.Has(1000), "out of range reads must not panic")
}
