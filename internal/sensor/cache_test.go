package sensor

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/roast.report/internal/units"
)

func TestCache_GetUnknownAndReserved(t *testing.T) {
	c := NewCache()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Reserve("probe")
	_, ok = c.Get("probe")
	assert.False(t, ok, "reserved slot has no entry until the first success")
}

func TestCache_StoreCopiesData(t *testing.T) {
	c := NewCache()
	data := temp(20)

	require.True(t, c.Store("probe", data, t0))
	data[units.Temperature] = 99

	got, ok := c.Get("probe")
	require.True(t, ok)
	assert.Equal(t, 20.0, got.Data[units.Temperature])

	got.Data[units.Temperature] = 50
	again, _ := c.Get("probe")
	assert.Equal(t, 20.0, again.Data[units.Temperature])
}

func TestCache_EmptyReadingNeverRegresses(t *testing.T) {
	c := NewCache()
	require.True(t, c.Store("probe", temp(20), t0))

	assert.False(t, c.Store("probe", Reading{}, t0.Add(1)))
	assert.False(t, c.Store("probe", nil, t0.Add(2)))

	got, ok := c.Get("probe")
	require.True(t, ok)
	assert.Equal(t, CacheEntry{Data: temp(20), CapturedAt: t0, Success: true}, got)
}

func TestCache_Snapshot(t *testing.T) {
	c := NewCache()
	c.Reserve("empty")
	c.Store("a", temp(1), t0)
	c.Store("b", Reading{units.VOC: 150}, t0)

	snap := c.Snapshot()
	assert.Len(t, snap, 2)
	assert.Contains(t, snap, "a")
	assert.Contains(t, snap, "b")
}

func TestCache_ConcurrentReadersSeeWholeEntries(t *testing.T) {
	c := NewCache()
	c.Store("probe", Reading{units.Temperature: 0, units.Humidity: 0}, t0)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			v := float64(i)
			c.Store("probe", Reading{units.Temperature: v, units.Humidity: v}, t0)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				e, ok := c.Get("probe")
				if !ok {
					t.Error("entry disappeared")
					return
				}
				if e.Data[units.Temperature] != e.Data[units.Humidity] {
					t.Errorf("torn entry: %v", e.Data)
					return
				}
			}
		}()
	}
	wg.Wait()
}
