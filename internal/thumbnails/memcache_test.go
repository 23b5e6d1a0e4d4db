package thumbnails

import (
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
)

func TestMemCacheFIFOEviction(t *testing.T) {
	c := newMemCache(3)
	imgs := map[string]image.Image{}
	for _, k := range []string{"a", "b", "c"} {
		imgs[k] = imaging.New(1, 1, color.Black)
		c.put(k, imgs[k])
	}

	// Reads do not refresh insertion order.
	if _, ok := c.get("a"); !ok {
		t.Fatal("a missing before eviction")
	}
	c.put("d", imaging.New(1, 1, color.White))

	if _, ok := c.get("a"); ok {
		t.Error("oldest entry a should be evicted")
	}
	for _, k := range []string{"b", "c", "d"} {
		if _, ok := c.get(k); !ok {
			t.Errorf("%s should still be cached", k)
		}
	}
	if c.len() != 3 {
		t.Errorf("len = %d, want 3", c.len())
	}
}

func TestMemCachePutIsIdempotent(t *testing.T) {
	c := newMemCache(2)
	first := imaging.New(1, 1, color.Black)
	if !c.put("k", first) {
		t.Fatal("first insert should succeed")
	}
	if c.put("k", imaging.New(2, 2, color.White)) {
		t.Error("duplicate insert should be a no-op")
	}
	got, _ := c.get("k")
	if got != first {
		t.Error("duplicate insert replaced the cached image")
	}
	if c.len() != 1 {
		t.Errorf("len = %d, want 1", c.len())
	}
}
