package eta

import (
	"testing"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

func TestMinutesRoundsUp(t *testing.T) {
	if m := Minutes(59); m != 1 {
		t.Fatalf("Minutes(59)=%d", m)
	}
	if m := Minutes(60); m != 1 {
		t.Fatalf("Minutes(60)=%d", m)
	}
	if m := Minutes(61); m != 2 {
		t.Fatalf("Minutes(61)=%d", m)
	}
}

func TestEstimateSecondsScalesWithSpeed(t *testing.T) {
	from := models.Coord{Lat: 0, Lon: 0}
	to := models.Coord{Lat: 0, Lon: 0.01}
	slow := EstimateSeconds(from, to, 5)
	fast := EstimateSeconds(from, to, 10)
	if slow <= fast {
		t.Fatalf("slow=%v fast=%v", slow, fast)
	}
	if EstimateSeconds(from, from, 10) != 0 {
		t.Fatal("zero distance must estimate zero")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	a, b := models.Coord{Lat: 1, Lon: 1}, models.Coord{Lat: 2, Lon: 2}
	c.Set(a, b, 120)
	if v, ok := c.Get(a, b); !ok || v != 120 {
		t.Fatalf("v=%v ok=%v", v, ok)
	}
	time.Sleep(15 * time.Millisecond)
	if _, ok := c.Get(a, b); ok {
		t.Fatal("entry must expire")
	}
}
