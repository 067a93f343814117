package clock

import (
	"context"
	"testing"
	"time"
)

func TestGeneratorIDsStrictlyIncreaseWithFrozenClock(t *testing.T) {
	at := time.Unix(1700000000, 0)
	g := NewGeneratorAt(func() time.Time { return at })
	prev := g.New(KindClient)
	for i := 0; i < 100; i++ {
		id := g.New(KindClient)
		if id <= prev {
			t.Fatalf("id %d not greater than %d", id, prev)
		}
		if id%4 != 0 {
			t.Fatalf("client id %d not divisible by 4", id)
		}
		prev = id
	}
}

func TestGeneratorKindBits(t *testing.T) {
	g := NewGenerator()
	if KindOf(g.New(KindServerResponse)) != KindServerResponse {
		t.Fatalf("response kind bits lost")
	}
	if KindOf(g.New(KindServerPush)) != KindServerPush {
		t.Fatalf("push kind bits lost")
	}
	if KindOf(g.New(KindClient)) != KindClient {
		t.Fatalf("client kind bits lost")
	}
}

func TestGeneratorNeverGoesBackwardsAfterOffsetChange(t *testing.T) {
	at := time.Unix(1700000000, 0)
	g := NewGeneratorAt(func() time.Time { return at })
	first := g.New(KindClient)
	g.SetOffset(-time.Minute)
	second := g.New(KindClient)
	if second <= first {
		t.Fatalf("id went backwards: %d <= %d", second, first)
	}
}

func TestTimeOfRoundTrip(t *testing.T) {
	at := time.Unix(1700000000, 250*int64(time.Millisecond))
	id := FromTime(at)
	got := TimeOf(id)
	if d := got.Sub(at); d < -time.Microsecond || d > time.Microsecond {
		t.Fatalf("TimeOf drift %v (got %v want %v)", d, got, at)
	}
}

func TestSyncServerTime(t *testing.T) {
	at := time.Unix(1700000000, 0)
	g := NewGeneratorAt(func() time.Time { return at })
	offset := g.SyncServerTime(at.Add(90 * time.Second))
	if offset != 90*time.Second {
		t.Fatalf("offset got=%v", offset)
	}
	if !g.Now().Equal(at.Add(90 * time.Second)) {
		t.Fatalf("corrected now got=%v", g.Now())
	}
	if TimeOf(g.New(KindClient)).Before(at.Add(89 * time.Second)) {
		t.Fatalf("new ids should carry corrected time")
	}
}

func TestSyncNTPRequiresHost(t *testing.T) {
	g := NewGenerator()
	if _, err := g.SyncNTP(context.Background(), " "); err == nil {
		t.Fatalf("expected error for empty host")
	}
	if g.Offset() != 0 {
		t.Fatalf("offset changed on failure")
	}
}
