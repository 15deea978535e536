package history

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/abdhe/chart-signal/pkg/signal"
)

func newRedisStore(t *testing.T, limit int) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, limit), mr
}

func TestMemoryStoreNewestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(3)

	for i := 0; i < 5; i++ {
		e := NewEntry("gemini", "gemini-2.0-flash", fmt.Sprintf("chart-%d.png", i), false,
			signal.Result{Signal: signal.Buy, Confidence: float64(i)})
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, want := range []string{"chart-4.png", "chart-3.png", "chart-2.png"} {
		if all[i].Source != want {
			t.Errorf("entry %d source = %q, want %q", i, all[i].Source, want)
		}
	}

	two, _ := s.List(ctx, 2)
	if len(two) != 2 || two[0].Source != "chart-4.png" {
		t.Fatalf("unexpected limited list %+v", two)
	}
}

func TestNewEntry(t *testing.T) {
	res := signal.Result{Signal: signal.Sell, Confidence: 61, Analysis: "breakdown"}
	a := NewEntry("openai", "gpt-4o", "upload", true, res)
	b := NewEntry("openai", "gpt-4o", "upload", true, res)

	if a.ID == "" || a.ID == b.ID {
		t.Fatalf("ids must be unique: %q, %q", a.ID, b.ID)
	}
	if a.CreatedAt.IsZero() || a.CreatedAt.Location().String() != "UTC" {
		t.Errorf("CreatedAt = %v, want a UTC timestamp", a.CreatedAt)
	}
	if !a.Cached || a.Result != res || a.Provider != "openai" {
		t.Errorf("unexpected entry %+v", a)
	}
}

func TestEmptyMemoryStore(t *testing.T) {
	got, err := NewMemoryStore(0).List(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("got %v, want an empty non-nil slice", got)
	}
}

func TestRedisStoreNewestFirstAndCapped(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, 3)

	for i := 0; i < 5; i++ {
		e := NewEntry("gemini", "gemini-2.0-flash", fmt.Sprintf("chart-%d.png", i), i%2 == 0,
			signal.Result{Signal: signal.Sell, Confidence: float64(50 + i), Analysis: "lower highs"})
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	stored, err := mr.List("chart_signal:history")
	if err != nil {
		t.Fatalf("read list: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("redis list holds %d entries, want 3", len(stored))
	}

	all, err := s.List(ctx, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	for i, want := range []string{"chart-4.png", "chart-3.png", "chart-2.png"} {
		if all[i].Source != want {
			t.Errorf("entry %d source = %q, want %q", i, all[i].Source, want)
		}
	}
	if got := all[0]; !got.Cached || got.Result.Confidence != 54 || got.Result.Analysis != "lower highs" || got.ID == "" {
		t.Errorf("entry did not survive the round trip: %+v", got)
	}

	one, err := s.List(ctx, 1)
	if err != nil {
		t.Fatalf("List(1): %v", err)
	}
	if len(one) != 1 || one[0].Source != "chart-4.png" {
		t.Fatalf("unexpected limited list %+v", one)
	}

	// Asking for more than the cap returns what is kept.
	many, err := s.List(ctx, 50)
	if err != nil {
		t.Fatalf("List(50): %v", err)
	}
	if len(many) != 3 {
		t.Fatalf("len = %d, want 3", len(many))
	}
}

func TestRedisStoreEmptyAndUnreachable(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t, 0)

	got, err := s.List(ctx, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("got %v, want an empty non-nil slice", got)
	}

	mr.Close()
	if err := s.Append(ctx, NewEntry("gemini", "m", "upload", false, signal.Result{Signal: signal.Neutral})); err == nil {
		t.Error("Append succeeded against a stopped server")
	}
	if _, err := s.List(ctx, 10); err == nil {
		t.Error("List succeeded against a stopped server")
	}
}
