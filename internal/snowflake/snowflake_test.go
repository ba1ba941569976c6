package snowflake

import (
	"sync"
	"testing"
	"time"

	"github.com/amityvox/amityvox/internal/apperror"
)

func TestNewGenerator_RejectsOutOfRangeWorker(t *testing.T) {
	tests := []struct {
		name    string
		worker  int
		wantErr bool
	}{
		{"negative", -1, true},
		{"zero", 0, false},
		{"max", maxWorker, false},
		{"over max", maxWorker + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.worker)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGenerator(%d) err = %v, wantErr %v", tt.worker, err, tt.wantErr)
			}
		})
	}
}

func TestGenerator_Monotonic(t *testing.T) {
	g, err := NewGenerator(1)
	if err != nil {
		t.Fatal(err)
	}

	var prev ID
	for i := 0; i < 10000; i++ {
		id, err := g.Next()
		if err != nil {
			t.Fatalf("Next() error: %v", err)
		}
		if id <= prev {
			t.Fatalf("id %d not greater than previous %d at iteration %d", id, prev, i)
		}
		prev = id
	}
}

func TestGenerator_ConcurrentUnique(t *testing.T) {
	g, err := NewGenerator(2)
	if err != nil {
		t.Fatal(err)
	}

	const goroutines = 20
	const perGoroutine = 500

	var mu sync.Mutex
	seen := make(map[ID]bool, goroutines*perGoroutine)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id, err := g.Next()
				if err != nil {
					t.Errorf("Next() error: %v", err)
					return
				}
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Errorf("got %d unique ids, want %d", len(seen), goroutines*perGoroutine)
	}
}

func TestGenerator_ClockRegression(t *testing.T) {
	g, err := NewGenerator(3)
	if err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	g.now = func() time.Time { return base }
	if _, err := g.Next(); err != nil {
		t.Fatalf("Next() unexpected error: %v", err)
	}

	g.now = func() time.Time { return base.Add(-time.Hour) }
	_, err = g.Next()
	if err == nil {
		t.Fatal("expected ClockRegression error, got nil")
	}
	if !apperror.Is(err, apperror.ClockRegression) {
		t.Errorf("expected ClockRegression kind, got %v", apperror.KindOf(err))
	}
}

func TestID_JSONRoundTrip(t *testing.T) {
	id := ID(123456789012345)
	data, err := id.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"123456789012345"` {
		t.Errorf("MarshalJSON = %s, want decimal string", data)
	}

	var got ID
	if err := got.UnmarshalJSON(data); err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Errorf("round trip = %d, want %d", got, id)
	}
}

func TestID_ZeroMarshalsEmptyString(t *testing.T) {
	var id ID
	data, err := id.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `""` {
		t.Errorf("MarshalJSON of zero ID = %s, want empty string", data)
	}
}

func TestID_Time(t *testing.T) {
	g, err := NewGenerator(5)
	if err != nil {
		t.Fatal(err)
	}
	before := time.Now()
	id, err := g.Next()
	if err != nil {
		t.Fatal(err)
	}
	after := time.Now()

	got := id.Time()
	if got.Before(before.Add(-time.Second)) || got.After(after.Add(time.Second)) {
		t.Errorf("Time() = %v, want between %v and %v", got, before, after)
	}
}
