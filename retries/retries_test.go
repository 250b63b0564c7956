package retries

import (
	"testing"
	"time"
)

func u32(v uint32) *uint32 { return &v }

func dur(d time.Duration) *time.Duration { return &d }

func TestInfinite(t *testing.T) {
	d := Infinite{}.Next(RetryInfo{RetryCount: 100000, LoopDuration: 24 * time.Hour})
	if !d.Retry || d.After != 0 {
		t.Errorf("got %+v, want immediate retry", d)
	}
}

func TestNone(t *testing.T) {
	if d := (None{}).Next(RetryInfo{RetryCount: 1}); d.Retry {
		t.Errorf("got %+v, want no retry", d)
	}
}

func TestFixedDelay_Bounds(t *testing.T) {
	p := FixedDelay{Interval: 2 * time.Second, MaxAttempts: u32(3)}

	d := p.Next(RetryInfo{RetryCount: 2})
	if !d.Retry || d.After != 2*time.Second {
		t.Errorf("attempt 2: got %+v", d)
	}
	if d := p.Next(RetryInfo{RetryCount: 3}); d.Retry {
		t.Errorf("attempt 3: got %+v, want exhausted", d)
	}

	p = FixedDelay{Interval: time.Second, MaxDuration: dur(10 * time.Second)}
	if d := p.Next(RetryInfo{RetryCount: 1, LoopDuration: 9 * time.Second}); !d.Retry {
		t.Errorf("within duration bound: got %+v", d)
	}
	if d := p.Next(RetryInfo{RetryCount: 1, LoopDuration: 10 * time.Second}); d.Retry {
		t.Errorf("at duration bound: got %+v, want exhausted", d)
	}
}

func TestExponential_Growth(t *testing.T) {
	p := Exponential{
		InitialInterval: 100 * time.Millisecond,
		Factor:          2,
		MaxInterval:     time.Second,
	}

	cases := []struct {
		retryCount uint32
		want       time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tc := range cases {
		d := p.Next(RetryInfo{RetryCount: tc.retryCount})
		if !d.Retry || d.After != tc.want {
			t.Errorf("retryCount=%d: got %+v, want retry after %v", tc.retryCount, d, tc.want)
		}
	}
}

func TestExponential_Exhaustion(t *testing.T) {
	p := Exponential{
		InitialInterval: 10 * time.Millisecond,
		Factor:          2,
		MaxInterval:     time.Second,
		MaxAttempts:     u32(5),
	}
	if d := p.Next(RetryInfo{RetryCount: 4}); !d.Retry {
		t.Errorf("attempt 4: got %+v", d)
	}
	if d := p.Next(RetryInfo{RetryCount: 5}); d.Retry {
		t.Errorf("attempt 5: got %+v, want exhausted", d)
	}
}
