package fn

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryEachPassesAttemptNumber(t *testing.T) {
	var attempts []int
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}
	r := RetryEach(context.Background(), opts, func(_ context.Context, attempt int) Result[int] {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return Err[int](errors.New("again"))
		}
		return Ok(attempt)
	})
	if r.IsErr() {
		t.Fatal("expected success on third attempt")
	}
	if len(attempts) != 3 || attempts[0] != 0 || attempts[2] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
}

func TestRetryEachPermanentStopsEarly(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		Permanent:   func(err error) bool { return errors.Is(err, fatal) },
	}
	r := RetryEach(context.Background(), opts, func(context.Context, int) Result[int] {
		calls++
		return Err[int](fatal)
	})
	if r.IsOk() || calls != 1 {
		t.Fatalf("permanent error must stop the loop, calls=%d", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	opts := RetryOpts{MaxAttempts: 4, InitialWait: time.Millisecond}
	r := Retry(context.Background(), opts, func(context.Context) Result[string] {
		calls++
		return Err[string](errors.New("nope"))
	})
	if r.IsOk() || calls != 4 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestPipelineShortCircuits(t *testing.T) {
	called := false
	fail := Stage[int, int](func(context.Context, int) Result[int] { return Err[int](errors.New("fail")) })
	track := Stage[int, int](func(_ context.Context, v int) Result[int] {
		called = true
		return Ok(v)
	})
	p := Pipeline(fail, track)
	if r := p(context.Background(), 1); r.IsOk() {
		t.Fatal("pipeline should short-circuit on error")
	}
	if called {
		t.Fatal("second stage should not run after error")
	}
}

func TestThenComposes(t *testing.T) {
	double := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v * 2) })
	toStr := Stage[int, string](func(_ context.Context, v int) Result[string] { return Ok(fmt.Sprintf("%d", v)) })
	r := Then(double, toStr)(context.Background(), 21)
	if r.Must() != "42" {
		t.Fatalf("Then = %q", r.Must())
	}
}

func TestMostCommon(t *testing.T) {
	if got := MostCommon([]string{"a", "", "b", "a", ""}); got != "a" {
		t.Errorf("MostCommon = %q", got)
	}
	if got := MostCommon([]string{"", ""}); got != "" {
		t.Errorf("all-empty should return zero, got %q", got)
	}
	// Ties break on first occurrence.
	if got := MostCommon([]string{"x", "y"}); got != "x" {
		t.Errorf("tie break = %q", got)
	}
}

func TestCollect(t *testing.T) {
	r := Collect([]Result[int]{Ok(1), Ok(2)})
	vals, err := r.Unwrap()
	if err != nil || len(vals) != 2 {
		t.Fatalf("Collect ok = (%v, %v)", vals, err)
	}
	r = Collect([]Result[int]{Ok(1), Err[int](errors.New("boom"))})
	if r.IsOk() {
		t.Fatal("Collect should return the first error")
	}
}

func TestParMapPreservesOrder(t *testing.T) {
	out := ParMap([]int{1, 2, 3, 4}, 2, func(v int) int { return v * v })
	for i, want := range []int{1, 4, 9, 16} {
		if out[i] != want {
			t.Fatalf("ParMap order broken: %v", out)
		}
	}
}
