package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	// WHAT: Standard 5-field specs parse; junk does not.
	// WHY: serve -cron must fail fast on a typo.
	if err := Validate("0 6 * * 1-5"); err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	for _, bad := range []string{"", "every day", "0 25 * * *"} {
		if err := Validate(bad); err == nil {
			t.Errorf("%q accepted", bad)
		}
	}
}

func TestNew_BadTimezone(t *testing.T) {
	// WHAT: Unknown timezones are rejected.
	// WHY: A wrong zone would silently shift every run.
	if _, err := New(context.Background(), "Mars/Olympus", nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_SkipsWhileActive(t *testing.T) {
	// WHAT: A tick that fires during an active run is skipped.
	// WHY: Two runs must never share an artifact root.
	s, err := New(context.Background(), "UTC", nil)
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	entered := make(chan struct{})
	job := func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.run("fetch", job)
	}()
	<-entered

	if s.run("fetch", func(context.Context) error { return nil }) {
		t.Fatal("second run not skipped")
	}
	if s.Skipped() != 1 {
		t.Fatalf("skipped = %d", s.Skipped())
	}
	close(release)
	wg.Wait()

	if !s.run("fetch", func(context.Context) error { return errors.New("boom") }) {
		t.Fatal("run after release skipped")
	}
}

func TestAdd_NextAndStop(t *testing.T) {
	// WHAT: A registered job has a next activation right after Start.
	// WHY: The HTTP API reports the next scheduled run.
	s, _ := New(context.Background(), "UTC", nil)
	if err := s.Add("fetch", "0 6 * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("fetch", "bad", nil); err == nil {
		t.Fatal("bad spec accepted")
	}
	s.Start()
	defer s.Stop()

	next := s.Next()
	if next.IsZero() {
		t.Fatal("no next activation")
	}
	if h := next.In(s.location).Hour(); h != 6 {
		t.Fatalf("next hour = %d, want 6", h)
	}
}

func TestNext_BeforeStartInTimezone(t *testing.T) {
	// WHAT: Next is computed from the spec in the scheduler's timezone,
	// without waiting for the cron goroutine.
	s, err := New(context.Background(), "Europe/Paris", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatal("next activation without jobs")
	}
	s.now = func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC) } // 13:00 Paris
	if err := s.Add("fetch", "0 6 * * 1-5", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("fetch", "30 14 * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2024, 1, 15, 14, 30, 0, 0, s.location)
	if got := s.Next(); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
}
