package progress

import "testing"

func TestPushStageMapsIntoOverallRange(t *testing.T) {
	s := NewStream()
	ch := s.Subscribe()

	s.PushStage(0, 0.5, "download")
	u := <-ch
	if u.Fraction != 0.4 {
		t.Fatalf("expected 0.4 (half of [0,0.8]), got %v", u.Fraction)
	}

	s.PushStage(1, 1.0, "load")
	u = <-ch
	if u.Fraction != 1.0 {
		t.Fatalf("expected 1.0 at end of load stage, got %v", u.Fraction)
	}
}

func TestPushOverallBypassesStaging(t *testing.T) {
	s := NewStream()
	ch := s.Subscribe()
	s.PushOverall(1.0, "Start to load model")
	u := <-ch
	if u.Fraction != 1.0 || u.Label != "Start to load model" {
		t.Fatalf("unexpected update: %+v", u)
	}
}
