package rpcenvelope

import "testing"

type launchArgs struct {
	ModelUID string `json:"model_uid"`
	NGPU     int    `json:"n_gpu"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := launchArgs{ModelUID: "abc-0", NGPU: 2}
	s, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	var out launchArgs
	if err := Decode(s, &out); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out != in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestDecodeNilStructFails(t *testing.T) {
	var out launchArgs
	if err := Decode(nil, &out); err == nil {
		t.Fatal("expected error decoding nil struct")
	}
}

func TestEmptyHasNoFields(t *testing.T) {
	s := Empty()
	if len(s.GetFields()) != 0 {
		t.Fatalf("expected no fields, got %v", s.GetFields())
	}
}
