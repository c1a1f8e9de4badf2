package util

import "testing"

func TestRingBufferPushAndSnapshot(t *testing.T) {
	r := NewRingBuffer[int](3)
	if got := r.Len(); got != 0 {
		t.Fatalf("expected empty buffer, got len %d", got)
	}

	r.Push(1)
	r.Push(2)
	got := r.Snapshot()
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("expected [1 2], got %v", got)
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[string](3)
	for _, s := range []string{"a", "b", "c", "d", "e"} {
		r.Push(s)
	}
	got := r.Snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 elements, got %d", len(got))
	}
	want := []string{"c", "d", "e"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestRingBufferDrain(t *testing.T) {
	r := NewRingBuffer[int](4)
	r.Push(10)
	r.Push(20)
	r.Push(30)

	got := r.Drain()
	if len(got) != 3 || got[0] != 10 || got[2] != 30 {
		t.Fatalf("expected [10 20 30], got %v", got)
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty buffer after drain, got len %d", r.Len())
	}

	// Buffer must be reusable after a drain.
	r.Push(40)
	if got := r.Snapshot(); len(got) != 1 || got[0] != 40 {
		t.Fatalf("expected [40] after reuse, got %v", got)
	}
}

func TestValidateRoomID(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  standup  ", "standup", false},
		{"team-42", "team-42", false},
		{"", "", true},
		{"a room", "", true},
		{"a/b", "", true},
		{"..", "", true},
		{"x?y", "", true},
	}
	for _, c := range cases {
		t.Run(c.in, func(t *testing.T) {
			got, err := ValidateRoomID(c.in)
			if c.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", c.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != c.want {
				t.Fatalf("expected %q, got %q", c.want, got)
			}
		})
	}
}
