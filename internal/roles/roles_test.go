package roles

import (
	"encoding/json"
	"testing"
)

func TestOrdering(t *testing.T) {
	ordered := []Role{Employee, Supervisor, Manager, Admin}
	for i := 1; i < len(ordered); i++ {
		if !(ordered[i] > ordered[i-1]) {
			t.Fatalf("expected %s > %s", ordered[i], ordered[i-1])
		}
	}
}

func TestAtLeast(t *testing.T) {
	cases := []struct {
		r, min Role
		want   bool
	}{
		{Admin, Employee, true},
		{Admin, Admin, true},
		{Manager, Supervisor, true},
		{Supervisor, Manager, false},
		{Employee, Supervisor, false},
		{Employee, Employee, true},
	}
	for _, c := range cases {
		if got := c.r.AtLeast(c.min); got != c.want {
			t.Fatalf("%s.AtLeast(%s) = %v, want %v", c.r, c.min, got, c.want)
		}
	}
}

func TestParse(t *testing.T) {
	for _, name := range []string{"employee", "supervisor", "manager", "admin"} {
		r, err := Parse(name)
		if err != nil {
			t.Fatalf("Parse(%q): %v", name, err)
		}
		if r.String() != name {
			t.Fatalf("Parse(%q).String() = %q", name, r.String())
		}
	}

	if r, err := Parse(""); err != nil || r != Employee {
		t.Fatalf("Parse(\"\") = %v, %v; want Employee, nil", r, err)
	}

	if _, err := Parse("superuser"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	type carrier struct {
		Role Role `json:"role"`
	}

	data, err := json.Marshal(carrier{Role: Manager})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"role":"manager"}` {
		t.Fatalf("unexpected JSON %s", data)
	}

	var got carrier
	if err := json.Unmarshal([]byte(`{"role":"admin"}`), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Role != Admin {
		t.Fatalf("expected Admin, got %s", got.Role)
	}

	if err := json.Unmarshal([]byte(`{"role":"root"}`), &got); err == nil {
		t.Fatal("expected error for unknown role name")
	}
}
