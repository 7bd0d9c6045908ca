package protocol

import (
	"errors"
	"testing"
)

func TestNormalizeStripsDeleteFields(t *testing.T) {
	c := FileChange{Path: "a.txt", Op: OpDelete, Hash: "abc", Size: 3, Mtime: 10}.Normalize()
	if c.Hash != "" || c.Size != 0 {
		t.Fatalf("delete kept hash/size: %+v", c)
	}
	if c.Mtime != 10 {
		t.Errorf("mtime should be kept, got %d", c.Mtime)
	}

	u := FileChange{Path: "a.txt", Op: OpUpdate, Hash: "abc", Size: 3}.Normalize()
	if u.Hash != "abc" || u.Size != 3 {
		t.Fatalf("update lost fields: %+v", u)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		c    FileChange
		want error
	}{
		{"ok", FileChange{Path: "a", Op: OpCreate}, nil},
		{"no path", FileChange{Op: OpCreate}, ErrMissingPath},
		{"no op", FileChange{Path: "a"}, ErrMissingOp},
		{"bad op", FileChange{Path: "a", Op: "rename"}, ErrUnknownOp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.c.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStepPercent(t *testing.T) {
	want := map[int]int{0: 0, 1: 10, 2: 20, 3: 50, 4: 75, 5: 95, 6: 100, 7: 0}
	for step, pct := range want {
		if got := StepPercent(step); got != pct {
			t.Errorf("StepPercent(%d) = %d, want %d", step, got, pct)
		}
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := DecodeEnvelope([]byte(`{"type":"ack","id":"1","success":true}`))
	if err != nil {
		t.Fatal(err)
	}
	if env.Type != TypeAck {
		t.Fatalf("type = %q", env.Type)
	}
	var ack Ack
	if err := env.Decode(&ack); err != nil {
		t.Fatal(err)
	}
	if !ack.Success || ack.ID != "1" {
		t.Errorf("ack = %+v", ack)
	}

	if _, err := DecodeEnvelope([]byte("not json")); err == nil {
		t.Error("expected error for invalid json")
	}
}
