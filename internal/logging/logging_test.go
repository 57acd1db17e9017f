package logging

import "testing"

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		l, err := New(env)
		if err != nil {
			t.Fatalf("New(%q) error: %v", env, err)
		}
		if l == nil {
			t.Fatalf("New(%q) returned nil logger", env)
		}
	}
}

func TestOrNop(t *testing.T) {
	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) must return a usable logger")
	}
}
