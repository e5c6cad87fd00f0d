package iox

import (
	"errors"
	"testing"
)

type spyCloser struct{ closed bool }

func (s *spyCloser) Close() error { s.closed = true; return errors.New("ignored") }

func TestDiscardClose(t *testing.T) {
	s := &spyCloser{}
	DiscardClose(s)
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestCloseFunc(t *testing.T) {
	s := &spyCloser{}
	fn := CloseFunc(s)
	if s.closed {
		t.Fatal("Close called before invoking returned func")
	}
	fn()
	if !s.closed {
		t.Fatal("Close was not called")
	}
}

func TestDiscardErr(t *testing.T) {
	called := false
	DiscardErr(func() error {
		called = true
		return errors.New("ignored")
	})
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestTailBuffer(t *testing.T) {
	tests := []struct {
		name          string
		limit         int
		writes        []string
		want          string
		wantTruncated bool
	}{
		{"under limit", 10, []string{"abc", "def"}, "abcdef", false},
		{"exact limit", 6, []string{"abc", "def"}, "abcdef", false},
		{"drops oldest", 5, []string{"abc", "def"}, "bcdef", true},
		{"single large write", 4, []string{"abcdefgh"}, "efgh", true},
		{"large write after data", 4, []string{"xy", "abcd"}, "abcd", true},
		{"zero limit keeps nothing", 0, []string{"abc"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewTailBuffer(tt.limit)
			for _, w := range tt.writes {
				n, err := b.Write([]byte(w))
				if err != nil || n != len(w) {
					t.Fatalf("Write(%q) = %d, %v", w, n, err)
				}
			}
			if got := b.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
			if got := b.Truncated(); got != tt.wantTruncated {
				t.Errorf("Truncated() = %v, want %v", got, tt.wantTruncated)
			}
		})
	}
}

func TestTailBuffer_BytesIsCopy(t *testing.T) {
	b := NewTailBuffer(8)
	_, _ = b.Write([]byte("abc"))
	out := b.Bytes()
	out[0] = 'z'
	if b.String() != "abc" {
		t.Errorf("buffer mutated through Bytes(): %q", b.String())
	}
}
