package ringbuf

import (
	"slices"
	"testing"
)

func TestCursorWrapsModuloLength(t *testing.T) {
	for _, length := range []int{1, 3, 60} {
		c := NewCursor(length)
		for n := 1; n <= 3*length+1; n++ {
			c.Advance()
			if c.Pos() != n%length {
				t.Fatalf("length %d: after %d advances pos = %d, want %d", length, n, c.Pos(), n%length)
			}
		}
	}
}

func TestNonPositiveLength(t *testing.T) {
	r := New[int](0)
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	c := NewCursor(-4)
	c.Advance()
	if c.Pos() != 0 {
		t.Errorf("Pos() = %d, want 0", c.Pos())
	}
}

func TestAllOldestToNewest(t *testing.T) {
	tests := []struct {
		name   string
		writes int
		want   []int
	}{
		{"empty", 0, []int{0, 0, 0, 0}},
		{"partial", 2, []int{0, 0, 1, 2}},
		{"full", 4, []int{1, 2, 3, 4}},
		{"wrapped", 6, []int{3, 4, 5, 6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New[int](4)
			c := NewCursor(4)
			for i := 1; i <= tt.writes; i++ {
				r.Write(c, i)
				c.Advance()
			}
			got := slices.Collect(r.All(c))
			if !slices.Equal(got, tt.want) {
				t.Errorf("All() = %v, want %v", got, tt.want)
			}
			// restartable
			if again := r.Slice(c); !slices.Equal(again, got) {
				t.Errorf("second pass = %v, want %v", again, got)
			}
			if tt.writes > 0 && r.At(c) != tt.writes {
				t.Errorf("At() = %d, want %d", r.At(c), tt.writes)
			}
		})
	}
}

func TestAllStopsEarly(t *testing.T) {
	r := New[float64](5)
	c := NewCursor(5)
	seen := 0
	for range r.All(c) {
		seen++
		if seen == 2 {
			break
		}
	}
	if seen != 2 {
		t.Errorf("seen = %d, want 2", seen)
	}
}

func TestWriteDoesNotAdvance(t *testing.T) {
	r := New[int](3)
	c := NewCursor(3)
	r.Write(c, 7)
	r.Write(c, 8)
	if c.Pos() != 0 {
		t.Fatalf("cursor moved to %d", c.Pos())
	}
	if got := slices.Collect(r.All(c)); !slices.Equal(got, []int{8, 0, 0}) {
		t.Errorf("All() = %v", got)
	}
	r.Reset()
	if got := r.Slice(c); !slices.Equal(got, []int{0, 0, 0}) {
		t.Errorf("after Reset = %v", got)
	}
}
