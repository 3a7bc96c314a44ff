package core_test

import (
	"testing"

	"github.com/spines-itcore/spines/core"
)

func TestPoolGetRelease(t *testing.T) {
	p := core.NewPool()
	s := p.Get(100)
	if got := s.Len(); got != 100 {
		t.Fatalf("Len() = %d, want 100", got)
	}
	s.Release()
}

func TestScatterRefCounting(t *testing.T) {
	p := core.NewPool()
	s := p.Get(10)
	s.Ref() // second holder

	s.Release() // first holder releases; still one ref left
	elems := s.Elements()
	if len(elems) != 1 {
		t.Fatalf("expected scatter to still be alive after one of two releases")
	}

	s.Release() // last reference: buffers return to the pool
}

func TestPoolReusesFreedBuffers(t *testing.T) {
	p := core.NewPool()
	s1 := p.Get(50)
	addr := &s1.Elements()[0][:1][0]
	s1.Release()

	s2 := p.Get(50)
	defer s2.Release()
	if &s2.Elements()[0][:1][0] != addr {
		t.Skip("allocator reuse is a best-effort property, not a hard guarantee")
	}
}

func TestGetElementsNoCopy(t *testing.T) {
	p := core.NewPool()
	a := []byte("frag-a")
	b := []byte("frag-b")
	s := p.GetElements([][]byte{a, b})
	defer s.Release()

	if s.Len() != len(a)+len(b) {
		t.Fatalf("Len() = %d, want %d", s.Len(), len(a)+len(b))
	}
	if &s.Elements()[0][0] != &a[0] {
		t.Fatalf("GetElements should not copy the backing arrays")
	}
}
