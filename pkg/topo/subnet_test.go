package topo

import (
	"errors"
	"testing"

	"github.com/emunet-network/emunet/pkg/util"
)

func TestSubnetAllocatorSequencing(t *testing.T) {
	a := NewSubnetAllocator()
	for want := 1; want <= 5; want++ {
		got, err := a.Allocate()
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		if got != want {
			t.Errorf("Allocate = %d, want %d", got, want)
		}
	}
}

func TestSubnetAllocatorReleaseRewinds(t *testing.T) {
	a := NewSubnetAllocator()
	n, _ := a.Allocate()
	a.Release(n)
	if got, _ := a.Allocate(); got != n {
		t.Errorf("after release, Allocate = %d, want %d", got, n)
	}
}

func TestSubnetAllocatorFreeListReuse(t *testing.T) {
	a := NewSubnetAllocator()
	a.Allocate() // 1
	a.Allocate() // 2
	a.Allocate() // 3
	a.Release(2)

	if got, _ := a.Allocate(); got != 2 {
		t.Errorf("freed subnet should be reused first, got %d", got)
	}
	if got, _ := a.Allocate(); got != 4 {
		t.Errorf("high-water mark should continue at 4, got %d", got)
	}
}

func TestSubnetAllocatorExhaustion(t *testing.T) {
	a := NewSubnetAllocator()
	for i := 1; i <= 255; i++ {
		if _, err := a.Allocate(); err != nil {
			t.Fatalf("Allocate %d: %v", i, err)
		}
	}
	if _, err := a.Allocate(); !errors.Is(err, util.ErrResourceExhausted) {
		t.Errorf("wrap past 10.0.255.0/24 err = %v, want ResourceExhausted", err)
	}

	// releasing makes room again
	a.Release(100)
	if got, err := a.Allocate(); err != nil || got != 100 {
		t.Errorf("Allocate after release = %d, %v", got, err)
	}
}

func TestSubnetAddressRendering(t *testing.T) {
	a := NewSubnetAllocator()
	if got := a.CIDR(7); got != "10.0.7.0/24" {
		t.Errorf("CIDR = %q", got)
	}
	if got := a.Addr(7, 2); got != "10.0.7.2" {
		t.Errorf("Addr = %q", got)
	}
}
