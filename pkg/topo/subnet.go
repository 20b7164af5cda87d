package topo

import (
	"fmt"
	"sync"

	"github.com/emunet-network/emunet/pkg/util"
)

// SubnetAllocator hands out /24 subnets under 10.0.0.0/8, one per p2p link
// or switch group. Released subnets go to a free list and are reused before
// the high-water mark advances, so add+remove rewinds the pool.
type SubnetAllocator struct {
	mu   sync.Mutex
	next int
	free []int
}

// NewSubnetAllocator starts allocation at 10.0.1.0/24.
func NewSubnetAllocator() *SubnetAllocator {
	return &SubnetAllocator{next: 1}
}

// Allocate returns the next free subnet number.
func (a *SubnetAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.free); n > 0 {
		sub := a.free[n-1]
		a.free = a.free[:n-1]
		return sub, nil
	}
	if a.next > 255 {
		return 0, fmt.Errorf("topo: subnet pool exhausted past 10.0.255.0/24: %w", util.ErrResourceExhausted)
	}
	sub := a.next
	a.next++
	return sub, nil
}

// Release returns a subnet to the pool. Releasing the most recent
// allocation rewinds the high-water mark instead of growing the free list.
func (a *SubnetAllocator) Release(sub int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if sub == a.next-1 {
		a.next--
		return
	}
	if sub >= 1 && sub < a.next {
		a.free = append(a.free, sub)
	}
}

// CIDR renders a subnet number as its network in CIDR form.
func (a *SubnetAllocator) CIDR(sub int) string {
	return fmt.Sprintf("10.0.%d.0/24", sub)
}

// Addr renders host number h inside a subnet.
func (a *SubnetAllocator) Addr(sub, host int) string {
	return fmt.Sprintf("10.0.%d.%d", sub, host)
}
