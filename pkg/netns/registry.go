package netns

import (
	"fmt"
	"sync"

	"github.com/emunet-network/emunet/pkg/util"
)

// AddrOwner identifies where an address is assigned.
type AddrOwner struct {
	Device string
	Iface  string
}

// AddrRegistry is the process-wide map of every assigned IPv4 address.
// It enforces the invariant that an address is held by at most one
// (device, interface) across the whole server.
type AddrRegistry struct {
	mu     sync.Mutex
	owners map[string]AddrOwner
}

// NewAddrRegistry returns an empty registry.
func NewAddrRegistry() *AddrRegistry {
	return &AddrRegistry{owners: make(map[string]AddrOwner)}
}

// Register claims an address for (device, iface). Re-registering the same
// assignment is idempotent; a different owner fails with AddressConflict.
func (r *AddrRegistry) Register(addr, device, iface string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[addr]; ok {
		if owner.Device == device && owner.Iface == iface {
			return nil
		}
		return fmt.Errorf("address %s already assigned to %s:%s: %w",
			addr, owner.Device, owner.Iface, util.ErrAddressConflict)
	}
	r.owners[addr] = AddrOwner{Device: device, Iface: iface}
	return nil
}

// Release frees an address. Unknown addresses are ignored.
func (r *AddrRegistry) Release(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.owners, addr)
}

// ReleaseDevice frees every address owned by a device.
func (r *AddrRegistry) ReleaseDevice(device string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, owner := range r.owners {
		if owner.Device == device {
			delete(r.owners, addr)
		}
	}
}

// Owner looks up the holder of an address.
func (r *AddrRegistry) Owner(addr string) (AddrOwner, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[addr]
	return owner, ok
}

// Len returns the number of registered addresses.
func (r *AddrRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.owners)
}
