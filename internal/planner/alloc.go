package planner

import "net/netip"

// subnetAllocator hands out /31 subnets sequentially from a parent network,
// grounded on uno/registry/deployment.py's P2pLinkAllocationMap._allocate_ip.
type subnetAllocator struct {
	parent netip.Prefix
	cursor netip.Addr
	done   bool
}

func newSubnetAllocator(parent netip.Prefix) *subnetAllocator {
	return &subnetAllocator{parent: parent.Masked(), cursor: parent.Masked().Addr()}
}

// next returns the next /31 subnet, or ErrBackboneSubnetExhausted once the
// parent is exhausted.
func (a *subnetAllocator) next() (netip.Prefix, error) {
	if a.done {
		return netip.Prefix{}, &ErrBackboneSubnetExhausted{Parent: a.parent}
	}
	base := a.cursor
	link := netip.PrefixFrom(base, 31)
	if !a.parent.Contains(base) || !a.parent.Contains(base.Next()) {
		a.done = true
		return netip.Prefix{}, &ErrBackboneSubnetExhausted{Parent: a.parent}
	}
	next2 := base.Next().Next()
	if !a.parent.Contains(next2) {
		a.done = true
	} else {
		a.cursor = next2
	}
	return link, nil
}
