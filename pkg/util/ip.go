package util

import (
	"fmt"
	"net"
	"regexp"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,14}$`)

// ValidateDeviceName checks that a name is usable as a namespace and
// interface-prefix: alphanumeric plus - and _, 15 chars max (IFNAMSIZ-1
// keeps derived veth names legal).
func ValidateDeviceName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("device name %q: %w", name, ErrInvalidArgument)
	}
	return nil
}

// IsValidIPv4 checks that a string is a plain IPv4 address.
func IsValidIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// SameSubnet reports whether ip falls inside the subnet of addr/prefix.
func SameSubnet(ip, addr string, prefix int) bool {
	a := net.ParseIP(ip)
	b := net.ParseIP(addr)
	if a == nil || b == nil {
		return false
	}
	mask := net.CIDRMask(prefix, 32)
	return a.Mask(mask).Equal(b.Mask(mask))
}

// CIDR formats an address and prefix length as CIDR notation.
func CIDR(addr string, prefix int) string {
	return fmt.Sprintf("%s/%d", addr, prefix)
}

// ParseCIDR splits CIDR notation into address and prefix length.
func ParseCIDR(cidr string) (string, int, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", 0, fmt.Errorf("parse %q: %w", cidr, ErrInvalidArgument)
	}
	ones, _ := ipnet.Mask.Size()
	return ip.String(), ones, nil
}
