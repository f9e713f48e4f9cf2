package auth

import (
	"net"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// IPAllowList matches addresses against single IPs and CIDR blocks. An empty
// list allows everyone.
type IPAllowList struct {
	mu    sync.RWMutex
	cidrs []*net.IPNet
}

// NewIPAllowList builds a list from IP or CIDR entries
func NewIPAllowList(entries ...string) (*IPAllowList, error) {
	l := &IPAllowList{}
	for _, e := range entries {
		if err := l.Add(e); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Add adds an IP or a CIDR block
func (l *IPAllowList) Add(entry string) error {
	ipNet, err := parseEntry(entry)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cidrs = append(l.cidrs, ipNet)
	return nil
}

// Check reports whether ip is allowed
func (l *IPAllowList) Check(ip net.IP) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.cidrs) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, cidr := range l.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of entries
func (l *IPAllowList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.cidrs)
}

// Clear empties the list
func (l *IPAllowList) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cidrs = nil
}

func parseEntry(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid CIDR %q", entry)
		}
		return ipNet, nil
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, errors.Errorf("invalid IP %q", entry)
	}
	mask := net.CIDRMask(32, 32)
	if ip.To4() == nil {
		mask = net.CIDRMask(128, 128)
	} else {
		ip = ip.To4()
	}
	return &net.IPNet{IP: ip, Mask: mask}, nil
}

// hostIP extracts the IP of a host:port address
func hostIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	return net.ParseIP(host)
}
