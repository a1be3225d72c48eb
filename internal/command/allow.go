package command

import (
	"fmt"
	"net"
	"strings"

	"github.com/yl2chen/cidranger"
)

// AllowList restricts control transports to known peers. An empty list allows everyone.
type AllowList struct {
	ranger cidranger.Ranger
	size   int
}

// NewAllowList parses IP addresses and CIDR prefixes.
func NewAllowList(entries []string) (*AllowList, error) {
	a := &AllowList{ranger: cidranger.NewPCTrieRanger()}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid allowed peer %q", e)
			}
			if ip.To4() != nil {
				e += "/32"
			} else {
				e += "/128"
			}
		}
		_, ipNet, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed peer %q: %w", e, err)
		}
		if err := a.ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, err
		}
		a.size++
	}
	return a, nil
}

// Allows reports whether addr, in host:port or bare IP form, may issue commands.
func (a *AllowList) Allows(addr string) bool {
	if a == nil || a.size == 0 {
		return true
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(strings.Trim(host, "[]"))
	if ip == nil {
		return false
	}
	ok, err := a.ranger.Contains(ip)
	return err == nil && ok
}
