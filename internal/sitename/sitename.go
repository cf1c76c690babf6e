// Package sitename implements MX-rollup canonicalization: two domains
// that resolve to the same MX hostname set get the same site name, so
// the ready-queue tier groups their deliveries together. It is built on
// miekg/dns's MX record type, an existing direct dependency used
// elsewhere for DNS record handling.
package sitename

import (
	"errors"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

// NullMX is the sentinel SiteName produced for a null-MX domain (RFC
// 7505: a single MX record with Target "."), which must cause the
// caller to reject the destination with a permanent error rather than
// attempt delivery.
const NullMX = "\x00null-mx"

// ErrNullMX is returned by Resolve when the record set is a null MX.
var ErrNullMX = errors.New("sitename: destination declares a null MX")

// Resolve produces the canonical site name for an MX record set: sort
// hostnames ascending lexicographically, trim the trailing dot,
// lowercase, and join with a comma. Two domains share a site name iff
// their MX record sets are identical by this normalization.
func Resolve(mx []*dns.MX) (string, error) {
	if isNullMX(mx) {
		return NullMX, ErrNullMX
	}

	hosts := make([]string, 0, len(mx))
	for _, rr := range mx {
		hosts = append(hosts, normalizeHost(rr.Mx))
	}
	sort.Strings(hosts)
	return strings.Join(hosts, ","), nil
}

func isNullMX(mx []*dns.MX) bool {
	return len(mx) == 1 && strings.TrimSuffix(mx[0].Mx, ".") == ""
}

func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(host, "."))
}
