// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"fmt"
	"strconv"
	"strings"
)

// Oid is an ASN.1 OBJECT IDENTIFIER: a dotted sequence of non-negative integers.
//
// Mechanisms, the SPNEGO mechanism itself, and the GSS-API pseudo-ASN.1 framing
// on the first initiator token are all identified by values of this type.
type Oid []int

// ParseOid parses a dotted-decimal OID string such as "1.2.840.113554.1.2.2".
func ParseOid(s string) (Oid, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("spnego: malformed oid %q", s)
	}

	oid := make(Oid, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("spnego: malformed oid %q: %w", s, err)
		}
		oid[i] = n
	}

	return oid, nil
}

// MustParseOid is like ParseOid but panics on error. Intended for package-level
// initialization of well-known OIDs.
func MustParseOid(s string) Oid {
	oid, err := ParseOid(s)
	if err != nil {
		panic(err)
	}
	return oid
}

// Equal reports whether two OIDs represent the same value.
func (o Oid) Equal(other Oid) bool {
	if len(o) != len(other) {
		return false
	}
	for i := range o {
		if o[i] != other[i] {
			return false
		}
	}
	return true
}

// String renders the OID in dotted-decimal form.
func (o Oid) String() string {
	parts := make([]string, len(o))
	for i, n := range o {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Clone returns an independent copy of the OID.
func (o Oid) Clone() Oid {
	c := make(Oid, len(o))
	copy(c, o)
	return c
}
