// SPDX-License-Identifier: Apache-2.0

package spnego

// Well-known mechanism OIDs, per spec.md §3 and RFC 4178.
var (
	// OidSPNEGO identifies the SPNEGO negotiation mechanism itself (RFC 4178).
	OidSPNEGO = MustParseOid("1.3.6.1.5.5.2")

	// OidKerberos5 identifies the Kerberos v5 GSS-API mechanism (RFC 4121).
	OidKerberos5 = MustParseOid("1.2.840.113554.1.2.2")

	// OidKerberos5Legacy is a Microsoft OID equivalent to OidKerberos5, accepted
	// by some older acceptors. Implementations MUST treat it as an alias.
	OidKerberos5Legacy = MustParseOid("1.2.840.48018.1.2.2")

	// OidNTLMSSP identifies the NTLM SSP mechanism.
	OidNTLMSSP = MustParseOid("1.3.6.1.4.1.311.2.2.10")
)

// IsKerberosOid reports whether oid is any recognized Kerberos v5 mechanism,
// treating the Microsoft legacy OID as equivalent to the IETF one (spec.md §4.3
// "Kerberos OIDs compare by equivalence class").
func IsKerberosOid(oid Oid) bool {
	return oid.Equal(OidKerberos5) || oid.Equal(OidKerberos5Legacy)
}

// mechName returns a short human-readable label for a mechanism OID, used only
// for logging; it never affects wire behavior.
func mechName(oid Oid) string {
	switch {
	case IsKerberosOid(oid):
		return "kerberos"
	case oid.Equal(OidNTLMSSP):
		return "ntlm"
	case oid.Equal(OidSPNEGO):
		return "spnego"
	default:
		return oid.String()
	}
}
