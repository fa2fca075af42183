// SPDX-License-Identifier: Apache-2.0

package spnego

// Credential carries the caller-supplied identity used to build a security
// context. Unlike RFC 2743's CREDENTIAL HANDLE, this package has no
// credential store: a Credential is just the bag of strings a backend needs
// to acquire its own, mechanism-specific materials (a Kerberos ticket, an
// NTLM hash, ...). With no Password (and no keytab), the Kerberos initiator
// falls back to the default credential cache (KRB5CCNAME). The NTLM initiator
// has no such fallback: NTLM_USER_FILE is read only by Server, to validate
// inbound NTLM AUTHENTICATE messages (SPEC_FULL.md §6).
type Credential struct {
	Username string
	Password string
	Domain   string
}
