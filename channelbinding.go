// SPDX-License-Identifier: Apache-2.0

package spnego

import "net"

// ChannelBinding ties a security context to properties of the underlying
// transport (for example a TLS channel binding token), per spec.md §3 and
// the GLOSSARY entry for "Channel bindings".
//
// This package treats the value as opaque: it is stored on the Context built
// by Client or Server and is not passed to the selected backend, so no
// Kerberos or NTLM token carries it.
type ChannelBinding struct {
	InitiatorAddr net.Addr
	AcceptorAddr  net.Addr
	Data          []byte
}
