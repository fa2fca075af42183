// SPDX-License-Identifier: Apache-2.0

/*
Package spnego implements SPNEGO (RFC 4178) negotiation between a
Kerberos v5 and an NTLM security mechanism, exposing a single
polymorphic SecContext to callers on both the initiator and acceptor
side.

Client and Server build a context for one side of the handshake; Step
then drives the token exchange to completion, after which Wrap, Unwrap,
Sign and Verify provide per-message protection using whichever
mechanism was actually agreed on.

	cli, err := spnego.Client("fileserver.example.com", "http",
		spnego.WithCredential(spnego.Credential{Username: "alice", Password: "hunter2", Domain: "EXAMPLE"}))
	if err != nil {
		// ...
	}
	tok, err := cli.Step(nil)

The negotiated mechanism is chosen by the context factory (see
selector.go) from protocol and Options; with no forcing option set and
protocol left at its default (ProtocolNegotiate), both Kerberos and
NTLM are offered and the peer's preference decides.
*/
package spnego
