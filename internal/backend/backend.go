// SPDX-License-Identifier: Apache-2.0

// Package backend defines the sub-context abstraction that every concrete
// mechanism implementation (Kerberos, NTLM) and the SPNEGO state machine
// itself present to their respective callers. It corresponds to component C
// (§4.1) of SPEC_FULL.md.
package backend

// QoP is a backend-defined quality-of-protection value. Zero is always the
// default QoP for Sign/Verify/Wrap/Unwrap.
type QoP uint

// Context is the fixed capability set every SecContext backend must provide,
// per spec.md §4.1. Both Kerberos and NTLM implementations, and the SPNEGO
// state machine (which is itself a Context from the facade's point of view),
// satisfy this interface.
type Context interface {
	// AvailableProtocols returns the subset of {"kerberos", "ntlm", "negotiate"}
	// this backend instance can actually use right now.
	AvailableProtocols() []string

	// Step consumes a token from the peer (nil on the initiator's first call)
	// and returns the next token to send, or nil if there is nothing more to
	// send. ErrAuthenticationFailed/ErrInvalidToken propagate from here.
	Step(inToken []byte) (outToken []byte, err error)

	// Complete reports whether the handshake has finished.
	Complete() bool

	// SessionKey returns mechanism-defined key material derived once the
	// context is complete. Returns ErrNotComplete beforehand.
	SessionKey() ([]byte, error)

	// NegotiatedProtocol returns the canonical protocol name ("kerberos" or
	// "ntlm") once complete. Returns ErrNotComplete beforehand.
	NegotiatedProtocol() (string, error)

	// Wrap encrypts (if encrypt is true) and/or integrity-protects data.
	Wrap(data []byte, encrypt bool, qop QoP) (wrapped []byte, encrypted bool, err error)

	// Unwrap reverses Wrap.
	Unwrap(data []byte) (unwrapped []byte, encrypted bool, qop QoP, err error)

	// Sign produces a detached MIC over data.
	Sign(data []byte, qop QoP) (mic []byte, err error)

	// Verify checks a detached MIC produced by the peer's Sign.
	Verify(data, mic []byte) (qop QoP, err error)

	// RequiresMechListMIC reports whether this mechanism demands SPNEGO
	// mechListMIC protection, per spec.md §4.1's per-mechanism rule.
	RequiresMechListMIC() bool

	// IOVAvailable reports whether scatter/gather wrap/unwrap is supported.
	IOVAvailable() bool

	// ResetSequence resets the per-direction sequence/sign counters after a
	// SPNEGO mechListMIC sign/verify, so application traffic is not affected
	// by MIC bookkeeping (spec.md §4.3 Phase 3, §5). Mechanisms without
	// sequence counters (Kerberos, in this implementation) may no-op.
	ResetSequence(outgoing bool)
}
