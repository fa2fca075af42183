// SPDX-License-Identifier: Apache-2.0

package spnego

import "errors"

// Sentinel errors surfaced by this package, per spec.md §7. Callers should
// test for these with errors.Is, since they are frequently wrapped with
// additional context via fmt.Errorf("...: %w", ...).
var (
	// ErrInvalidToken indicates malformed DER, an unknown mandatory field, or
	// an unrecognized neg_state value.
	ErrInvalidToken = errors.New("spnego: invalid token")

	// ErrNoCommonMechanism indicates the candidate list was empty after
	// intersecting the peer's offered mechanisms with those locally available.
	ErrNoCommonMechanism = errors.New("spnego: no common mechanism")

	// ErrNegotiationRejected indicates the peer sent neg_state = reject.
	ErrNegotiationRejected = errors.New("spnego: negotiation rejected by peer")

	// ErrIntegrityFailure indicates a mechListMIC failed to verify, or a
	// backend reported an integrity error from Sign/Verify/Wrap/Unwrap.
	ErrIntegrityFailure = errors.New("spnego: integrity check failed")

	// ErrAuthenticationFailed indicates a backend credential or handshake
	// error.
	ErrAuthenticationFailed = errors.New("spnego: authentication failed")

	// ErrNotComplete indicates a post-handshake operation (Wrap, Unwrap, Sign,
	// Verify, SessionKey, NegotiatedProtocol) was invoked before the context
	// reached the complete state.
	ErrNotComplete = errors.New("spnego: security context is not complete")

	// ErrUnknownProtocol indicates the selector could not map the requested
	// protocol to a backend.
	ErrUnknownProtocol = errors.New("spnego: unknown protocol")

	// ErrUnavailable indicates a requested backend option (such as a platform
	// SSPI/GSSAPI provider) is not wired into this build.
	ErrUnavailable = errors.New("spnego: requested backend is not available")
)
