// SPDX-License-Identifier: Apache-2.0

package spnego

import "strings"

// ContextFlag holds the requested/available protection flags for a security
// context, per spec.md §4.4 (context_req).
type ContextFlag uint32

// Context request flags. Values follow the convention of GSS-API context
// flags for familiarity, though this package does not call into GSS-API.
const (
	ContextFlagDeleg ContextFlag = 1 << iota
	ContextFlagMutual
	ContextFlagReplay
	ContextFlagSequence
	ContextFlagConf
	ContextFlagInteg
	ContextFlagAnon

	// contextFlagKnownMask covers every flag this package understands; the
	// facade masks context_req against it per spec.md §4.5.
	contextFlagKnownMask = ContextFlagDeleg | ContextFlagMutual | ContextFlagReplay |
		ContextFlagSequence | ContextFlagConf | ContextFlagInteg | ContextFlagAnon
)

func flagName(f ContextFlag) string {
	switch f {
	case ContextFlagDeleg:
		return "Delegation"
	case ContextFlagMutual:
		return "Mutual authentication"
	case ContextFlagReplay:
		return "Replay detection"
	case ContextFlagSequence:
		return "Sequence detection"
	case ContextFlagConf:
		return "Confidentiality"
	case ContextFlagInteg:
		return "Integrity"
	case ContextFlagAnon:
		return "Anonymous"
	}
	return "Unknown"
}

// String renders the set flags as a comma-separated description.
func (f ContextFlag) String() string {
	var names []string
	t := ContextFlag(1)
	for i := 0; i < 32; i++ {
		if f&t != 0 {
			names = append(names, flagName(t))
		}
		t <<= 1
	}
	return strings.Join(names, ", ")
}

// Options is the bitset consumed by the context factory/selector, per
// spec.md §4.4.
type Options uint32

const (
	// OptUseNativeSSPI forces selection of a platform SSPI backend. Not wired
	// in this build; selecting it returns ErrUnavailable (see SPEC_FULL.md §4.4).
	OptUseNativeSSPI Options = 1 << iota
	// OptUseGSSAPI forces selection of a platform GSSAPI backend. Not wired in
	// this build; see OptUseNativeSSPI.
	OptUseGSSAPI
	// OptUseSPNEGOBuiltin forces selection of the builtin SPNEGO state machine.
	OptUseSPNEGOBuiltin
	// OptUseNTLMBuiltin forces selection of the builtin NTLM backend.
	OptUseNTLMBuiltin

	// OptSessionKey requests that the selected backend support session key
	// export.
	OptSessionKey
	// OptWrappingIOV requests scatter/gather wrap/unwrap support.
	OptWrappingIOV
	// OptWrappingWinRM requests WinRM-style message wrapping.
	OptWrappingWinRM

	optForcedBackendMask = OptUseNativeSSPI | OptUseGSSAPI | OptUseSPNEGOBuiltin | OptUseNTLMBuiltin
)

// Usage distinguishes the initiator and acceptor roles of a security context.
type Usage int

const (
	// UsageInitiate identifies the initiator (client) role.
	UsageInitiate Usage = iota
	// UsageAccept identifies the acceptor (server) role.
	UsageAccept
)

// Protocol names a requested underlying or negotiation protocol, per
// spec.md §4.4.
type Protocol string

const (
	ProtocolKerberos  Protocol = "kerberos"
	ProtocolNegotiate Protocol = "negotiate"
	ProtocolNTLM      Protocol = "ntlm"
)
