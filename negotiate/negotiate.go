// SPDX-License-Identifier: Apache-2.0

// Package negotiate implements the SPNEGO negotiation state machine
// (component D, SPEC_FULL.md §4.3): the four-phase Step() handshake that
// drives a candidate list of mechanism-specific backend.Context values to a
// single agreed mechanism, with mechListMIC integrity protection along the
// way.
//
// The state machine is itself a backend.Context, so the facade can treat a
// negotiate.Machine exactly like any single-mechanism backend.
package negotiate

import (
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/hamarituc/pyspnego/internal/backend"
	"github.com/hamarituc/pyspnego/internal/wire"
)

// Oid is the same representation as spnego.Oid ([]int); the two convert
// freely without either package importing the other.
type Oid = wire.Oid

// Usage mirrors spnego.Usage.
type Usage int

const (
	UsageInitiate Usage = iota
	UsageAccept
)

// NewContextFunc builds a fresh backend.Context for one candidate mechanism.
// It is supplied by the selector (component E) so this package never
// imports the concrete krb5/ntlm backends directly.
type NewContextFunc func(mech Oid, usage Usage) (backend.Context, error)

// candidate is the (mech_oid, backend_context, cached_first_token) tuple
// from SPEC_FULL.md §4.3.
type candidate struct {
	mech    Oid
	ctx     backend.Context
	cached  []byte
	hasCached bool
}

// Machine drives the SPNEGO handshake across a prioritized candidate list of
// mechanisms until exactly one remains active.
type Machine struct {
	usage      Usage
	newContext NewContextFunc
	// preferred lists the mechanisms this side can offer, in priority order
	// (Kerberos before NTLM, mirroring GSSAPIProxy.available_protocols()
	// ordering).
	preferred []Oid
	logger    *slog.Logger

	candidates []candidate
	mechList   []Oid

	initSent    bool
	mechSent    bool
	micSent     bool
	micRecv     bool
	micRequired bool
	complete    bool
}

// NewMachine constructs a Machine. preferred is this side's mechanism
// priority list (excluding SPNEGO itself); it is intersected with whatever
// the peer offers once a token arrives.
func NewMachine(usage Usage, newContext NewContextFunc, preferred []Oid, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		usage:      usage,
		newContext: newContext,
		preferred:  preferred,
		logger:     logger,
	}
}

// AvailableProtocols implements backend.Context.
func (m *Machine) AvailableProtocols() []string {
	names := make([]string, 0, len(m.preferred)+1)
	names = append(names, "negotiate")
	for _, mech := range m.preferred {
		names = append(names, mechLabel(mech))
	}
	return names
}

// Complete implements backend.Context.
func (m *Machine) Complete() bool { return m.complete }

// active returns the current preferred candidate, or nil if none has been
// built yet.
func (m *Machine) active() *candidate {
	if len(m.candidates) == 0 {
		return nil
	}
	return &m.candidates[0]
}

// SessionKey implements backend.Context.
func (m *Machine) SessionKey() ([]byte, error) {
	if !m.complete {
		return nil, fmt.Errorf("negotiate: %w", errNotComplete)
	}
	return m.active().ctx.SessionKey()
}

// NegotiatedProtocol implements backend.Context.
func (m *Machine) NegotiatedProtocol() (string, error) {
	if !m.complete {
		return "", fmt.Errorf("negotiate: %w", errNotComplete)
	}
	return m.active().ctx.NegotiatedProtocol()
}

// Wrap implements backend.Context.
func (m *Machine) Wrap(data []byte, encrypt bool, qop backend.QoP) ([]byte, bool, error) {
	return m.active().ctx.Wrap(data, encrypt, qop)
}

// Unwrap implements backend.Context.
func (m *Machine) Unwrap(data []byte) ([]byte, bool, backend.QoP, error) {
	return m.active().ctx.Unwrap(data)
}

// Sign implements backend.Context.
func (m *Machine) Sign(data []byte, qop backend.QoP) ([]byte, error) {
	return m.active().ctx.Sign(data, qop)
}

// Verify implements backend.Context.
func (m *Machine) Verify(data, mic []byte) (backend.QoP, error) {
	return m.active().ctx.Verify(data, mic)
}

// RequiresMechListMIC implements backend.Context. It reports whether this
// handshake has required a mechListMIC so far: set when the active
// mechanism demands one, when the peer sends request_mic, or when the peer
// sends a mechListMIC.
func (m *Machine) RequiresMechListMIC() bool { return m.micRequired }

// IOVAvailable implements backend.Context.
func (m *Machine) IOVAvailable() bool {
	c := m.active()
	return c != nil && c.ctx.IOVAvailable()
}

// ResetSequence implements backend.Context.
func (m *Machine) ResetSequence(outgoing bool) {
	if c := m.active(); c != nil {
		c.ctx.ResetSequence(outgoing)
	}
}

var errNotComplete = fmt.Errorf("security context is not complete")
var errRejected = fmt.Errorf("negotiation rejected by peer")
var errNoCommonMechanism = fmt.Errorf("no common mechanism")
var errInvalidToken = fmt.Errorf("invalid token")
var errIntegrityFailure = fmt.Errorf("mechListMIC verification failed")

// ErrRejected reports whether err is (or wraps) the peer-rejected sentinel.
func ErrRejected(err error) bool { return isErr(err, errRejected) }

// ErrNoCommonMechanism reports whether err is (or wraps) the no-common-mechanism sentinel.
func ErrNoCommonMechanism(err error) bool { return isErr(err, errNoCommonMechanism) }

// ErrInvalidToken reports whether err is (or wraps) the invalid-token sentinel.
func ErrInvalidToken(err error) bool { return isErr(err, errInvalidToken) }

// ErrNotComplete reports whether err is (or wraps) the not-complete sentinel.
func ErrNotComplete(err error) bool { return isErr(err, errNotComplete) }

// ErrIntegrityFailure reports whether err is (or wraps) the mechListMIC
// verification-failure sentinel.
func ErrIntegrityFailure(err error) bool { return isErr(err, errIntegrityFailure) }

func isErr(err, target error) bool {
	for err != nil {
		if err == target {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Step drives one round of the four-phase handshake (spec.md §4.3):
// unpack the peer's SPNEGO token, feed its inner mechanism token to the
// active backend, process/generate the mechListMIC, and pack the outbound
// SPNEGO token.
func (m *Machine) Step(inToken []byte) ([]byte, error) {
	m.logger.Debug("spnego step input", "token", base64.StdEncoding.EncodeToString(inToken))

	mechTokenIn, mechListMIC, err := m.stepInput(inToken)
	if err != nil {
		return nil, err
	}

	mechTokenOut, err := m.stepToken(mechTokenIn)
	if err != nil {
		return nil, err
	}

	outMIC, err := m.stepMIC(mechListMIC)
	if err != nil {
		return nil, err
	}

	outToken, err := m.stepOutput(mechTokenOut, outMIC)
	if err != nil {
		return nil, err
	}

	if m.complete && len(m.candidates) > 1 {
		m.candidates = m.candidates[:1]
	}

	m.logger.Debug("spnego step output", "token", base64.StdEncoding.EncodeToString(outToken))
	return outToken, nil
}

// stepInput is phase 1: unpack the incoming SPNEGO token and dispatch on its
// concrete shape.
func (m *Machine) stepInput(inToken []byte) (mechToken, mechListMIC []byte, err error) {
	if len(inToken) == 0 {
		if len(m.mechList) == 0 {
			if err := m.rebuildCandidates(nil, nil); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	}

	tok, _, err := wire.Unpack(inToken)
	if err != nil {
		return nil, nil, fmt.Errorf("negotiate: %w: %v", errInvalidToken, err)
	}

	switch t := tok.(type) {
	case *wire.NegTokenInit:
		if len(t.MechTypes) == 0 {
			return nil, nil, fmt.Errorf("negotiate: %w: empty mechTypes", errInvalidToken)
		}
		mechListMIC = t.MechListMIC
		mechToken = t.MechToken
		if err := m.rebuildCandidates(t.MechTypes, mechToken); err != nil {
			return nil, nil, err
		}
		m.initSent = true
		// Whether the peer's priority order matches ours is not verified:
		// pruning to the common subset is sufficient to reach agreement.

	case *wire.NegTokenResp:
		mechListMIC = t.MechListMIC
		mechToken = t.ResponseToken

		if len(t.SupportedMech) > 0 {
			if m.active() != nil && !oidEqualClass(t.SupportedMech, m.active().mech) {
				return nil, nil, fmt.Errorf("negotiate: %w: acceptor selected a mechanism we did not offer", errInvalidToken)
			}
			m.mechSent = true
		}

		if t.NegState != nil {
			switch *t.NegState {
			case wire.NegStateReject:
				if len(mechToken) == 0 {
					return nil, nil, fmt.Errorf("negotiate: %w", errRejected)
				}
			case wire.NegStateRequestMIC:
				m.micRequired = true
			case wire.NegStateAcceptCompleted:
				m.complete = true
			}
		}

	default:
		return nil, nil, fmt.Errorf("negotiate: %w: unexpected token shape", errInvalidToken)
	}

	return mechToken, mechListMIC, nil
}

// stepToken is phase 2: feed the unwrapped mechanism token to the active
// backend, consuming a cached first token if one is queued.
//
// A cached token is delivered whenever present, even if the backend already
// reports Complete() immediately after priming (as a Kerberos acceptor
// typically does, since accept_sec_context produces its AP-REP and finishes
// in the same call): the token still needs to reach the peer, so
// completeness alone must never suppress it.
func (m *Machine) stepToken(inToken []byte) ([]byte, error) {
	c := m.active()
	if c == nil {
		return nil, nil
	}

	var out []byte
	var err error
	if c.hasCached {
		out = c.cached
		m.candidates[0].cached = nil
		m.candidates[0].hasCached = false
	} else if c.ctx.Complete() {
		return nil, nil
	} else {
		out, err = c.ctx.Step(inToken)
		if err != nil {
			return nil, fmt.Errorf("negotiate: %w", err)
		}
	}

	if c.ctx.RequiresMechListMIC() {
		m.micRequired = true
	}
	return out, nil
}

// stepMIC is phase 3: verify an inbound mechListMIC and/or produce an
// outbound one.
func (m *Machine) stepMIC(inMIC []byte) ([]byte, error) {
	c := m.active()
	if c == nil {
		return nil, nil
	}

	if len(inMIC) > 0 {
		mechTypeList, err := wire.PackMechTypeList(m.mechList)
		if err != nil {
			return nil, fmt.Errorf("negotiate: %w", err)
		}
		if _, err := c.ctx.Verify(mechTypeList, inMIC); err != nil {
			return nil, fmt.Errorf("negotiate: %w: %v", errIntegrityFailure, err)
		}
		c.ctx.ResetSequence(false)

		m.micRequired = true
		m.micRecv = true
		if m.micSent {
			m.complete = true
		}
	}

	// The MIC is signed only once the active mechanism has finished its own
	// handshake: before that it has no signing key.
	if m.micRequired && !m.micSent && c.ctx.Complete() {
		mechTypeList, err := wire.PackMechTypeList(m.mechList)
		if err != nil {
			return nil, fmt.Errorf("negotiate: %w", err)
		}
		mic, err := c.ctx.Sign(mechTypeList, 0)
		if err != nil {
			return nil, fmt.Errorf("negotiate: %w", err)
		}
		c.ctx.ResetSequence(true)
		m.micSent = true
		return mic, nil
	}

	return nil, nil
}

// stepOutput is phase 4: pack the next outbound SPNEGO token.
func (m *Machine) stepOutput(outToken, outMIC []byte) ([]byte, error) {
	if !m.initSent {
		m.initSent = true
		if m.usage == UsageInitiate {
			return wire.PackNegTokenInit(wire.NegTokenInit{
				MechTypes:   m.mechList,
				MechToken:   outToken,
				MechListMIC: outMIC,
			}, true)
		}
		return wire.PackNegTokenInit2(wire.NegTokenInit2{
			MechTypes:   m.mechList,
			MechToken:   outToken,
			MechListMIC: outMIC,
		})
	}

	if m.complete {
		return nil, nil
	}

	var supportedMech Oid
	if !m.mechSent {
		if c := m.active(); c != nil {
			supportedMech = c.mech
		}
		m.mechSent = true
	}

	state := wire.NegStateAcceptIncomplete
	c := m.active()
	if c != nil && c.ctx.Complete() {
		// RFC 4178 leaves room for one extra round trip to let the
		// initiator confirm a MIC it already sent before the acceptor
		// declares completion; we only need it when the acceptor's MIC
		// has gone out but hasn't been acknowledged yet. request_mic is only
		// ever sent by the acceptor; an initiator in that position stays
		// accept_incomplete until the acceptor's MIC arrives.
		if m.micSent && !m.micRecv {
			if m.usage == UsageAccept {
				state = wire.NegStateRequestMIC
			}
		} else {
			state = wire.NegStateAcceptCompleted
			m.complete = true
		}
	}

	return wire.PackNegTokenResp(wire.NegTokenResp{
		NegState:      &state,
		SupportedMech: supportedMech,
		ResponseToken: outToken,
		MechListMIC:   outMIC,
	})
}

// rebuildCandidates (re)builds the candidate list, pruning to the
// intersection of the peer's offered mech list (if any) with the mechanisms
// this side can actually instantiate. When offered is nil this side is
// initiating and offers every mechanism it supports, each with its own
// pre-generated first token (spec.md §4.3's candidate-list construction).
func (m *Machine) rebuildCandidates(offered []Oid, inToken []byte) error {
	chosen := m.preferred
	restrictToFirst := false
	var optimisticMech Oid
	if offered != nil {
		chosen = nil
		for _, mech := range offered {
			if m.supports(mech) {
				chosen = append(chosen, mech)
			}
		}
		restrictToFirst = true
		optimisticMech = offered[0]
	}

	if len(chosen) == 0 {
		return fmt.Errorf("negotiate: %w", errNoCommonMechanism)
	}

	var mechList []Oid
	for _, mech := range chosen {
		ctx, err := m.newContext(mech, m.usage)
		if err != nil {
			m.logger.Debug("failed to build candidate context", "mech", mechLabel(mech), "error", err)
			continue
		}

		var first []byte
		var hasFirst bool
		if restrictToFirst {
			// The optimistic mech_token was only built for the peer's
			// preferred mechanism. If this candidate is anything else, the
			// token does not apply to it: discard it and prime the
			// candidate fresh instead of feeding it a token it never
			// produced (spec.md §4.3's tie-break).
			optimistic := len(inToken) > 0 && oidEqualClass(mech, optimisticMech)
			if optimistic {
				first, err = ctx.Step(inToken)
			} else {
				first, err = ctx.Step(nil)
			}
			if err != nil {
				m.logger.Debug("candidate rejected peer token", "mech", mechLabel(mech), "error", err)
				continue
			}
			hasFirst = true
		} else {
			first, err = ctx.Step(nil)
			if err != nil {
				m.logger.Debug("failed to prime candidate context", "mech", mechLabel(mech), "error", err)
				continue
			}
			hasFirst = true
		}

		m.candidates = append(m.candidates, candidate{mech: mech, ctx: ctx, cached: first, hasCached: hasFirst})

		if restrictToFirst {
			break
		}
		mechList = append(mechList, mech)
	}

	if len(m.candidates) == 0 {
		return fmt.Errorf("negotiate: %w", errNoCommonMechanism)
	}

	if restrictToFirst {
		m.mechList = offered
	} else {
		m.mechList = mechList
	}
	return nil
}

func (m *Machine) supports(mech Oid) bool {
	for _, p := range m.preferred {
		if oidEqualClass(p, mech) {
			return true
		}
	}
	return false
}

var (
	oidKerberos5       = Oid{1, 2, 840, 113554, 1, 2, 2}
	oidKerberos5Legacy = Oid{1, 2, 840, 48018, 1, 2, 2}
)

func isKerberosOid(o Oid) bool {
	return o.Equal(oidKerberos5) || o.Equal(oidKerberos5Legacy)
}

// oidEqualClass compares two mechanism OIDs by equivalence class, treating
// the Microsoft legacy Kerberos OID as interchangeable with the IETF one.
func oidEqualClass(a, b Oid) bool {
	if isKerberosOid(a) && isKerberosOid(b) {
		return true
	}
	return a.Equal(b)
}

func mechLabel(mech Oid) string {
	switch {
	case isKerberosOid(mech):
		return "kerberos"
	case mech.Equal(Oid{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}):
		return "ntlm"
	default:
		return "unknown"
	}
}
