// SPDX-License-Identifier: Apache-2.0

// Package wire implements the ASN.1 DER encoding of the SPNEGO negotiation
// tokens defined by RFC 4178 (component A, SPEC_FULL.md §4.2): NegTokenInit,
// NegTokenInit2 and NegTokenResp, plus the GSS-API pseudo-ASN.1 framing that
// wraps only the initiator's very first output token.
//
// The CHOICE between NegTokenInit ([0]) and NegTokenResp ([1]), and the
// outer [APPLICATION 0] wrapper, are not expressible through encoding/asn1
// struct tags alone, so this package builds and tears down those layers by
// hand with asn1.RawValue and leaves the inner SEQUENCE bodies to ordinary
// struct-tag marshaling.
package wire

import (
	"encoding/asn1"
	"errors"
	"fmt"
)

// Oid mirrors spnego.Oid's representation so the two are convertible without
// a dependency from this package back to the root package.
type Oid []int

func (o Oid) asn1() asn1.ObjectIdentifier {
	return asn1.ObjectIdentifier(o)
}

// Equal reports whether o and other name the same OID.
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

func fromAsn1(o asn1.ObjectIdentifier) Oid {
	if o == nil {
		return nil
	}
	return Oid(o)
}

// oidSPNEGO is the OID carried by the GSS-API pseudo-header that wraps the
// initiator's first token. It is duplicated from the root package's OID
// table (1.3.6.1.5.5.2) to avoid an import cycle.
var oidSPNEGO = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 2}

// NegState enumerates the acceptor's negotiation state, per RFC 4178 §4.2.1.
type NegState int

const (
	NegStateAcceptCompleted  NegState = 0
	NegStateAcceptIncomplete NegState = 1
	NegStateReject           NegState = 2
	NegStateRequestMIC       NegState = 3
)

// NegTokenInit is the initiator's negotiation token: the candidate mechanism
// list plus an optional first mechanism token.
type NegTokenInit struct {
	MechTypes   []Oid
	MechToken   []byte
	MechListMIC []byte
}

// NegTokenInit2 is the acceptor-unsolicited variant of NegTokenInit used when
// an acceptor speaks first (RFC 4178's predecessor draft shape): it adds a
// NegHints field and shifts mechListMIC to tag 4.
type NegTokenInit2 struct {
	MechTypes   []Oid
	MechToken   []byte
	NegHintName string
	MechListMIC []byte
}

// NegTokenResp is the per-round-trip response token exchanged by both sides
// after the initial message.
type NegTokenResp struct {
	// NegState is nil when the field is absent (legal on every round but the
	// last, per RFC 4178 §4.2.2).
	NegState      *NegState
	SupportedMech Oid
	ResponseToken []byte
	MechListMIC   []byte
}

// --- wire-level (asn1 struct-tag) representations ---

type rawNegTokenInit struct {
	MechTypes   []asn1.ObjectIdentifier `asn1:"explicit,tag:0"`
	MechToken   []byte                  `asn1:"optional,explicit,tag:2"`
	MechListMIC []byte                  `asn1:"optional,explicit,tag:3"`
}

type rawNegHints struct {
	HintName string `asn1:"optional,explicit,tag:0,generalstring"`
}

type rawNegTokenInit2 struct {
	MechTypes   []asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	MechToken   []byte                  `asn1:"optional,explicit,tag:2"`
	NegHints    rawNegHints             `asn1:"optional,explicit,tag:3"`
	MechListMIC []byte                  `asn1:"optional,explicit,tag:4"`
}

// asn1.Marshal/Unmarshal cannot express "optional int, 0 is a valid value"
// through a plain int field, so NegTokenResp's negState is hand-rolled below
// instead of riding along with the rest of rawNegTokenResp's struct tags.
type rawNegTokenRespBody struct {
	SupportedMech asn1.ObjectIdentifier `asn1:"optional,explicit,tag:1"`
	ResponseToken []byte                `asn1:"optional,explicit,tag:2"`
	MechListMIC   []byte                `asn1:"optional,explicit,tag:3"`
}

const (
	choiceTagInit = 0
	choiceTagResp = 1
)

// PackNegTokenInit encodes a NegTokenInit. When framed is true the result is
// wrapped in the GSS-API pseudo-ASN.1 [APPLICATION 0] header carrying the
// SPNEGO OID; this framing is used exactly once, on the initiator's first
// output token (spec.md §4.2).
func PackNegTokenInit(t NegTokenInit, framed bool) ([]byte, error) {
	mechs := make([]asn1.ObjectIdentifier, len(t.MechTypes))
	for i, m := range t.MechTypes {
		mechs[i] = m.asn1()
	}
	body, err := asn1.Marshal(rawNegTokenInit{
		MechTypes:   mechs,
		MechToken:   t.MechToken,
		MechListMIC: t.MechListMIC,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal NegTokenInit: %w", err)
	}
	choice := wrapChoice(choiceTagInit, body)
	if !framed {
		return choice, nil
	}
	return wrapGSSFraming(choice)
}

// PackNegTokenInit2 encodes an acceptor-unsolicited NegTokenInit2. It is
// never GSS-API framed: that framing is reserved for the initiator's first
// token (RFC 4178 §3.1).
func PackNegTokenInit2(t NegTokenInit2) ([]byte, error) {
	mechs := make([]asn1.ObjectIdentifier, len(t.MechTypes))
	for i, m := range t.MechTypes {
		mechs[i] = m.asn1()
	}
	raw := rawNegTokenInit2{
		MechTypes:   mechs,
		MechToken:   t.MechToken,
		MechListMIC: t.MechListMIC,
	}
	if t.NegHintName != "" {
		raw.NegHints = rawNegHints{HintName: t.NegHintName}
	}
	body, err := asn1.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal NegTokenInit2: %w", err)
	}
	return wrapChoice(choiceTagInit, body), nil
}

// PackNegTokenResp encodes a NegTokenResp.
func PackNegTokenResp(r NegTokenResp) ([]byte, error) {
	body, err := asn1.Marshal(rawNegTokenRespBody{
		SupportedMech: r.SupportedMech.asn1(),
		ResponseToken: r.ResponseToken,
		MechListMIC:   r.MechListMIC,
	})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal NegTokenResp: %w", err)
	}
	if r.NegState != nil {
		body, err = prependNegState(body, int(*r.NegState))
		if err != nil {
			return nil, fmt.Errorf("wire: marshal NegTokenResp negState: %w", err)
		}
	}
	return wrapChoice(choiceTagResp, body), nil
}

// prependNegState re-encodes body's outer SEQUENCE with an explicit [0]
// ENUMERATED negState field prepended, since rawNegTokenRespBody's struct
// tags can't distinguish "negState absent" from "negState accept-completed
// (zero)".
func prependNegState(body []byte, negState int) ([]byte, error) {
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(body, &seq); err != nil {
		return nil, err
	}
	negStateField, err := asn1.Marshal(asn1.Enumerated(negState))
	if err != nil {
		return nil, err
	}
	negStateTLV, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        0,
		IsCompound: true,
		Bytes:      negStateField,
	})
	if err != nil {
		return nil, err
	}
	payload := append(append([]byte{}, negStateTLV...), seq.Bytes...)
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      payload,
	})
}

// wrapChoice wraps a DER-encoded SEQUENCE body in an explicit context tag,
// implementing the NegotiationToken CHOICE arm selection.
func wrapChoice(tag int, body []byte) []byte {
	out, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        tag,
		IsCompound: true,
		Bytes:      body,
	})
	if err != nil {
		// body is always a well-formed DER SEQUENCE produced by asn1.Marshal
		// above; re-wrapping it cannot fail.
		panic(err)
	}
	return out
}

// wrapGSSFraming wraps a NegotiationToken CHOICE encoding in the GSS-API
// InitialContextToken header (RFC 2743 Appendix B): an [APPLICATION 0]
// IMPLICIT SEQUENCE of { thisMech MechType, innerContextToken ANY }.
func wrapGSSFraming(choice []byte) ([]byte, error) {
	mechOID, err := asn1.Marshal(oidSPNEGO)
	if err != nil {
		return nil, err
	}
	payload := append(append([]byte{}, mechOID...), choice...)
	return asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassApplication,
		Tag:        0,
		IsCompound: true,
		Bytes:      payload,
	})
}

// stripGSSFraming removes the InitialContextToken header if present, moving
// past thisMech, and returns the inner NegotiationToken CHOICE bytes plus the
// declared mechanism OID (nil if no framing was found).
func stripGSSFraming(b []byte) (inner []byte, mech Oid, err error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(b, &raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
	}
	if raw.Class != asn1.ClassApplication || raw.Tag != 0 {
		return b, nil, nil
	}
	var mechOID asn1.ObjectIdentifier
	rest, err := asn1.Unmarshal(raw.Bytes, &mechOID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
	}
	return rest, fromAsn1(mechOID), nil
}

// PackMechTypeList encodes the bare MechTypeList SEQUENCE OF MechType used as
// the input to mechListMIC integrity protection (RFC 4178 §5). This is
// deliberately distinct from the mechTypes field embedded in a NegTokenInit:
// the MIC is computed over a freestanding SEQUENCE, not a context-tagged
// field.
func PackMechTypeList(mechs []Oid) ([]byte, error) {
	oids := make([]asn1.ObjectIdentifier, len(mechs))
	for i, m := range mechs {
		oids[i] = m.asn1()
	}
	out, err := asn1.Marshal(oids)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal MechTypeList: %w", err)
	}
	return out, nil
}

// errInvalidASN1 is returned by Unpack when the input is not well-formed
// DER. Callers in the negotiate package map it onto their own sentinel.
var errInvalidASN1 = fmt.Errorf("wire: malformed token")

// ErrMalformed reports whether err originated from malformed DER input.
func ErrMalformed(err error) bool {
	return errors.Is(err, errInvalidASN1)
}

// Unpack decodes a NegotiationToken, accepting either the bare CHOICE
// encoding or one wrapped in GSS-API pseudo-ASN.1 framing (only ever
// produced for the initiator's first token). It dispatches on the outer
// CHOICE tag and returns either a *NegTokenInit or a *NegTokenResp.
//
// The GSS-API mech OID declared by the framing, if present, is returned
// alongside so callers can confirm it matches SPNEGO's OID.
func Unpack(b []byte) (token any, framedMech Oid, err error) {
	inner, mech, err := stripGSSFraming(b)
	if err != nil {
		return nil, nil, err
	}

	var choice asn1.RawValue
	if _, err := asn1.Unmarshal(inner, &choice); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
	}
	if choice.Class != asn1.ClassContextSpecific {
		return nil, nil, fmt.Errorf("%w: unexpected outer class %d", errInvalidASN1, choice.Class)
	}

	switch choice.Tag {
	case choiceTagInit:
		init, err := unpackNegTokenInit(choice.Bytes)
		if err != nil {
			return nil, nil, err
		}
		return init, mech, nil
	case choiceTagResp:
		resp, err := unpackNegTokenResp(choice.Bytes)
		if err != nil {
			return nil, nil, err
		}
		return resp, mech, nil
	default:
		return nil, nil, fmt.Errorf("%w: unexpected outer tag %d", errInvalidASN1, choice.Tag)
	}
}

func unpackNegTokenInit(body []byte) (*NegTokenInit, error) {
	var raw rawNegTokenInit
	if _, err := asn1.Unmarshal(body, &raw); err == nil {
		mechs := make([]Oid, len(raw.MechTypes))
		for i, m := range raw.MechTypes {
			mechs[i] = fromAsn1(m)
		}
		return &NegTokenInit{
			MechTypes:   mechs,
			MechToken:   raw.MechToken,
			MechListMIC: raw.MechListMIC,
		}, nil
	}

	// Fall back to the NegTokenInit2 shape: an unsolicited acceptor may have
	// sent negHints at tag 3 instead of mechListMIC.
	var raw2 rawNegTokenInit2
	if _, err := asn1.Unmarshal(body, &raw2); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
	}
	mechs := make([]Oid, len(raw2.MechTypes))
	for i, m := range raw2.MechTypes {
		mechs[i] = fromAsn1(m)
	}
	return &NegTokenInit{
		MechTypes:   mechs,
		MechToken:   raw2.MechToken,
		MechListMIC: raw2.MechListMIC,
	}, nil
}

func unpackNegTokenResp(body []byte) (*NegTokenResp, error) {
	// negState's presence can't be told apart from its zero value by a plain
	// struct-tagged field (see prependNegState), so probe for it manually:
	// peel the first field TLV and check whether it's a [0] element.
	resp := &NegTokenResp{}
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(body, &seq); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
	}
	rest := seq.Bytes
	var first asn1.RawValue
	if len(rest) > 0 {
		trailing, err := asn1.Unmarshal(rest, &first)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
		}
		if first.Class == asn1.ClassContextSpecific && first.Tag == 0 {
			var n asn1.Enumerated
			if _, err := asn1.Unmarshal(first.Bytes, &n); err != nil {
				return nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
			}
			ns := NegState(n)
			if ns < NegStateAcceptCompleted || ns > NegStateRequestMIC {
				return nil, fmt.Errorf("%w: unrecognized negState %d", errInvalidASN1, n)
			}
			resp.NegState = &ns
			rest = trailing
		}
	}

	var raw rawNegTokenRespBody
	if _, err := asn1.Unmarshal(packSequence(rest), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidASN1, err)
	}
	resp.SupportedMech = fromAsn1(raw.SupportedMech)
	resp.ResponseToken = raw.ResponseToken
	resp.MechListMIC = raw.MechListMIC
	return resp, nil
}

// packSequence re-wraps the remaining field TLVs (after negState has been
// peeled off) as a SEQUENCE so the rest can be unmarshaled with ordinary
// struct tags.
func packSequence(fields []byte) []byte {
	out, err := asn1.Marshal(asn1.RawValue{
		Class:      asn1.ClassUniversal,
		Tag:        asn1.TagSequence,
		IsCompound: true,
		Bytes:      fields,
	})
	if err != nil {
		panic(err)
	}
	return out
}
