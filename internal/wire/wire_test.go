// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	oidKerberos5 = Oid{1, 2, 840, 113554, 1, 2, 2}
	oidNTLMSSP   = Oid{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}
)

func TestNegTokenInitRoundTrip(t *testing.T) {
	in := NegTokenInit{
		MechTypes: []Oid{oidKerberos5, oidNTLMSSP},
		MechToken: []byte("hello-token"),
	}
	enc, err := PackNegTokenInit(in, false)
	require.NoError(t, err)

	tok, mech, err := Unpack(enc)
	require.NoError(t, err)
	assert.Nil(t, mech)

	out, ok := tok.(*NegTokenInit)
	require.True(t, ok)
	assert.Equal(t, in.MechTypes, out.MechTypes)
	assert.Equal(t, in.MechToken, out.MechToken)
	assert.Nil(t, out.MechListMIC)
}

func TestNegTokenInitGSSFraming(t *testing.T) {
	in := NegTokenInit{
		MechTypes: []Oid{oidKerberos5},
		MechToken: []byte("first-token"),
	}
	enc, err := PackNegTokenInit(in, true)
	require.NoError(t, err)

	tok, mech, err := Unpack(enc)
	require.NoError(t, err)
	require.NotNil(t, mech)
	assert.Equal(t, Oid{1, 3, 6, 1, 5, 5, 2}, mech)

	out, ok := tok.(*NegTokenInit)
	require.True(t, ok)
	assert.Equal(t, in.MechTypes, out.MechTypes)
}

func TestNegTokenRespRoundTripWithNegState(t *testing.T) {
	ns := NegStateAcceptCompleted
	r := NegTokenResp{
		NegState:      &ns,
		ResponseToken: []byte("resp-token"),
		MechListMIC:   []byte("mic-bytes"),
	}
	enc, err := PackNegTokenResp(r)
	require.NoError(t, err)

	tok, mech, err := Unpack(enc)
	require.NoError(t, err)
	assert.Nil(t, mech)

	out, ok := tok.(*NegTokenResp)
	require.True(t, ok)
	require.NotNil(t, out.NegState)
	assert.Equal(t, NegStateAcceptCompleted, *out.NegState)
	assert.Equal(t, r.ResponseToken, out.ResponseToken)
	assert.Equal(t, r.MechListMIC, out.MechListMIC)
}

func TestNegTokenRespRoundTripWithoutNegState(t *testing.T) {
	r := NegTokenResp{
		SupportedMech: oidKerberos5,
		ResponseToken: []byte("resp-token-2"),
	}
	enc, err := PackNegTokenResp(r)
	require.NoError(t, err)

	tok, _, err := Unpack(enc)
	require.NoError(t, err)
	out, ok := tok.(*NegTokenResp)
	require.True(t, ok)
	assert.Nil(t, out.NegState)
	assert.Equal(t, oidKerberos5, out.SupportedMech)
}

func TestNegTokenRespRejectState(t *testing.T) {
	ns := NegStateReject
	r := NegTokenResp{NegState: &ns}
	enc, err := PackNegTokenResp(r)
	require.NoError(t, err)

	tok, _, err := Unpack(enc)
	require.NoError(t, err)
	out := tok.(*NegTokenResp)
	require.NotNil(t, out.NegState)
	assert.Equal(t, NegStateReject, *out.NegState)
}

func TestNegTokenInit2RoundTrip(t *testing.T) {
	in := NegTokenInit2{
		MechTypes:   []Oid{oidKerberos5, oidNTLMSSP},
		NegHintName: "not_defined_in_RFC4178@please_ignore",
	}
	enc, err := PackNegTokenInit2(in)
	require.NoError(t, err)

	tok, mech, err := Unpack(enc)
	require.NoError(t, err)
	assert.Nil(t, mech)

	out, ok := tok.(*NegTokenInit)
	require.True(t, ok)
	assert.Equal(t, in.MechTypes, out.MechTypes)
}

func TestUnpackRejectsGarbage(t *testing.T) {
	_, _, err := Unpack([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	assert.True(t, ErrMalformed(err))
}

func TestUnpackRejectsEmptyMechList(t *testing.T) {
	in := NegTokenInit{MechTypes: nil}
	enc, err := PackNegTokenInit(in, false)
	require.NoError(t, err)

	tok, _, err := Unpack(enc)
	require.NoError(t, err)
	out := tok.(*NegTokenInit)
	assert.Empty(t, out.MechTypes)
}

func TestUnpackRejectsUnrecognizedNegState(t *testing.T) {
	ns := NegState(99)
	r := NegTokenResp{NegState: &ns, ResponseToken: []byte("resp-token")}
	enc, err := PackNegTokenResp(r)
	require.NoError(t, err)

	_, _, err = Unpack(enc)
	require.Error(t, err)
}
