// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamarituc/pyspnego/internal/backend"
	"github.com/hamarituc/pyspnego/internal/wire"
)

var (
	testOidKerberos5 = Oid{1, 2, 840, 113554, 1, 2, 2}
	testOidNTLMSSP   = Oid{1, 3, 6, 1, 4, 1, 311, 2, 2, 10}
)

// fakeBackend is a minimal backend.Context used to drive the state machine
// without a real Kerberos or NTLM implementation. Each Step call consumes
// the next entry in outputs (nil once outputs run out) and always advances
// calls, independently of whether it produced an output; Complete becomes
// true once calls reaches completeAfter.
type fakeBackend struct {
	protocol      string
	outputs       [][]byte
	completeAfter int
	calls         int
	requireMIC    bool
	sessionKey    []byte
	signCalls     int
	verifyCalls   int
	resetCalls    []bool
	firstInput    []byte
	sawFirstInput bool
}

func (f *fakeBackend) AvailableProtocols() []string { return []string{f.protocol} }

func (f *fakeBackend) Step(in []byte) ([]byte, error) {
	if !f.sawFirstInput {
		f.firstInput = in
		f.sawFirstInput = true
	}
	var out []byte
	if f.calls < len(f.outputs) {
		out = f.outputs[f.calls]
	}
	f.calls++
	return out, nil
}

func (f *fakeBackend) Complete() bool { return f.calls >= f.completeAfter }

func (f *fakeBackend) SessionKey() ([]byte, error) { return f.sessionKey, nil }

func (f *fakeBackend) NegotiatedProtocol() (string, error) { return f.protocol, nil }

func (f *fakeBackend) Wrap(data []byte, encrypt bool, qop backend.QoP) ([]byte, bool, error) {
	return data, encrypt, nil
}

func (f *fakeBackend) Unwrap(data []byte) ([]byte, bool, backend.QoP, error) {
	return data, false, 0, nil
}

func (f *fakeBackend) Sign(data []byte, qop backend.QoP) ([]byte, error) {
	f.signCalls++
	return []byte("mic-for-" + f.protocol), nil
}

func (f *fakeBackend) Verify(data, mic []byte) (backend.QoP, error) {
	f.verifyCalls++
	return 0, nil
}

func (f *fakeBackend) RequiresMechListMIC() bool { return f.requireMIC }

func (f *fakeBackend) IOVAvailable() bool { return false }

func (f *fakeBackend) ResetSequence(outgoing bool) { f.resetCalls = append(f.resetCalls, outgoing) }

// kerberosFactory builds mutual-auth "kerberos-like" backends: the
// initiator emits AP-REQ and needs one more call (to consume AP-REP) before
// it is complete; the acceptor consumes AP-REQ, emits AP-REP and is
// immediately complete.
func kerberosFactory(sessionKey []byte) NewContextFunc {
	return func(mech Oid, usage Usage) (backend.Context, error) {
		if usage == UsageInitiate {
			return &fakeBackend{
				protocol:      "kerberos",
				outputs:       [][]byte{[]byte("ap-req")},
				completeAfter: 2,
				sessionKey:    sessionKey,
			}, nil
		}
		return &fakeBackend{
			protocol:      "kerberos",
			outputs:       [][]byte{[]byte("ap-rep")},
			completeAfter: 1,
			sessionKey:    sessionKey,
		}, nil
	}
}

func testLogger() *slog.Logger { return slog.Default() }

func TestHandshakeSingleMechanismCompletes(t *testing.T) {
	sessionKey := []byte("shared-key")
	client := NewMachine(UsageInitiate, kerberosFactory(sessionKey), []Oid{testOidKerberos5}, testLogger())
	server := NewMachine(UsageAccept, kerberosFactory(sessionKey), []Oid{testOidKerberos5}, testLogger())

	tok1, err := client.Step(nil)
	require.NoError(t, err)
	require.NotEmpty(t, tok1)
	assert.False(t, client.Complete())

	tok2, err := server.Step(tok1)
	require.NoError(t, err)
	require.NotEmpty(t, tok2)
	assert.True(t, server.Complete())

	tok3, err := client.Step(tok2)
	require.NoError(t, err)
	assert.Empty(t, tok3)
	assert.True(t, client.Complete())

	key, err := client.SessionKey()
	require.NoError(t, err)
	assert.Equal(t, sessionKey, key)

	protocol, err := server.NegotiatedProtocol()
	require.NoError(t, err)
	assert.Equal(t, "kerberos", protocol)
}

func TestNoCommonMechanism(t *testing.T) {
	client := NewMachine(UsageInitiate, kerberosFactory(nil), []Oid{testOidKerberos5}, testLogger())
	server := NewMachine(UsageAccept, kerberosFactory(nil), []Oid{testOidNTLMSSP}, testLogger())

	tok1, err := client.Step(nil)
	require.NoError(t, err)

	_, err = server.Step(tok1)
	require.Error(t, err)
	assert.True(t, ErrNoCommonMechanism(err))
}

func TestNotCompleteBeforeHandshake(t *testing.T) {
	m := NewMachine(UsageInitiate, kerberosFactory(nil), []Oid{testOidKerberos5}, testLogger())
	_, err := m.SessionKey()
	require.Error(t, err)

	_, err = m.NegotiatedProtocol()
	require.Error(t, err)
}

// ntlmFactory builds three-leg "ntlm-like" backends (negotiate / challenge /
// authenticate) that both require a mechListMIC, mirroring NTLM's real
// mechListMIC requirement in SPNEGO.
func ntlmFactory() NewContextFunc {
	return func(mech Oid, usage Usage) (backend.Context, error) {
		if usage == UsageInitiate {
			return &fakeBackend{
				protocol:      "ntlm",
				outputs:       [][]byte{[]byte("negotiate"), []byte("authenticate")},
				completeAfter: 2,
				requireMIC:    true,
				sessionKey:    []byte("ntlm-key"),
			}, nil
		}
		return &fakeBackend{
			protocol:      "ntlm",
			outputs:       [][]byte{nil, []byte("challenge")},
			completeAfter: 2,
			requireMIC:    true,
			sessionKey:    []byte("ntlm-key"),
		}, nil
	}
}

func TestMechListMICRequiredPath(t *testing.T) {
	factory := ntlmFactory()
	client := NewMachine(UsageInitiate, factory, []Oid{testOidNTLMSSP}, testLogger())
	server := NewMachine(UsageAccept, factory, []Oid{testOidNTLMSSP}, testLogger())

	tok1, err := client.Step(nil)
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	tok2, err := server.Step(tok1)
	require.NoError(t, err)
	require.NotEmpty(t, tok2)

	tok3, err := client.Step(tok2)
	require.NoError(t, err)
	require.NotEmpty(t, tok3)

	tok4, err := server.Step(tok3)
	require.NoError(t, err)

	for len(tok4) > 0 && !client.Complete() {
		tok4, err = client.Step(tok4)
		require.NoError(t, err)
		if len(tok4) == 0 {
			break
		}
		tok4, err = server.Step(tok4)
		require.NoError(t, err)
	}

	assert.True(t, server.Complete())
	assert.True(t, client.Complete())
}

// mixedFactory builds a client that can instantiate both kerberos and ntlm,
// but an acceptor that fails to build a kerberos candidate at all (no
// credentials configured for it), mirroring spec.md §8 Scenario 3: the
// initiator's preferred mechanism is one the acceptor cannot use.
func mixedFactory(ntlmServer *fakeBackend) NewContextFunc {
	return func(mech Oid, usage Usage) (backend.Context, error) {
		switch {
		case isKerberosOid(mech) && usage == UsageInitiate:
			return &fakeBackend{protocol: "kerberos", outputs: [][]byte{[]byte("ap-req")}, completeAfter: 2}, nil
		case isKerberosOid(mech) && usage == UsageAccept:
			return nil, fmt.Errorf("no kerberos credentials configured")
		case mech.Equal(testOidNTLMSSP) && usage == UsageInitiate:
			return &fakeBackend{protocol: "ntlm", outputs: [][]byte{[]byte("negotiate"), []byte("authenticate")}, completeAfter: 2}, nil
		case mech.Equal(testOidNTLMSSP) && usage == UsageAccept:
			return ntlmServer, nil
		default:
			return nil, fmt.Errorf("unexpected mech")
		}
	}
}

func TestPreferredMechRejectedFallsBackWithFreshToken(t *testing.T) {
	ntlmServer := &fakeBackend{protocol: "ntlm", outputs: [][]byte{nil, []byte("challenge")}, completeAfter: 2}

	client := NewMachine(UsageInitiate, mixedFactory(nil), []Oid{testOidKerberos5, testOidNTLMSSP}, testLogger())
	server := NewMachine(UsageAccept, mixedFactory(ntlmServer), []Oid{testOidKerberos5, testOidNTLMSSP}, testLogger())

	tok1, err := client.Step(nil)
	require.NoError(t, err)
	require.NotEmpty(t, tok1)

	_, err = server.Step(tok1)
	require.NoError(t, err)

	// The acceptor could not build a kerberos candidate, so it fell back to
	// ntlm. Its ntlm backend must have been primed with Step(nil), not fed
	// the kerberos AP-REQ the initiator optimistically attached.
	require.True(t, ntlmServer.sawFirstInput)
	assert.Empty(t, ntlmServer.firstInput)
}

func TestEmptyMechTypesIsInvalidToken(t *testing.T) {
	server := NewMachine(UsageAccept, kerberosFactory(nil), []Oid{testOidKerberos5}, testLogger())

	enc, err := wire.PackNegTokenInit(wire.NegTokenInit{MechTypes: nil}, false)
	require.NoError(t, err)

	_, err = server.Step(enc)
	require.Error(t, err)
	assert.True(t, ErrInvalidToken(err))
}

func TestUnrecognizedNegStateIsInvalidToken(t *testing.T) {
	client := NewMachine(UsageInitiate, kerberosFactory(nil), []Oid{testOidKerberos5}, testLogger())
	_, err := client.Step(nil)
	require.NoError(t, err)

	badState := wire.NegState(99)
	resp, err := wire.PackNegTokenResp(wire.NegTokenResp{NegState: &badState, ResponseToken: []byte("tok")})
	require.NoError(t, err)

	_, err = client.Step(resp)
	require.Error(t, err)
	assert.True(t, ErrInvalidToken(err))
}

func TestRejectWithoutTokenIsSurfaced(t *testing.T) {
	client := NewMachine(UsageInitiate, kerberosFactory(nil), []Oid{testOidKerberos5}, testLogger())
	_, err := client.Step(nil)
	require.NoError(t, err)

	rejectState := wire.NegStateReject
	reject, err := wire.PackNegTokenResp(wire.NegTokenResp{NegState: &rejectState})
	require.NoError(t, err)

	_, err = client.Step(reject)
	require.Error(t, err)
	assert.True(t, ErrRejected(err))
}
