// SPDX-License-Identifier: Apache-2.0

package krb5

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapUnwrapTokenRoundTrip(t *testing.T) {
	body := []byte("ap-req-body")
	wrapped := wrapToken(tokIDAPReq, body)

	out, tokID, err := unwrapToken(wrapped)
	require.NoError(t, err)
	assert.Equal(t, tokIDAPReq, tokID)
	assert.Equal(t, body, out)
}

func TestUnwrapTokenRejectsShortInput(t *testing.T) {
	_, _, err := unwrapToken([]byte{0x01})
	require.Error(t, err)
}

func TestNewRequiresSPNForInitiator(t *testing.T) {
	_, err := New(Config{}, UsageInitiate)
	require.Error(t, err)

	_, err = New(Config{SPN: "host/example.test@EXAMPLE.TEST"}, UsageInitiate)
	require.NoError(t, err)
}

func TestNewAllowsEmptySPNForAcceptor(t *testing.T) {
	_, err := New(Config{AcceptorName: "host/example.test"}, UsageAccept)
	require.NoError(t, err)
}

func TestSessionKeyRequiresCompletion(t *testing.T) {
	c, err := New(Config{AcceptorName: "host/example.test"}, UsageAccept)
	require.NoError(t, err)

	_, err = c.SessionKey()
	require.Error(t, err)

	_, err = c.NegotiatedProtocol()
	require.Error(t, err)
}

func TestStepAcceptRequiresKeytab(t *testing.T) {
	c, err := New(Config{AcceptorName: "host/example.test"}, UsageAccept)
	require.NoError(t, err)

	_, err = c.Step(wrapToken(tokIDAPReq, []byte("garbage")))
	require.Error(t, err)
}

func TestStepAcceptRejectsWrongTokenID(t *testing.T) {
	c, err := New(Config{AcceptorName: "host/example.test"}, UsageAccept)
	require.NoError(t, err)

	_, err = c.Step(wrapToken(tokIDAPRep, []byte("not-an-ap-req")))
	require.Error(t, err)
}

func TestCredentialsCachePathPrefersEnv(t *testing.T) {
	t.Setenv("KRB5CCNAME", "FILE:/tmp/my-ccache")
	assert.Equal(t, "/tmp/my-ccache", credentialsCachePath())
}

func TestCredentialsCachePathDefaultsToUID(t *testing.T) {
	t.Setenv("KRB5CCNAME", "")
	assert.Contains(t, credentialsCachePath(), "/tmp/krb5cc_")
}

func TestWrapUnwrapRejectAPRepAsAPReq(t *testing.T) {
	body := []byte("ap-rep-body")
	wrapped := wrapToken(tokIDAPRep, body)
	_, tokID, err := unwrapToken(wrapped)
	require.NoError(t, err)
	assert.NotEqual(t, tokIDAPReq, tokID)
}
