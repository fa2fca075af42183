// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamarituc/pyspnego/ntlm"
)

// ntlmLookupFromFile is a small test helper that builds a CredentialLookup
// the same way Server does when NTLM_USER_FILE is set, without touching the
// environment.
func ntlmLookupFromFile(t *testing.T, content string) ntlm.CredentialLookup {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	lookup, err := ntlm.LoadUserFile(path)
	require.NoError(t, err)
	return lookup
}

func TestCanonicalSPN(t *testing.T) {
	assert.Equal(t, "http@web.example.com", canonicalSPN("HTTP", "web.example.com"))
}

func TestClientServerNTLMHandshakeAndWrapUnwrap(t *testing.T) {
	lookup := ntlmLookupFromFile(t, "CORP:alice:hunter2\n")

	cli, err := Client("fileserver.example.com", "cifs",
		WithCredential(Credential{Username: "alice", Password: "hunter2", Domain: "CORP"}),
		WithProtocol(ProtocolNTLM),
		WithOptions(OptUseNTLMBuiltin))
	require.NoError(t, err)

	srv, err := Server("fileserver.example.com", "cifs",
		WithProtocol(ProtocolNTLM),
		WithOptions(OptUseNTLMBuiltin),
		WithNTLMCredentialLookup(lookup))
	require.NoError(t, err)

	negotiateTok, err := cli.Step(nil)
	require.NoError(t, err)
	assert.False(t, cli.Complete())

	challengeTok, err := srv.Step(negotiateTok)
	require.NoError(t, err)
	assert.False(t, srv.Complete())

	authTok, err := cli.Step(challengeTok)
	require.NoError(t, err)
	assert.True(t, cli.Complete())

	_, err = srv.Step(authTok)
	require.NoError(t, err)
	assert.True(t, srv.Complete())

	cliKey, err := cli.SessionKey()
	require.NoError(t, err)
	srvKey, err := srv.SessionKey()
	require.NoError(t, err)
	assert.Equal(t, cliKey, srvKey)

	proto, err := cli.NegotiatedProtocol()
	require.NoError(t, err)
	assert.Equal(t, "ntlm", proto)
	assert.False(t, cli.RequiresMechListMIC())

	wrapped, encrypted, err := cli.Wrap([]byte("hello"), true, 0)
	require.NoError(t, err)
	assert.True(t, encrypted)

	plain, wasEncrypted, _, err := srv.Unwrap(wrapped)
	require.NoError(t, err)
	assert.True(t, wasEncrypted)
	assert.Equal(t, []byte("hello"), plain)
}

func TestClientRejectsUnknownProtocol(t *testing.T) {
	_, err := Client("host", "svc", WithProtocol(Protocol("bogus")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProtocol)
}

func TestClientRejectsPlatformBackendOptions(t *testing.T) {
	_, err := Client("host", "svc", WithOptions(OptUseNativeSSPI))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = Client("host", "svc", WithOptions(OptUseGSSAPI))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWithContextFlagsMasksUnknownBits(t *testing.T) {
	cli, err := Client("host", "cifs",
		WithProtocol(ProtocolNTLM),
		WithOptions(OptUseNTLMBuiltin),
		WithContextFlags(ContextFlagMutual|ContextFlagConf|1<<30))
	require.NoError(t, err)
	assert.Equal(t, ContextFlagMutual|ContextFlagConf, cli.ContextAttr())
}

func TestSessionKeyBeforeCompleteFails(t *testing.T) {
	cli, err := Client("host", "cifs", WithProtocol(ProtocolNTLM), WithOptions(OptUseNTLMBuiltin))
	require.NoError(t, err)
	_, err = cli.SessionKey()
	require.Error(t, err)
}
