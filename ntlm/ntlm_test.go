// SPDX-License-Identifier: Apache-2.0

package ntlm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateRoundTrip(t *testing.T) {
	msg := BuildNegotiate("CORP", "WORKSTATION1")
	parsed, err := ParseNegotiate(msg)
	require.NoError(t, err)
	assert.Equal(t, "CORP", parsed.Domain)
	assert.Equal(t, "WORKSTATION1", parsed.Workstation)
	assert.True(t, parsed.Flags&FlagUnicode != 0)
}

func TestChallengeRoundTrip(t *testing.T) {
	var sc [8]byte
	copy(sc[:], "01234567")
	msg := BuildChallenge("FILESERVER", "WORKGROUP", "FILESERVER", "fileserver", "local", sc, 132000000000000000)

	parsed, err := ParseChallenge(msg)
	require.NoError(t, err)
	assert.Equal(t, "FILESERVER", parsed.TargetName)
	assert.Equal(t, sc, parsed.ServerChallenge)
	require.NotEmpty(t, parsed.TargetInfo)

	ts, ok := parseAvPairTimestamp(parsed.TargetInfo)
	require.True(t, ok)
	assert.Equal(t, uint64(132000000000000000), ts)
}

func TestAuthenticateRoundTrip(t *testing.T) {
	msg := BuildAuthenticate("CORP", "alice", "WORKSTATION1", nil, []byte("nt-response-bytes"), []byte("0123456789abcdef"), FlagUnicode|FlagKeyExch)

	parsed, err := ParseAuthenticate(msg)
	require.NoError(t, err)
	assert.Equal(t, "CORP", parsed.Domain)
	assert.Equal(t, "alice", parsed.Username)
	assert.Equal(t, "WORKSTATION1", parsed.Workstation)
	assert.Equal(t, []byte("nt-response-bytes"), parsed.NtChallengeResponse)
	assert.Equal(t, []byte("0123456789abcdef"), parsed.EncryptedRandomSessionKey)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseNegotiate([]byte{1, 2, 3})
	require.Error(t, err)

	_, err = ParseChallenge([]byte("NTLMSSP\x00garbage"))
	require.Error(t, err)
}

func TestFullHandshakeAndWrapUnwrap(t *testing.T) {
	ntHash := ntowfv1("hunter2")
	lookup := func(username, domain string) ([16]byte, bool) {
		if username == "alice" && domain == "CORP" {
			return ntHash, true
		}
		return [16]byte{}, false
	}

	client, err := New(Config{Username: "alice", Password: "hunter2", Domain: "CORP", Workstation: "WS1"}, UsageInitiate)
	require.NoError(t, err)
	server, err := New(Config{AcceptorName: "FILESERVER", Lookup: lookup}, UsageAccept)
	require.NoError(t, err)

	negotiate, err := client.Step(nil)
	require.NoError(t, err)
	assert.False(t, client.Complete())

	challenge, err := server.Step(negotiate)
	require.NoError(t, err)
	assert.False(t, server.Complete())

	authenticate, err := client.Step(challenge)
	require.NoError(t, err)
	assert.True(t, client.Complete())

	out, err := server.Step(authenticate)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.True(t, server.Complete())

	clientKey, err := client.SessionKey()
	require.NoError(t, err)
	serverKey, err := server.SessionKey()
	require.NoError(t, err)
	assert.Equal(t, clientKey, serverKey)

	wrapped, encrypted, err := client.Wrap([]byte("hello acceptor"), true, 0)
	require.NoError(t, err)
	assert.True(t, encrypted)

	plain, wasEncrypted, _, err := server.Unwrap(wrapped)
	require.NoError(t, err)
	assert.True(t, wasEncrypted)
	assert.Equal(t, []byte("hello acceptor"), plain)

	mic, err := server.Sign([]byte("reply"), 0)
	require.NoError(t, err)
	_, err = client.Verify([]byte("reply"), mic)
	require.NoError(t, err)
}

func TestFullHandshakeRejectsUnknownUser(t *testing.T) {
	lookup := func(username, domain string) ([16]byte, bool) { return [16]byte{}, false }

	client, err := New(Config{Username: "mallory", Password: "x", Domain: "CORP"}, UsageInitiate)
	require.NoError(t, err)
	server, err := New(Config{AcceptorName: "FILESERVER", Lookup: lookup}, UsageAccept)
	require.NoError(t, err)

	negotiate, err := client.Step(nil)
	require.NoError(t, err)
	challenge, err := server.Step(negotiate)
	require.NoError(t, err)
	authenticate, err := client.Step(challenge)
	require.NoError(t, err)

	_, err = server.Step(authenticate)
	require.Error(t, err)
}

func TestNewRequiresLookupForAcceptor(t *testing.T) {
	_, err := New(Config{}, UsageAccept)
	require.Error(t, err)
}

func TestLoadUserFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.txt")
	content := "# comment\n\nCORP:alice:hunter2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	lookup, err := LoadUserFile(path)
	require.NoError(t, err)

	got, ok := lookup("alice", "CORP")
	require.True(t, ok)
	assert.Equal(t, ntowfv1("hunter2"), got)

	_, ok = lookup("bob", "CORP")
	assert.False(t, ok)
}
