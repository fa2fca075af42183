// SPDX-License-Identifier: Apache-2.0

package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamarituc/pyspnego"
)

// challengeThenAcceptHandler issues a 401 Negotiate challenge on the first
// request of a test run and accepts any well-formed "Negotiate <base64>"
// token on the second, the way a real Negotiate-protected endpoint accepts
// a caller once its context-establishment token exchange is recognizable
// (full cryptographic validation is exercised by the spnego and ntlm
// package tests, not by this HTTP-transport layer).
func challengeThenAcceptHandler() http.HandlerFunc {
	seen := false
	return func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		if !seen || !strings.HasPrefix(authz, "Negotiate ") {
			seen = true
			w.Header().Set("WWW-Authenticate", "Negotiate")
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

func TestClientDoSendsNegotiateAfter401(t *testing.T) {
	srv := httptest.NewServer(challengeThenAcceptHandler())
	defer srv.Close()

	client := NewClient(
		WithCredential(spnego.Credential{Username: "alice", Password: "hunter2", Domain: "CORP"}),
		WithProtocol(spnego.ProtocolNTLM),
		WithOptions(spnego.OptUseNTLMBuiltin),
	)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClientDoPreemptiveSkipsChallenge(t *testing.T) {
	var gotAuthz string
	handler := func(w http.ResponseWriter, r *http.Request) {
		gotAuthz = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}
	srv := httptest.NewServer(http.HandlerFunc(handler))
	defer srv.Close()

	client := NewClient(
		WithCredential(spnego.Credential{Username: "alice", Password: "hunter2", Domain: "CORP"}),
		WithProtocol(spnego.ProtocolNTLM),
		WithOptions(spnego.OptUseNTLMBuiltin),
		WithPreemptive(),
	)

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(gotAuthz, "Negotiate "))
}

func TestDefaultSpnFunc(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "https://fileserver.example.com:8443/path", nil)
	require.NoError(t, err)
	assert.Equal(t, "http@fileserver.example.com", defaultSpnFunc(*req.URL))
}
