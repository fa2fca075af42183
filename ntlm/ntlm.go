// SPDX-License-Identifier: Apache-2.0

package ntlm

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hamarituc/pyspnego/internal/backend"
)

type backendUsage int

const (
	UsageInitiate backendUsage = iota
	UsageAccept
)

// CredentialLookup resolves a username/domain pair to its NT hash for the
// acceptor side. It mirrors the NTLM_USER_FILE environment convention: a
// text file of "domain:user:password" lines, hashed with NTOWFv1 once by
// LoadUserFile and consulted here.
type CredentialLookup func(username, domain string) (ntHash [16]byte, ok bool)

// Config supplies the material a Context needs to play either side of the
// NTLM handshake.
type Config struct {
	// Username/Password/Domain/Workstation identify the initiator.
	Username    string
	Password    string
	Domain      string
	Workstation string

	// AcceptorName is the acceptor's TargetName, returned in its CHALLENGE
	// message (e.g. the NetBIOS hostname of the service).
	AcceptorName string

	// Lookup resolves inbound usernames to NT hashes. Required for the
	// acceptor.
	Lookup CredentialLookup
}

// Context implements backend.Context for the NTLM mechanism.
type Context struct {
	cfg   Config
	usage backendUsage

	complete bool
	step     int

	serverChallenge [8]byte
	clientChallenge [8]byte
	timestamp       uint64
	targetInfo      []byte

	sessionKey []byte
	signKey    []byte
	verifyKey  []byte
	seqOut     uint32
	seqIn      uint32
}

// New constructs an NTLM Context for one side of the handshake.
func New(cfg Config, usage backendUsage) (*Context, error) {
	if usage == UsageAccept && cfg.Lookup == nil {
		return nil, fmt.Errorf("ntlm: acceptor requires a credential lookup")
	}
	return &Context{cfg: cfg, usage: usage}, nil
}

// LoadUserFile parses the NTLM_USER_FILE format (one "domain:user:password"
// record per line, blank lines and '#' comments ignored) into a
// CredentialLookup, hashing each password with the same NTOWFv1 used by the
// initiator side so the two sides' session keys agree.
func LoadUserFile(path string) (CredentialLookup, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ntlm: open user file: %w", err)
	}
	defer f.Close()

	type key struct{ user, domain string }
	users := map[key][16]byte{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		domain, user, password := parts[0], parts[1], parts[2]
		users[key{user, domain}] = ntowfv1(password)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ntlm: read user file: %w", err)
	}

	return func(username, domain string) ([16]byte, bool) {
		h, ok := users[key{username, domain}]
		return h, ok
	}, nil
}

// AvailableProtocols implements backend.Context.
func (c *Context) AvailableProtocols() []string { return []string{"ntlm"} }

// Complete implements backend.Context.
func (c *Context) Complete() bool { return c.complete }

// Step implements backend.Context. The initiator sends NEGOTIATE, consumes
// CHALLENGE, and sends AUTHENTICATE to complete. The acceptor consumes
// NEGOTIATE, sends CHALLENGE, and consumes AUTHENTICATE to complete.
func (c *Context) Step(inToken []byte) ([]byte, error) {
	if c.usage == UsageInitiate {
		return c.stepInitiate(inToken)
	}
	return c.stepAccept(inToken)
}

func (c *Context) stepInitiate(inToken []byte) ([]byte, error) {
	switch c.step {
	case 0:
		c.step = 1
		return BuildNegotiate(c.cfg.Domain, c.cfg.Workstation), nil
	case 1:
		challenge, err := ParseChallenge(inToken)
		if err != nil {
			return nil, fmt.Errorf("ntlm: %w", err)
		}
		if _, err := rand.Read(c.clientChallenge[:]); err != nil {
			return nil, fmt.Errorf("ntlm: generate client challenge: %w", err)
		}
		timestamp, ok := parseAvPairTimestamp(challenge.TargetInfo)
		if !ok {
			timestamp = uint64(time.Now().UnixNano()/100) + epochDiff
		}

		ntHash := ntowfv1(c.cfg.Password)
		ntResponse := buildNTLMv2Response(ntHash, c.cfg.Username, c.cfg.Domain, challenge.ServerChallenge, timestamp, c.clientChallenge, challenge.TargetInfo)
		sessionBaseKey := sessionBaseKeyV2(ntHash, c.cfg.Username, c.cfg.Domain, ntResponse[:16])

		var encryptedKey []byte
		flags := challenge.Flags
		if flags&FlagKeyExch != 0 {
			exported := make([]byte, 16)
			if _, err := rand.Read(exported); err != nil {
				return nil, fmt.Errorf("ntlm: generate exported session key: %w", err)
			}
			enc, err := rc4Crypt(sessionBaseKey[:], exported)
			if err != nil {
				return nil, fmt.Errorf("ntlm: wrap exported session key: %w", err)
			}
			encryptedKey = enc
			c.sessionKey = exported
		} else {
			c.sessionKey = sessionBaseKey[:]
		}

		c.signKey = deriveKey(c.sessionKey, clientSigningMagic)
		c.verifyKey = deriveKey(c.sessionKey, serverSigningMagic)

		out := BuildAuthenticate(c.cfg.Domain, c.cfg.Username, c.cfg.Workstation, nil, ntResponse, encryptedKey, flags)
		c.step = 2
		c.complete = true
		return out, nil
	default:
		return nil, fmt.Errorf("ntlm: handshake already complete")
	}
}

func (c *Context) stepAccept(inToken []byte) ([]byte, error) {
	switch c.step {
	case 0:
		if _, err := ParseNegotiate(inToken); err != nil {
			return nil, fmt.Errorf("ntlm: %w", err)
		}
		if _, err := rand.Read(c.serverChallenge[:]); err != nil {
			return nil, fmt.Errorf("ntlm: generate server challenge: %w", err)
		}
		c.timestamp = uint64(time.Now().UnixNano()/100) + epochDiff
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = c.cfg.AcceptorName
		}
		out := BuildChallenge(c.cfg.AcceptorName, "WORKGROUP", strings.ToUpper(hostname), strings.ToLower(hostname), "local", c.serverChallenge, c.timestamp)
		c.step = 1
		return out, nil
	case 1:
		auth, err := ParseAuthenticate(inToken)
		if err != nil {
			return nil, fmt.Errorf("ntlm: %w", err)
		}
		ntHash, ok := c.cfg.Lookup(auth.Username, auth.Domain)
		if !ok {
			return nil, fmt.Errorf("ntlm: unknown user %q", auth.Username)
		}
		sessionBaseKey, err := validateNTLMv2Response(ntHash, auth.Username, auth.Domain, c.serverChallenge, auth.NtChallengeResponse)
		if err != nil {
			return nil, fmt.Errorf("ntlm: %w", err)
		}

		if auth.NegotiateFlags&FlagKeyExch != 0 && len(auth.EncryptedRandomSessionKey) == 16 {
			exported, err := rc4Crypt(sessionBaseKey[:], auth.EncryptedRandomSessionKey)
			if err != nil {
				return nil, fmt.Errorf("ntlm: unwrap exported session key: %w", err)
			}
			c.sessionKey = exported
		} else {
			c.sessionKey = sessionBaseKey[:]
		}

		c.signKey = deriveKey(c.sessionKey, serverSigningMagic)
		c.verifyKey = deriveKey(c.sessionKey, clientSigningMagic)
		c.complete = true
		c.step = 2
		return nil, nil
	default:
		return nil, fmt.Errorf("ntlm: handshake already complete")
	}
}

// SessionKey implements backend.Context.
func (c *Context) SessionKey() ([]byte, error) {
	if !c.complete {
		return nil, fmt.Errorf("ntlm: security context is not complete")
	}
	return c.sessionKey, nil
}

// NegotiatedProtocol implements backend.Context.
func (c *Context) NegotiatedProtocol() (string, error) {
	if !c.complete {
		return "", fmt.Errorf("ntlm: security context is not complete")
	}
	return "ntlm", nil
}

// Wrap implements backend.Context using NTLM2 session security (RC4 sealing
// with a MIC appended, RFC 4121-style). encrypt=false signs without sealing.
func (c *Context) Wrap(data []byte, encrypt bool, qop backend.QoP) ([]byte, bool, error) {
	if !c.complete {
		return nil, false, fmt.Errorf("ntlm: security context is not complete")
	}
	if !encrypt {
		mic, err := c.Sign(data, qop)
		if err != nil {
			return nil, false, err
		}
		return append(append([]byte{}, data...), mic...), false, nil
	}
	sealKeyMagic := clientSealingMagic
	if c.usage == UsageAccept {
		sealKeyMagic = serverSealingMagic
	}
	sealed, err := rc4Crypt(deriveKey(c.sessionKey, sealKeyMagic), data)
	if err != nil {
		return nil, false, fmt.Errorf("ntlm: wrap: %w", err)
	}
	mic := sign(c.signKey, c.seqOut, data)
	c.seqOut++
	return append(sealed, mic...), true, nil
}

// Unwrap implements backend.Context, the inverse of Wrap.
func (c *Context) Unwrap(data []byte) ([]byte, bool, backend.QoP, error) {
	if !c.complete {
		return nil, false, 0, fmt.Errorf("ntlm: security context is not complete")
	}
	if len(data) < 16 {
		return nil, false, 0, fmt.Errorf("ntlm: unwrap: token too short")
	}
	sealed, mic := data[:len(data)-16], data[len(data)-16:]

	// A Wrap with encrypt=false leaves the data in the clear, so a MIC that
	// verifies over the bytes as received marks a signed-only token.
	if verifySignature(c.verifyKey, c.seqIn, sealed, mic) {
		c.seqIn++
		return append([]byte{}, sealed...), false, 0, nil
	}

	sealKeyMagic := serverSealingMagic
	if c.usage == UsageAccept {
		sealKeyMagic = clientSealingMagic
	}
	plain, err := rc4Crypt(deriveKey(c.sessionKey, sealKeyMagic), sealed)
	if err != nil {
		return nil, false, 0, fmt.Errorf("ntlm: unwrap: %w", err)
	}
	if !verifySignature(c.verifyKey, c.seqIn, plain, mic) {
		return nil, false, 0, fmt.Errorf("ntlm: unwrap: mic verification failed")
	}
	c.seqIn++
	return plain, true, 0, nil
}

// Sign implements backend.Context (GSS_GetMIC).
func (c *Context) Sign(data []byte, qop backend.QoP) ([]byte, error) {
	if !c.complete {
		return nil, fmt.Errorf("ntlm: security context is not complete")
	}
	mic := sign(c.signKey, c.seqOut, data)
	c.seqOut++
	return mic, nil
}

// Verify implements backend.Context, the inverse of Sign.
func (c *Context) Verify(data, mic []byte) (backend.QoP, error) {
	if !c.complete {
		return 0, fmt.Errorf("ntlm: security context is not complete")
	}
	if !verifySignature(c.verifyKey, c.seqIn, data, mic) {
		return 0, fmt.Errorf("ntlm: mic verification failed")
	}
	c.seqIn++
	return 0, nil
}

// RequiresMechListMIC implements backend.Context. NTLM's own token exchange
// carries no binding to the mechanism list it was negotiated under, so
// SPNEGO must add one (RFC 4178 §5).
func (c *Context) RequiresMechListMIC() bool { return true }

// IOVAvailable implements backend.Context. Scatter/gather wrap/unwrap is not
// wired for this backend.
func (c *Context) IOVAvailable() bool { return false }

// ResetSequence implements backend.Context, restarting the signing sequence
// counter used by Wrap/Sign (outgoing) or Unwrap/Verify (incoming).
func (c *Context) ResetSequence(outgoing bool) {
	if outgoing {
		c.seqOut = 0
		return
	}
	c.seqIn = 0
}
