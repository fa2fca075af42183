// SPDX-License-Identifier: Apache-2.0

// Package krb5 implements the Kerberos v5 GSS-API mechanism backend
// (component G, SPEC_FULL.md §4.6) on top of github.com/jcmturner/gokrb5/v8.
//
// Only the initiator side builds a real AP-REQ against a KDC (via a
// password- or keytab-derived client.Client); the acceptor side verifies an
// AP-REQ against a service keytab. Both wrap the underlying Kerberos
// messages in the minimal GSS-API krb5 mechanism token framing (RFC 4121
// §4.1): a two-byte TOK_ID followed by the DER-encoded AP-REQ/AP-REP.
package krb5

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/credentials"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/hamarituc/pyspnego/internal/backend"
)

// Token IDs for the GSS-API Kerberos v5 mechanism, RFC 4121 §4.1.
var (
	tokIDAPReq = [2]byte{0x01, 0x00}
	tokIDAPRep = [2]byte{0x02, 0x00}
)

// Config supplies the material a Context needs to either request or verify
// a service ticket.
type Config struct {
	// SPN is the target service principal name, already in "service@host"
	// form (spec.md §4.4's _create_spn convention). Required for the
	// initiator.
	SPN string

	// Realm is the Kerberos realm used to qualify SPN when it carries no
	// realm component of its own.
	Realm string

	// Username/Password/Domain select a password-based client.Client for the
	// initiator. Username alone (Keytab nil) uses the default credential
	// cache instead (KRB5CCNAME), matching kinit-managed tickets.
	Username string
	Password string
	Domain   string

	// Keytab, when set, is used instead of Username/Password: as the
	// initiator's own keytab (for a service account), or as the acceptor's
	// keytab to decrypt inbound AP-REQs.
	Keytab *keytab.Keytab

	// AcceptorName/AcceptorRealm identify the acceptor's own principal,
	// required to build a Context for UsageAccept.
	AcceptorName  string
	AcceptorRealm string

	// KrbConfig is the parsed krb5.conf. If nil, config.Load("/etc/krb5.conf")
	// is used.
	KrbConfig *config.Config
}

// Context implements backend.Context for the Kerberos v5 mechanism.
type Context struct {
	cfg    Config
	usage  backendUsage
	client *client.Client

	complete   bool
	sessionKey types.EncryptionKey
	apReq      messages.APReq

	// mutualAuthPending is set once the initiator has sent its AP-REQ and
	// is awaiting the acceptor's AP-REP to finish mutual authentication.
	mutualAuthPending bool
}

type backendUsage int

const (
	UsageInitiate backendUsage = iota
	UsageAccept
)

// New constructs a Kerberos Context for one side of the handshake.
func New(cfg Config, usage backendUsage) (*Context, error) {
	if usage == UsageInitiate && cfg.SPN == "" {
		return nil, fmt.Errorf("krb5: SPN is required for the initiator")
	}
	return &Context{cfg: cfg, usage: usage}, nil
}

// AvailableProtocols implements backend.Context.
func (c *Context) AvailableProtocols() []string { return []string{"kerberos"} }

// Complete implements backend.Context.
func (c *Context) Complete() bool { return c.complete }

// Step implements backend.Context. The initiator's first call (inToken nil)
// acquires a service ticket and returns the wrapped AP-REQ; a subsequent
// call consuming the acceptor's AP-REP completes mutual authentication. The
// acceptor's only call verifies the inbound AP-REQ and returns the wrapped
// AP-REP.
func (c *Context) Step(inToken []byte) ([]byte, error) {
	if c.usage == UsageInitiate {
		return c.stepInitiate(inToken)
	}
	return c.stepAccept(inToken)
}

func (c *Context) stepInitiate(inToken []byte) ([]byte, error) {
	if c.mutualAuthPending {
		if err := c.verifyAPRep(inToken); err != nil {
			return nil, err
		}
		c.mutualAuthPending = false
		c.complete = true
		return nil, nil
	}

	cl, err := c.krbClient()
	if err != nil {
		return nil, fmt.Errorf("krb5: %w", err)
	}
	c.client = cl

	tkt, key, err := cl.GetServiceTicket(c.cfg.SPN)
	if err != nil {
		return nil, fmt.Errorf("krb5: get service ticket for %s: %w", c.cfg.SPN, err)
	}
	c.sessionKey = key

	auth, err := types.NewAuthenticator(tkt.Realm, cl.Credentials.CName())
	if err != nil {
		return nil, fmt.Errorf("krb5: new authenticator: %w", err)
	}
	// RFC 4121 §4.1.1 authenticator checksum: Lgth=16, an all-zero channel
	// binding hash, then the context flags (GSS_C_MUTUAL_FLAG = 2).
	cksum := make([]byte, 24)
	binary.LittleEndian.PutUint32(cksum[0:4], 16)
	binary.LittleEndian.PutUint32(cksum[20:24], 2)
	auth.Cksum = types.Checksum{CksumType: 0x8003, Checksum: cksum}

	apReq, err := messages.NewAPReq(tkt, key, auth)
	if err != nil {
		return nil, fmt.Errorf("krb5: new AP-REQ: %w", err)
	}
	c.apReq = apReq

	body, err := apReq.Marshal()
	if err != nil {
		return nil, fmt.Errorf("krb5: marshal AP-REQ: %w", err)
	}

	// Mutual authentication is always requested (the checksum flags above
	// carry GSS_C_MUTUAL_FLAG); stay incomplete until the AP-REP arrives.
	c.mutualAuthPending = true
	return wrapToken(tokIDAPReq, body), nil
}

func (c *Context) stepAccept(inToken []byte) ([]byte, error) {
	body, tokID, err := unwrapToken(inToken)
	if err != nil {
		return nil, fmt.Errorf("krb5: %w", err)
	}
	if tokID != tokIDAPReq {
		return nil, fmt.Errorf("krb5: expected AP-REQ token, got tok_id %s", hex.EncodeToString(tokID[:]))
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("krb5: unmarshal AP-REQ: %w", err)
	}
	if c.cfg.Keytab == nil {
		return nil, fmt.Errorf("krb5: acceptor requires a keytab")
	}

	sname := types.NewPrincipalName(types.NT_PRINCIPAL, c.cfg.AcceptorName)
	if err := apReq.Ticket.DecryptEncPart(*c.cfg.Keytab, &sname); err != nil {
		return nil, fmt.Errorf("krb5: decrypt AP-REQ ticket: %w", err)
	}
	// A production acceptor additionally verifies the authenticator's
	// encrypted timestamp against a replay cache; this is deferred here in
	// favor of ticket decryption succeeding as the acceptance criterion.
	c.apReq = apReq
	c.sessionKey = apReq.Ticket.DecryptedEncPart.Key

	apRep, err := messages.NewAPRep(apReq, c.sessionKey)
	if err != nil {
		return nil, fmt.Errorf("krb5: new AP-REP: %w", err)
	}
	body, err = apRep.Marshal()
	if err != nil {
		return nil, fmt.Errorf("krb5: marshal AP-REP: %w", err)
	}

	c.complete = true
	return wrapToken(tokIDAPRep, body), nil
}

func (c *Context) verifyAPRep(inToken []byte) error {
	body, tokID, err := unwrapToken(inToken)
	if err != nil {
		return fmt.Errorf("krb5: %w", err)
	}
	if tokID != tokIDAPRep {
		return fmt.Errorf("krb5: expected AP-REP token, got tok_id %s", hex.EncodeToString(tokID[:]))
	}

	var apRep messages.APRep
	if err := apRep.Unmarshal(body); err != nil {
		return fmt.Errorf("krb5: unmarshal AP-REP: %w", err)
	}
	if err := apRep.DecryptEncPart(c.sessionKey); err != nil {
		return fmt.Errorf("krb5: decrypt AP-REP: %w", err)
	}
	return nil
}

// SessionKey implements backend.Context.
func (c *Context) SessionKey() ([]byte, error) {
	if !c.complete {
		return nil, fmt.Errorf("krb5: security context is not complete")
	}
	return c.sessionKey.KeyValue, nil
}

// NegotiatedProtocol implements backend.Context.
func (c *Context) NegotiatedProtocol() (string, error) {
	if !c.complete {
		return "", fmt.Errorf("krb5: security context is not complete")
	}
	return "kerberos", nil
}

// Wrap implements backend.Context using the session key's enctype-specific
// keyed encryption/checksum (GSS_Wrap, RFC 4121 §4.2.4).
func (c *Context) Wrap(data []byte, encrypt bool, qop backend.QoP) ([]byte, bool, error) {
	if !c.complete {
		return nil, false, fmt.Errorf("krb5: security context is not complete")
	}
	if !encrypt {
		mic, err := c.Sign(data, qop)
		if err != nil {
			return nil, false, err
		}
		return append(append([]byte{}, data...), mic...), false, nil
	}
	ct, err := crypto.GetEtype(c.sessionKey.KeyType)
	if err != nil {
		return nil, false, fmt.Errorf("krb5: %w", err)
	}
	wrapped, err := ct.EncryptMessage(c.sessionKey.KeyValue, data, keyUsageWrapSeal)
	if err != nil {
		return nil, false, fmt.Errorf("krb5: wrap: %w", err)
	}
	return wrapped, true, nil
}

// Unwrap implements backend.Context, the inverse of Wrap.
func (c *Context) Unwrap(data []byte) ([]byte, bool, backend.QoP, error) {
	if !c.complete {
		return nil, false, 0, fmt.Errorf("krb5: security context is not complete")
	}
	ct, err := crypto.GetEtype(c.sessionKey.KeyType)
	if err != nil {
		return nil, false, 0, fmt.Errorf("krb5: %w", err)
	}
	plain, err := ct.DecryptMessage(c.sessionKey.KeyValue, data, keyUsageWrapSeal)
	if err != nil {
		return nil, false, 0, fmt.Errorf("krb5: unwrap: %w", err)
	}
	return plain, true, 0, nil
}

// Sign implements backend.Context using a keyed checksum over data (GSS_GetMIC).
func (c *Context) Sign(data []byte, qop backend.QoP) ([]byte, error) {
	if !c.complete {
		return nil, fmt.Errorf("krb5: security context is not complete")
	}
	ct, err := crypto.GetChksumEtype(c.sessionKey.KeyType)
	if err != nil {
		return nil, fmt.Errorf("krb5: %w", err)
	}
	mic, err := ct.GetChecksumHash(c.sessionKey.KeyValue, data, keyUsageMIC)
	if err != nil {
		return nil, fmt.Errorf("krb5: sign: %w", err)
	}
	return mic, nil
}

// Verify implements backend.Context, the inverse of Sign.
func (c *Context) Verify(data, mic []byte) (backend.QoP, error) {
	if !c.complete {
		return 0, fmt.Errorf("krb5: security context is not complete")
	}
	ct, err := crypto.GetChksumEtype(c.sessionKey.KeyType)
	if err != nil {
		return 0, fmt.Errorf("krb5: %w", err)
	}
	ok, err := ct.VerifyChecksum(c.sessionKey.KeyValue, data, mic, keyUsageMIC)
	if err != nil {
		return 0, fmt.Errorf("krb5: verify: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("krb5: mic verification failed")
	}
	return 0, nil
}

// RequiresMechListMIC implements backend.Context. Kerberos never requires
// SPNEGO-level mechListMIC protection: its own AP-REQ/AP-REP exchange is
// already integrity protected.
func (c *Context) RequiresMechListMIC() bool { return false }

// IOVAvailable implements backend.Context. Scatter/gather wrap/unwrap is not
// wired for this backend.
func (c *Context) IOVAvailable() bool { return false }

// ResetSequence implements backend.Context. Kerberos message tokens here
// carry no running sequence counter, so this is a no-op.
func (c *Context) ResetSequence(outgoing bool) {}

const (
	keyUsageWrapSeal = 24 // RFC 4121 §2: KG-USAGE-INITIATOR-SEAL; used here for wrap tokens in both directions.
	keyUsageMIC      = 23 // RFC 4121 §2: KG-USAGE-ACCEPTOR-SIGN; used here for MIC tokens in both directions.
)

func (c *Context) krbClient() (*client.Client, error) {
	cfg := c.cfg.KrbConfig
	if cfg == nil {
		loaded, err := config.Load("/etc/krb5.conf")
		if err != nil {
			return nil, fmt.Errorf("load krb5.conf: %w", err)
		}
		cfg = loaded
	}

	if c.cfg.Keytab != nil {
		return client.NewWithKeytab(c.cfg.Username, c.cfg.Domain, c.cfg.Keytab, cfg), nil
	}
	if c.cfg.Password != "" {
		return client.NewWithPassword(c.cfg.Username, c.cfg.Domain, c.cfg.Password, cfg), nil
	}

	ccache, err := credentials.LoadCCache(credentialsCachePath())
	if err != nil {
		return nil, fmt.Errorf("load ccache: %w", err)
	}
	return client.NewFromCCache(ccache, cfg)
}

// credentialsCachePath resolves the ccache path the same way kinit-managed
// tools do: KRB5CCNAME (stripping an optional "FILE:" prefix), falling back
// to the per-uid default under /tmp.
func credentialsCachePath() string {
	if v := os.Getenv("KRB5CCNAME"); v != "" {
		return strings.TrimPrefix(v, "FILE:")
	}
	return "/tmp/krb5cc_" + strconv.Itoa(os.Getuid())
}

func wrapToken(tokID [2]byte, body []byte) []byte {
	out := make([]byte, 2+len(body))
	copy(out, tokID[:])
	copy(out[2:], body)
	return out
}

func unwrapToken(in []byte) (body []byte, tokID [2]byte, err error) {
	if len(in) < 2 {
		return nil, tokID, fmt.Errorf("token too short")
	}
	copy(tokID[:], in[:2])
	return in[2:], tokID, nil
}
