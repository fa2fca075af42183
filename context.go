// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hamarituc/pyspnego/internal/backend"
	"github.com/hamarituc/pyspnego/negotiate"
	"github.com/hamarituc/pyspnego/ntlm"
)

// QoP is a backend-defined quality-of-protection value; zero is always the
// default for Sign/Verify/Wrap/Unwrap.
type QoP = backend.QoP

// SecContext is the caller-facing security context surface, per spec.md §6.
// Client and Server both return a *Context, which implements it.
type SecContext interface {
	// Step drives the handshake: it consumes a token from the peer (nil on
	// the initiator's first call) and returns the next token to send, or nil
	// once there is nothing more to send.
	Step(inToken []byte) (outToken []byte, err error)

	// Wrap encrypts (if encrypt is true) and/or integrity-protects data.
	Wrap(data []byte, encrypt bool, qop QoP) (wrapped []byte, encrypted bool, err error)

	// Unwrap reverses Wrap.
	Unwrap(data []byte) (unwrapped []byte, encrypted bool, qop QoP, err error)

	// Sign produces a detached MIC over data.
	Sign(data []byte, qop QoP) (mic []byte, err error)

	// Verify checks a detached MIC produced by the peer's Sign.
	Verify(data, mic []byte) (qop QoP, err error)

	// Complete reports whether the handshake has finished.
	Complete() bool

	// SessionKey returns mechanism-defined key material derived once the
	// context is complete. Returns ErrNotComplete beforehand.
	SessionKey() ([]byte, error)

	// NegotiatedProtocol returns the canonical protocol name once complete.
	// Returns ErrNotComplete beforehand.
	NegotiatedProtocol() (string, error)

	// ContextAttr returns the protection flags requested at construction,
	// masked to the set this package understands.
	ContextAttr() ContextFlag
}

// Context is the concrete SecContext returned by Client and Server. It
// delegates every operation to the backend chosen by the context factory
// (component E, selector.go), per SPEC_FULL.md §4.5.
//
// A Context is not safe for concurrent use: callers must serialize Step
// calls and the per-message operations.
type Context struct {
	backend        backend.Context
	usage          Usage
	flags          ContextFlag
	channelBinding ChannelBinding
}

// params collects the functional options applied by Client/Server before the
// selector builds a backend.
type params struct {
	cred           Credential
	protocol       Protocol
	options        Options
	flags          ContextFlag
	channelBinding ChannelBinding
	ntlmLookup     ntlm.CredentialLookup
	logger         *slog.Logger
}

func newParams() *params {
	return &params{protocol: ProtocolNegotiate}
}

// Option configures a Client or Server context, in the functional-option
// style.
type Option func(*params)

// WithCredential supplies the identity used to build the selected backend.
func WithCredential(cred Credential) Option {
	return func(p *params) { p.cred = cred }
}

// WithProtocol selects which underlying or negotiation protocol to request,
// per spec.md §4.4. The default is ProtocolNegotiate.
func WithProtocol(protocol Protocol) Option {
	return func(p *params) { p.protocol = protocol }
}

// WithOptions sets the selector option bitset (forced-backend bits and
// capability requests), per spec.md §4.4.
func WithOptions(options Options) Option {
	return func(p *params) { p.options = options }
}

// WithContextFlags records the requested protection flags, masked to the
// known set and surfaced back through ContextAttr.
func WithContextFlags(flags ContextFlag) Option {
	return func(p *params) { p.flags = flags & contextFlagKnownMask }
}

// WithChannelBinding attaches transport channel-binding data to the context.
// It is carried opaquely; no backend in this module currently consumes it.
func WithChannelBinding(cb ChannelBinding) Option {
	return func(p *params) { p.channelBinding = cb }
}

// WithNTLMCredentialLookup supplies the acceptor-side NTLM credential
// resolver directly, bypassing the NTLM_USER_FILE environment convention.
func WithNTLMCredentialLookup(lookup ntlm.CredentialLookup) Option {
	return func(p *params) { p.ntlmLookup = lookup }
}

// WithLogger overrides the module-default logger (slog.Default()).
func WithLogger(logger *slog.Logger) Option {
	return func(p *params) { p.logger = logger }
}

// canonicalSPN implements spec.md §4.5's SPN canonicalization:
// lowercase(service) + "@" + hostname.
func canonicalSPN(service, hostname string) string {
	return strings.ToLower(service) + "@" + hostname
}

// Client constructs an initiator security context for the named service on
// hostname (e.g. service="http", hostname="web.example.com").
func Client(hostname, service string, opts ...Option) (*Context, error) {
	p := newParams()
	for _, o := range opts {
		o(p)
	}

	cfg := selectorConfig{
		cred:          p.cred,
		spn:           canonicalSPN(service, hostname),
		protocol:      p.protocol,
		options:       p.options,
		acceptorRealm: p.cred.Domain,
		ntlmLookup:    p.ntlmLookup,
		logger:        p.logger,
	}
	b, err := newContext(UsageInitiate, cfg)
	if err != nil {
		return nil, err
	}
	return &Context{backend: b, usage: UsageInitiate, flags: p.flags, channelBinding: p.channelBinding}, nil
}

// Server constructs an acceptor security context for the named service
// identity (e.g. service="http", hostname="web.example.com").
//
// If no NTLM credential lookup was supplied via WithNTLMCredentialLookup and
// the NTLM_USER_FILE environment variable names a "domain:user:password"
// text file, it is loaded and used to validate inbound NTLM AUTHENTICATE
// messages, per spec.md §6.
func Server(hostname, service string, opts ...Option) (*Context, error) {
	p := newParams()
	for _, o := range opts {
		o(p)
	}

	if p.ntlmLookup == nil {
		if path := os.Getenv("NTLM_USER_FILE"); path != "" {
			lookup, err := ntlm.LoadUserFile(path)
			if err != nil {
				return nil, fmt.Errorf("spnego: %w", err)
			}
			p.ntlmLookup = lookup
		}
	}

	cfg := selectorConfig{
		cred:          p.cred,
		spn:           canonicalSPN(service, hostname),
		protocol:      p.protocol,
		options:       p.options,
		acceptorName:  service,
		acceptorRealm: p.cred.Domain,
		ntlmLookup:    p.ntlmLookup,
		logger:        p.logger,
	}
	b, err := newContext(UsageAccept, cfg)
	if err != nil {
		return nil, err
	}
	return &Context{backend: b, usage: UsageAccept, flags: p.flags, channelBinding: p.channelBinding}, nil
}

// Step implements SecContext.
func (c *Context) Step(inToken []byte) ([]byte, error) {
	out, err := c.backend.Step(inToken)
	if err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// Wrap implements SecContext.
func (c *Context) Wrap(data []byte, encrypt bool, qop QoP) ([]byte, bool, error) {
	out, encrypted, err := c.backend.Wrap(data, encrypt, qop)
	if err != nil {
		return nil, false, translateError(err)
	}
	return out, encrypted, nil
}

// Unwrap implements SecContext.
func (c *Context) Unwrap(data []byte) ([]byte, bool, QoP, error) {
	out, encrypted, qop, err := c.backend.Unwrap(data)
	if err != nil {
		return nil, false, 0, translateError(err)
	}
	return out, encrypted, qop, nil
}

// Sign implements SecContext.
func (c *Context) Sign(data []byte, qop QoP) ([]byte, error) {
	mic, err := c.backend.Sign(data, qop)
	if err != nil {
		return nil, translateError(err)
	}
	return mic, nil
}

// Verify implements SecContext.
func (c *Context) Verify(data, mic []byte) (QoP, error) {
	qop, err := c.backend.Verify(data, mic)
	if err != nil {
		return 0, translateError(err)
	}
	return qop, nil
}

// Complete implements SecContext.
func (c *Context) Complete() bool { return c.backend.Complete() }

// SessionKey implements SecContext.
func (c *Context) SessionKey() ([]byte, error) {
	if !c.backend.Complete() {
		return nil, ErrNotComplete
	}
	key, err := c.backend.SessionKey()
	if err != nil {
		return nil, translateError(err)
	}
	return key, nil
}

// NegotiatedProtocol implements SecContext.
func (c *Context) NegotiatedProtocol() (string, error) {
	if !c.backend.Complete() {
		return "", ErrNotComplete
	}
	proto, err := c.backend.NegotiatedProtocol()
	if err != nil {
		return "", translateError(err)
	}
	return proto, nil
}

// ContextAttr implements SecContext. It reflects the flags requested at
// construction; this module does not track per-mechanism flag achievement,
// so the value does not change once the context completes.
func (c *Context) ContextAttr() ContextFlag { return c.flags }

// RequiresMechListMIC reports whether the negotiated mechanism demanded
// SPNEGO mechListMIC protection (spec.md §4.1, §4.3 Phase 3). Always false
// for a context built by forcing a single backend directly, since no SPNEGO
// layer is present to protect in that case.
func (c *Context) RequiresMechListMIC() bool {
	if _, ok := c.backend.(*negotiate.Machine); !ok {
		return false
	}
	return c.backend.RequiresMechListMIC()
}

// translateError maps errors from the negotiate state machine onto this
// package's sentinel errors (spec.md §7), leaving backend-specific errors
// from a directly-selected Kerberos/NTLM context (no SPNEGO layer in front
// of it) unchanged, since those never pass through negotiate's reject/MIC
// bookkeeping in the first place.
func translateError(err error) error {
	switch {
	case negotiate.ErrRejected(err):
		return fmt.Errorf("%w: %v", ErrNegotiationRejected, err)
	case negotiate.ErrNoCommonMechanism(err):
		return fmt.Errorf("%w: %v", ErrNoCommonMechanism, err)
	case negotiate.ErrInvalidToken(err):
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case negotiate.ErrIntegrityFailure(err):
		return fmt.Errorf("%w: %v", ErrIntegrityFailure, err)
	case negotiate.ErrNotComplete(err):
		return fmt.Errorf("%w: %v", ErrNotComplete, err)
	default:
		return err
	}
}
