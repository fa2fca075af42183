// SPDX-License-Identifier: Apache-2.0

package spnego

import (
	"fmt"
	"log/slog"

	"github.com/hamarituc/pyspnego/internal/backend"
	"github.com/hamarituc/pyspnego/krb5"
	"github.com/hamarituc/pyspnego/negotiate"
	"github.com/hamarituc/pyspnego/ntlm"
)

// selectorConfig carries everything the selector needs to build a backend,
// gathered from Credential plus the Option values applied by Client/Server.
type selectorConfig struct {
	cred          Credential
	spn           string
	protocol      Protocol
	options       Options
	acceptorName  string
	acceptorRealm string
	ntlmLookup    ntlm.CredentialLookup
	logger        *slog.Logger
}

// newContext resolves protocol and options into a backend.Context, following
// the selection rule of spec.md §4.4. This module carries no platform
// SSPI/GSSAPI binding, so steps 2-3 of that rule (prefer the platform
// provider) never apply: use_native_sspi/use_gssapi always resolve to
// ErrUnavailable, and protocol=kerberos always uses the builtin backend.
func newContext(usage Usage, cfg selectorConfig) (backend.Context, error) {
	if cfg.options&(OptUseNativeSSPI|OptUseGSSAPI) != 0 {
		return nil, fmt.Errorf("%w: platform SSPI/GSSAPI backend", ErrUnavailable)
	}

	useNegotiate := cfg.options&OptUseSPNEGOBuiltin != 0 || (cfg.options&optForcedBackendMask == 0 && cfg.protocol == ProtocolNegotiate)
	useNTLM := cfg.options&OptUseNTLMBuiltin != 0 || (cfg.options&optForcedBackendMask == 0 && cfg.protocol == ProtocolNTLM)
	useKerberos := cfg.options&optForcedBackendMask == 0 && cfg.protocol == ProtocolKerberos

	switch {
	case useNegotiate:
		// The candidate mechanism list offered to the peer: restricted to one
		// mechanism if protocol names it specifically (only meaningful when
		// OptUseSPNEGOBuiltin forces this branch alongside a specific
		// protocol), otherwise both are offered and the peer's preference
		// decides which one is actually used.
		var preferred []negotiate.Oid
		switch cfg.protocol {
		case ProtocolKerberos:
			preferred = []negotiate.Oid{negotiate.Oid(OidKerberos5.Clone())}
		case ProtocolNTLM:
			preferred = []negotiate.Oid{negotiate.Oid(OidNTLMSSP.Clone())}
		default:
			preferred = []negotiate.Oid{negotiate.Oid(OidKerberos5.Clone()), negotiate.Oid(OidNTLMSSP.Clone())}
		}
		return negotiate.NewMachine(negotiateUsage(usage), mechFactory(cfg), preferred, cfg.logger), nil
	case useNTLM:
		return newNTLMContext(usage, cfg)
	case useKerberos:
		return newKerberosContext(usage, cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, cfg.protocol)
	}
}

// mechFactory builds the negotiate.NewContextFunc the builtin SPNEGO state
// machine uses to construct sub-contexts on demand, dispatching on the
// candidate mechanism's equivalence class.
func mechFactory(cfg selectorConfig) negotiate.NewContextFunc {
	return func(mech negotiate.Oid, usage negotiate.Usage) (backend.Context, error) {
		switch {
		case mech.Equal(negotiate.Oid(OidKerberos5)) || mech.Equal(negotiate.Oid(OidKerberos5Legacy)):
			return newKerberosContext(spnegoUsage(usage), cfg)
		case mech.Equal(negotiate.Oid(OidNTLMSSP)):
			return newNTLMContext(spnegoUsage(usage), cfg)
		default:
			return nil, fmt.Errorf("%w: unsupported mechanism %s", ErrUnknownProtocol, Oid(mech).String())
		}
	}
}

func newKerberosContext(usage Usage, cfg selectorConfig) (backend.Context, error) {
	kcfg := krb5.Config{
		SPN:           cfg.spn,
		Username:      cfg.cred.Username,
		Password:      cfg.cred.Password,
		Domain:        cfg.cred.Domain,
		AcceptorName:  cfg.acceptorName,
		AcceptorRealm: cfg.acceptorRealm,
	}
	krbUsage := krb5.UsageInitiate
	if usage == UsageAccept {
		krbUsage = krb5.UsageAccept
	}
	ctx, err := krb5.New(kcfg, krbUsage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return ctx, nil
}

func newNTLMContext(usage Usage, cfg selectorConfig) (backend.Context, error) {
	ncfg := ntlm.Config{
		Username:     cfg.cred.Username,
		Password:     cfg.cred.Password,
		Domain:       cfg.cred.Domain,
		AcceptorName: cfg.acceptorName,
		Lookup:       cfg.ntlmLookup,
	}
	ntlmUsage := ntlm.UsageInitiate
	if usage == UsageAccept {
		ntlmUsage = ntlm.UsageAccept
	}
	ctx, err := ntlm.New(ncfg, ntlmUsage)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return ctx, nil
}

func negotiateUsage(u Usage) negotiate.Usage {
	if u == UsageAccept {
		return negotiate.UsageAccept
	}
	return negotiate.UsageInitiate
}

func spnegoUsage(u negotiate.Usage) Usage {
	if u == negotiate.UsageAccept {
		return UsageAccept
	}
	return UsageInitiate
}
