// SPDX-License-Identifier: Apache-2.0

/*
Package http provides an http.Client wrapper that performs the Negotiate
(RFC 4559) challenge/response dance using this module's spnego.Client.

[WithNegotiate] wraps an existing *http.Client; [NewClient] builds one
around http.DefaultClient.
*/
package http

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hamarituc/pyspnego"
)

// SpnFunc returns the service principal name to request for a given URL.
type SpnFunc func(u url.URL) string

func defaultSpnFunc(u url.URL) string { return "http@" + u.Hostname() }

// DefaultSpnFunc is the SpnFunc used for new clients unless overridden by
// WithSpnFunc.
var DefaultSpnFunc SpnFunc = defaultSpnFunc

// Client is an http.Client that authenticates with Negotiate.
type Client struct {
	*http.Client

	cred        spnego.Credential
	protocol    spnego.Protocol
	options     spnego.Options
	spnFunc     SpnFunc
	preemptive  bool
	mutual      bool
	noExpect100 bool
}

// ClientOption configures a Client.
type ClientOption func(c *Client)

// WithPreemptive sends the initial Negotiate token on the first request
// instead of waiting for a 401 challenge.
func WithPreemptive() ClientOption {
	return func(c *Client) { c.preemptive = true }
}

// WithMutual requests mutual authentication: the client verifies the
// server's own Negotiate token from its final response.
func WithMutual() ClientOption {
	return func(c *Client) { c.mutual = true }
}

// WithCredential supplies the identity used to build the client's security
// context.
func WithCredential(cred spnego.Credential) ClientOption {
	return func(c *Client) { c.cred = cred }
}

// WithProtocol restricts which underlying or negotiation protocol is
// requested (see spnego.Protocol). The default, the zero value, leaves the
// choice to spnego.Client (both Kerberos and NTLM offered under SPNEGO).
func WithProtocol(protocol spnego.Protocol) ClientOption {
	return func(c *Client) { c.protocol = protocol }
}

// WithOptions sets the selector option bitset passed to spnego.Client (see
// spnego.Options), for example to force the builtin NTLM backend with
// spnego.OptUseNTLMBuiltin.
func WithOptions(options spnego.Options) ClientOption {
	return func(c *Client) { c.options = options }
}

// WithSpnFunc overrides the function that derives a request's target SPN
// from its URL. The default is "http@" plus the URL's hostname.
func WithSpnFunc(f SpnFunc) ClientOption {
	return func(c *Client) { c.spnFunc = f }
}

// WithNoExpect100 disables sending the Expect: 100-continue header with a
// request body, so the body is sent immediately rather than held back until
// the server has authenticated the client.
func WithNoExpect100() ClientOption {
	return func(c *Client) { c.noExpect100 = true }
}

// WithNegotiate wraps client (http.DefaultClient if nil) with Negotiate
// authentication.
func WithNegotiate(client *http.Client, opts ...ClientOption) Client {
	if client == nil {
		client = http.DefaultClient
	}
	c := Client{Client: client, spnFunc: DefaultSpnFunc}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// NewClient builds a Client around http.DefaultClient.
func NewClient(opts ...ClientOption) Client {
	return WithNegotiate(nil, opts...)
}

func (c *Client) setInitialToken(req *http.Request) (*spnego.Context, error) {
	spn := c.spnFunc(*req.URL)
	service, spnHost, ok := strings.Cut(spn, "@")
	if !ok {
		return nil, fmt.Errorf("spnego/http: SPN %q is not of the form service@host", spn)
	}

	flags := spnego.ContextFlagInteg
	if c.mutual {
		flags |= spnego.ContextFlagMutual
	}

	opts := []spnego.Option{
		spnego.WithCredential(c.cred),
		spnego.WithContextFlags(flags),
		spnego.WithOptions(c.options),
	}
	if c.protocol != "" {
		opts = append(opts, spnego.WithProtocol(c.protocol))
	}

	ctx, err := spnego.Client(spnHost, service, opts...)
	if err != nil {
		return nil, err
	}

	token, err := ctx.Step(nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Negotiate "+base64.StdEncoding.EncodeToString(token))
	return ctx, nil
}

// Post issues a POST to url.
func (c *Client) Post(url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(req)
}

// Get issues a GET to url.
func (c *Client) Get(url string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// Do sends req, performing the Negotiate challenge/response dance
// transparently: preemptively if WithPreemptive was set, otherwise upon
// receiving a 401 response with a WWW-Authenticate: Negotiate challenge.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var ctx *spnego.Context
	var err error

	if c.preemptive {
		ctx, err = c.setInitialToken(req)
		if err != nil {
			return nil, err
		}
	}

	if req.Body != nil && !c.noExpect100 {
		req.Header.Set("Expect", "100-continue")
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized && !c.preemptive {
		ctx, err = c.setInitialToken(req)
		if err != nil {
			return nil, err
		}
		resp, err = c.Client.Do(req)
		if err != nil {
			return nil, err
		}
	}

	if c.mutual && resp.StatusCode != http.StatusUnauthorized {
		authzType, authzToken := parseAuthzHeader(&resp.Header)
		if authzType != "Negotiate" || len(authzToken) == 0 {
			return nil, fmt.Errorf("spnego/http: no response token for mutual authentication")
		}
		rawToken, err := base64.StdEncoding.DecodeString(authzToken)
		if err != nil {
			return nil, fmt.Errorf("spnego/http: %w", err)
		}
		if ctx == nil {
			return nil, fmt.Errorf("spnego/http: no security context to verify response against")
		}
		if _, err := ctx.Step(rawToken); err != nil {
			return nil, fmt.Errorf("spnego/http: mutual authentication failed: %w", err)
		}
	}

	return resp, nil
}

func parseAuthzHeader(headers *http.Header) (string, string) {
	header := headers.Get("Authorization")
	if header == "" {
		header = headers.Get("WWW-Authenticate")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
