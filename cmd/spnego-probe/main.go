// SPDX-License-Identifier: Apache-2.0

/*
Command spnego-probe drives a client and an acceptor security context
against each other over a net.Pipe() and reports what they negotiated:
the chosen mechanism, whether SPNEGO's mechListMIC was required, and the
length of the derived session key. It never touches the network; it
exists to exercise this module end to end without a KDC or a second host.
*/
package main

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/cobra"

	"github.com/hamarituc/pyspnego"
	"github.com/hamarituc/pyspnego/ntlm"
)

var (
	flagHostname string
	flagService  string
	flagProtocol string
	flagUsername string
	flagPassword string
	flagDomain   string
	flagMutual   bool
	flagSeal     bool
	flagMessage  string
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "spnego-probe",
		Short: "Drive a loopback SPNEGO/Kerberos/NTLM handshake and report what was negotiated",
		Long: `spnego-probe builds an initiator and an acceptor security context from
this module, drives them against each other over an in-process pipe, and
prints the negotiated mechanism, whether the SPNEGO layer demanded a
mechListMIC, and the length of the session key both sides derived.

Example:
  spnego-probe --protocol ntlm --username alice --password hunter2 --domain CORP

Kerberos and the default "negotiate" protocol require a usable krb5
configuration and ticket cache (/etc/krb5.conf / KRB5CCNAME); with neither
set, "negotiate" falls back to NTLM, since candidate construction for a
mechanism that cannot be built is skipped rather than treated as fatal.`,
		RunE: runProbe,
	}

	root.Flags().StringVar(&flagHostname, "hostname", "localhost", "target hostname used to build the SPN")
	root.Flags().StringVar(&flagService, "service", "host", "service name used to build the SPN")
	root.Flags().StringVar(&flagProtocol, "protocol", "negotiate", "protocol to request: negotiate|kerberos|ntlm")
	root.Flags().StringVar(&flagUsername, "username", "", "username (NTLM, and Kerberos password login)")
	root.Flags().StringVar(&flagPassword, "password", "", "password (NTLM, and Kerberos password login)")
	root.Flags().StringVar(&flagDomain, "domain", "", "NTLM domain, also used as the Kerberos realm")
	root.Flags().BoolVar(&flagMutual, "mutual", false, "request mutual authentication")
	root.Flags().BoolVar(&flagSeal, "seal", false, "seal (encrypt) the probe message instead of just signing it")
	root.Flags().StringVar(&flagMessage, "message", "hello from spnego-probe", "message wrapped after the handshake completes")
	root.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "print each token exchanged, base64-encoded")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "spnego-probe:", err)
		os.Exit(1)
	}
}

func runProbe(cmd *cobra.Command, args []string) error {
	protocol := spnego.Protocol(flagProtocol)

	var flags spnego.ContextFlag
	if flagMutual {
		flags |= spnego.ContextFlagMutual
	}
	if flagSeal {
		flags |= spnego.ContextFlagConf
	}

	lookup, err := buildNTLMLookup()
	if err != nil {
		return err
	}

	cli, err := spnego.Client(flagHostname, flagService,
		spnego.WithCredential(spnego.Credential{Username: flagUsername, Password: flagPassword, Domain: flagDomain}),
		spnego.WithProtocol(protocol),
		spnego.WithContextFlags(flags))
	if err != nil {
		return fmt.Errorf("building client context: %w", err)
	}

	srv, err := spnego.Server(flagHostname, flagService,
		spnego.WithProtocol(protocol),
		spnego.WithContextFlags(flags),
		spnego.WithNTLMCredentialLookup(lookup))
	if err != nil {
		return fmt.Errorf("building server context: %w", err)
	}

	if err := runHandshake(cli, srv); err != nil {
		return err
	}

	cliProto, err := cli.NegotiatedProtocol()
	if err != nil {
		return fmt.Errorf("client negotiated protocol: %w", err)
	}
	srvProto, err := srv.NegotiatedProtocol()
	if err != nil {
		return fmt.Errorf("server negotiated protocol: %w", err)
	}

	cliKey, err := cli.SessionKey()
	if err != nil {
		return fmt.Errorf("client session key: %w", err)
	}
	srvKey, err := srv.SessionKey()
	if err != nil {
		return fmt.Errorf("server session key: %w", err)
	}

	fmt.Printf("negotiated mechanism:  %s (server agrees: %s)\n", cliProto, srvProto)
	fmt.Printf("mechListMIC required:  %v\n", cli.RequiresMechListMIC())
	fmt.Printf("session key length:    %d bytes (client/server match: %v)\n", len(cliKey), string(cliKey) == string(srvKey))

	return exchangeMessage(cli, srv)
}

// buildNTLMLookup resolves the acceptor's credential table the same way
// Server does when NTLM_USER_FILE is set: a one-line "domain:user:password"
// file for the credential given on the command line, so the in-process
// acceptor can validate the in-process initiator without touching the real
// environment variable.
func buildNTLMLookup() (ntlm.CredentialLookup, error) {
	f, err := os.CreateTemp("", "spnego-probe-users-*.txt")
	if err != nil {
		return nil, fmt.Errorf("building NTLM credential table: %w", err)
	}
	defer os.Remove(f.Name())

	_, writeErr := fmt.Fprintf(f, "%s:%s:%s\n", flagDomain, flagUsername, flagPassword)
	closeErr := f.Close()
	if writeErr != nil {
		return nil, fmt.Errorf("building NTLM credential table: %w", writeErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("building NTLM credential table: %w", closeErr)
	}

	return ntlm.LoadUserFile(f.Name())
}

// runHandshake drives cli and srv against each other over a net.Pipe: the
// initiator sends the first token unprompted, the acceptor always reads
// before it has anything to step with.
func runHandshake(cli, srv *spnego.Context) error {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	errc := make(chan error, 2)
	go func() { errc <- driveInitiator("client", cli, a) }()
	go func() { errc <- driveAcceptor("server", srv, b) }()

	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}

func driveInitiator(label string, ctx *spnego.Context, conn net.Conn) error {
	var inTok []byte
	for {
		out, err := ctx.Step(inTok)
		if err != nil {
			return fmt.Errorf("%s: step: %w", label, err)
		}
		logToken(label, out)
		if len(out) > 0 {
			if err := writeFrame(conn, out); err != nil {
				return fmt.Errorf("%s: write: %w", label, err)
			}
		}
		if ctx.Complete() {
			return nil
		}
		inTok, err = readFrame(conn)
		if err != nil {
			return fmt.Errorf("%s: read: %w", label, err)
		}
	}
}

func driveAcceptor(label string, ctx *spnego.Context, conn net.Conn) error {
	for {
		inTok, err := readFrame(conn)
		if err != nil {
			return fmt.Errorf("%s: read: %w", label, err)
		}
		out, err := ctx.Step(inTok)
		if err != nil {
			return fmt.Errorf("%s: step: %w", label, err)
		}
		logToken(label, out)
		if len(out) > 0 {
			if err := writeFrame(conn, out); err != nil {
				return fmt.Errorf("%s: write: %w", label, err)
			}
		}
		if ctx.Complete() {
			return nil
		}
	}
}

func logToken(label string, tok []byte) {
	if flagVerbose && len(tok) > 0 {
		fmt.Printf("%s -> %s\n", label, base64.StdEncoding.EncodeToString(tok))
	}
}

func exchangeMessage(cli, srv *spnego.Context) error {
	wrapped, encrypted, err := cli.Wrap([]byte(flagMessage), flagSeal, 0)
	if err != nil {
		return fmt.Errorf("wrap: %w", err)
	}
	if flagSeal && !encrypted {
		fmt.Println("warning: seal requested but message was not encrypted")
	}

	plain, wasEncrypted, _, err := srv.Unwrap(wrapped)
	if err != nil {
		return fmt.Errorf("unwrap: %w", err)
	}
	if string(plain) != flagMessage {
		return fmt.Errorf("round-tripped message mismatch: got %q", plain)
	}

	fmt.Printf("message round-trip ok: encrypted=%v\n", wasEncrypted)
	return nil
}

func writeFrame(w io.Writer, tok []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(tok)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(tok)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
