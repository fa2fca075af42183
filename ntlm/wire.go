// SPDX-License-Identifier: Apache-2.0

// Package ntlm implements the NTLM GSS-API mechanism backend (component H,
// SPEC_FULL.md §4.7) as defined by [MS-NLMP]. Unlike the Kerberos backend
// this one owns its entire wire codec: NTLM has no existing Go client
// library demonstrated anywhere in the corpus this module was built from,
// so the NEGOTIATE/CHALLENGE/AUTHENTICATE messages, the NTLMv2 response,
// and NTLM2 session security signing/sealing are all implemented directly
// against the byte layout of [MS-NLMP], the way a from-scratch SMB/NTLM
// server in this codebase's style already does for its acceptor half.
package ntlm

import (
	"bytes"
	"encoding/binary"
	"unicode/utf16"
)

// MessageType identifies the three messages in the NTLM handshake.
// [MS-NLMP] Section 2.2.1
type MessageType uint32

const (
	Negotiate    MessageType = 1
	Challenge    MessageType = 2
	Authenticate MessageType = 3
)

// Signature is the 8-byte signature that identifies NTLM messages.
var Signature = []byte{'N', 'T', 'L', 'M', 'S', 'S', 'P', 0}

const (
	signatureOffset   = 0
	messageTypeOffset = 8
	headerSize        = 12
)

// NTLM Type 1 (NEGOTIATE) message offsets. [MS-NLMP] Section 2.2.1.1
const (
	negFlagsOffset          = 12
	negDomainLenOffset      = 16
	negDomainMaxOffset      = 18
	negDomainOffOffset      = 20
	negWorkstationLenOffset = 24
	negWorkstationMaxOffset = 26
	negWorkstationOffOffset = 28
	negBaseSize             = 32
)

// NTLM Type 2 (CHALLENGE) message offsets. [MS-NLMP] Section 2.2.1.2
const (
	challengeTargetNameLenOffset = 12
	challengeTargetNameMaxOffset = 14
	challengeTargetNameOffOffset = 16
	challengeFlagsOffset         = 20
	challengeServerChalOffset    = 24
	challengeTargetInfoLenOffset = 40
	challengeTargetInfoMaxOffset = 42
	challengeTargetInfoOffOffset = 44
	challengeBaseSize            = 56
	serverChallengeSize          = 8
)

// NTLM Type 3 (AUTHENTICATE) message offsets. [MS-NLMP] Section 2.2.1.3
const (
	authLmResponseLenOffset          = 12
	authLmResponseOffOffset          = 16
	authNtResponseLenOffset          = 20
	authNtResponseOffOffset          = 24
	authDomainNameLenOffset          = 28
	authDomainNameOffOffset          = 32
	authUserNameLenOffset            = 36
	authUserNameOffOffset            = 40
	authWorkstationLenOffset         = 44
	authWorkstationOffOffset         = 48
	authEncryptedRandomSessionKeyLen = 52
	authEncryptedRandomSessionKeyOff = 56
	authNegotiateFlagsOffset         = 60
	authBaseSize                     = 64
)

// NegotiateFlag controls authentication behavior and capabilities, exchanged
// in all three messages. [MS-NLMP] Section 2.2.2.5
type NegotiateFlag uint32

const (
	FlagUnicode             NegotiateFlag = 0x00000001
	FlagOEM                 NegotiateFlag = 0x00000002
	FlagRequestTarget       NegotiateFlag = 0x00000004
	FlagSign                NegotiateFlag = 0x00000010
	FlagSeal                NegotiateFlag = 0x00000020
	FlagNTLM                NegotiateFlag = 0x00000200
	FlagAlwaysSign          NegotiateFlag = 0x00008000
	FlagTargetTypeServer    NegotiateFlag = 0x00020000
	FlagExtendedSecurity    NegotiateFlag = 0x00080000
	FlagTargetInfo          NegotiateFlag = 0x00800000
	Flag128                 NegotiateFlag = 0x20000000
	FlagKeyExch             NegotiateFlag = 0x40000000
	Flag56                  NegotiateFlag = 0x80000000
)

// AvID identifies an attribute in the TargetInfo AV_PAIR list.
// [MS-NLMP] Section 2.2.2.1
type AvID uint16

const (
	AvEOL             AvID = 0x0000
	AvNbComputerName  AvID = 0x0001
	AvNbDomainName    AvID = 0x0002
	AvDnsComputerName AvID = 0x0003
	AvDnsDomainName   AvID = 0x0004
	AvTimestamp       AvID = 0x0007
)

// IsValid reports whether buf carries the NTLMSSP signature.
func IsValid(buf []byte) bool {
	if len(buf) < headerSize {
		return false
	}
	return bytes.Equal(buf[signatureOffset:signatureOffset+8], Signature)
}

// GetMessageType returns buf's NTLM message type, or 0 if buf is too short.
func GetMessageType(buf []byte) MessageType {
	if len(buf) < headerSize {
		return 0
	}
	return MessageType(binary.LittleEndian.Uint32(buf[messageTypeOffset : messageTypeOffset+4]))
}

func encodeUTF16LE(s string) []byte {
	encoded := utf16.Encode([]rune(s))
	b := make([]byte, len(encoded)*2)
	for i, v := range encoded {
		binary.LittleEndian.PutUint16(b[i*2:], v)
	}
	return b
}

func decodeString(buf []byte, isUnicode bool) string {
	if !isUnicode {
		return string(buf)
	}
	if len(buf)%2 != 0 {
		buf = buf[:len(buf)-1]
	}
	runes := make([]rune, len(buf)/2)
	for i := 0; i < len(buf); i += 2 {
		runes[i/2] = rune(binary.LittleEndian.Uint16(buf[i : i+2]))
	}
	return string(runes)
}

func buildAvPair(id AvID, value []byte) []byte {
	pair := make([]byte, 4+len(value))
	binary.LittleEndian.PutUint16(pair[0:2], uint16(id))
	binary.LittleEndian.PutUint16(pair[2:4], uint16(len(value)))
	copy(pair[4:], value)
	return pair
}

// buildTargetInfo assembles the AV_PAIR list an acceptor includes in its
// CHALLENGE message, terminated by AvEOL.
func buildTargetInfo(nbDomain, nbComputer, dnsComputer, dnsDomain string, timestamp uint64) []byte {
	ft := make([]byte, 8)
	binary.LittleEndian.PutUint64(ft, timestamp)

	var buf []byte
	buf = append(buf, buildAvPair(AvNbDomainName, encodeUTF16LE(nbDomain))...)
	buf = append(buf, buildAvPair(AvNbComputerName, encodeUTF16LE(nbComputer))...)
	buf = append(buf, buildAvPair(AvDnsComputerName, encodeUTF16LE(dnsComputer))...)
	buf = append(buf, buildAvPair(AvDnsDomainName, encodeUTF16LE(dnsDomain))...)
	buf = append(buf, buildAvPair(AvTimestamp, ft)...)
	buf = append(buf, 0x00, 0x00, 0x00, 0x00)
	return buf
}

// parseAvPairTimestamp extracts the AvTimestamp value from a TargetInfo
// AV_PAIR list, if present.
func parseAvPairTimestamp(targetInfo []byte) (uint64, bool) {
	i := 0
	for i+4 <= len(targetInfo) {
		id := AvID(binary.LittleEndian.Uint16(targetInfo[i : i+2]))
		l := int(binary.LittleEndian.Uint16(targetInfo[i+2 : i+4]))
		i += 4
		if i+l > len(targetInfo) {
			return 0, false
		}
		if id == AvTimestamp && l == 8 {
			return binary.LittleEndian.Uint64(targetInfo[i : i+l]), true
		}
		if id == AvEOL {
			return 0, false
		}
		i += l
	}
	return 0, false
}

// NegotiateMessage is the parsed form of a Type 1 message.
type NegotiateMessage struct {
	Flags       NegotiateFlag
	Domain      string
	Workstation string
}

// BuildNegotiate creates a Type 1 (NEGOTIATE) message.
func BuildNegotiate(domain, workstation string) []byte {
	flags := FlagUnicode | FlagRequestTarget | FlagNTLM | FlagAlwaysSign |
		FlagExtendedSecurity | Flag128 | Flag56
	domainBytes := []byte(domain)
	wsBytes := []byte(workstation)
	if domain != "" {
		flags |= FlagDomainSupplied
	}
	if workstation != "" {
		flags |= FlagWorkstationSupplied
	}

	domainOffset := negBaseSize
	wsOffset := domainOffset + len(domainBytes)
	msg := make([]byte, wsOffset+len(wsBytes))

	copy(msg[signatureOffset:signatureOffset+8], Signature)
	binary.LittleEndian.PutUint32(msg[messageTypeOffset:messageTypeOffset+4], uint32(Negotiate))
	binary.LittleEndian.PutUint32(msg[negFlagsOffset:negFlagsOffset+4], uint32(flags))
	binary.LittleEndian.PutUint16(msg[negDomainLenOffset:negDomainLenOffset+2], uint16(len(domainBytes)))
	binary.LittleEndian.PutUint16(msg[negDomainMaxOffset:negDomainMaxOffset+2], uint16(len(domainBytes)))
	binary.LittleEndian.PutUint32(msg[negDomainOffOffset:negDomainOffOffset+4], uint32(domainOffset))
	binary.LittleEndian.PutUint16(msg[negWorkstationLenOffset:negWorkstationLenOffset+2], uint16(len(wsBytes)))
	binary.LittleEndian.PutUint16(msg[negWorkstationMaxOffset:negWorkstationMaxOffset+2], uint16(len(wsBytes)))
	binary.LittleEndian.PutUint32(msg[negWorkstationOffOffset:negWorkstationOffOffset+4], uint32(wsOffset))
	copy(msg[domainOffset:], domainBytes)
	copy(msg[wsOffset:], wsBytes)
	return msg
}

// ParseNegotiate parses a Type 1 (NEGOTIATE) message.
func ParseNegotiate(buf []byte) (*NegotiateMessage, error) {
	if len(buf) < negBaseSize {
		return nil, ErrMessageTooShort
	}
	if !IsValid(buf) {
		return nil, ErrInvalidSignature
	}
	if GetMessageType(buf) != Negotiate {
		return nil, ErrWrongMessageType
	}
	flags := NegotiateFlag(binary.LittleEndian.Uint32(buf[negFlagsOffset : negFlagsOffset+4]))
	msg := &NegotiateMessage{Flags: flags}
	// NEGOTIATE's domain and workstation are always OEM-encoded ([MS-NLMP]
	// 2.2.1.1), whatever the Unicode flag says.
	if domain, ok := readField(buf, negDomainLenOffset, negDomainOffOffset, false); ok {
		msg.Domain = domain
	}
	if ws, ok := readField(buf, negWorkstationLenOffset, negWorkstationOffOffset, false); ok {
		msg.Workstation = ws
	}
	return msg, nil
}

// ChallengeMessage is the parsed form of a Type 2 message.
type ChallengeMessage struct {
	Flags           NegotiateFlag
	TargetName      string
	ServerChallenge [8]byte
	TargetInfo      []byte
}

// BuildChallenge creates a Type 2 (CHALLENGE) message carrying serverChallenge
// and a TargetInfo AV_PAIR list built from the acceptor's identity.
func BuildChallenge(targetName, nbDomain, nbComputer, dnsComputer, dnsDomain string, serverChallenge [8]byte, timestamp uint64) []byte {
	flags := FlagUnicode | FlagRequestTarget | FlagNTLM | FlagSign | FlagAlwaysSign |
		FlagTargetTypeServer | FlagExtendedSecurity | FlagTargetInfo | FlagKeyExch | Flag128 | Flag56

	targetNameBytes := encodeUTF16LE(targetName)
	targetInfo := buildTargetInfo(nbDomain, nbComputer, dnsComputer, dnsDomain, timestamp)

	targetNameOffset := challengeBaseSize
	targetInfoOffset := targetNameOffset + len(targetNameBytes)
	msg := make([]byte, targetInfoOffset+len(targetInfo))

	copy(msg[signatureOffset:signatureOffset+8], Signature)
	binary.LittleEndian.PutUint32(msg[messageTypeOffset:messageTypeOffset+4], uint32(Challenge))
	binary.LittleEndian.PutUint16(msg[challengeTargetNameLenOffset:challengeTargetNameLenOffset+2], uint16(len(targetNameBytes)))
	binary.LittleEndian.PutUint16(msg[challengeTargetNameMaxOffset:challengeTargetNameMaxOffset+2], uint16(len(targetNameBytes)))
	binary.LittleEndian.PutUint32(msg[challengeTargetNameOffOffset:challengeTargetNameOffOffset+4], uint32(targetNameOffset))
	binary.LittleEndian.PutUint32(msg[challengeFlagsOffset:challengeFlagsOffset+4], uint32(flags))
	copy(msg[challengeServerChalOffset:challengeServerChalOffset+8], serverChallenge[:])
	binary.LittleEndian.PutUint16(msg[challengeTargetInfoLenOffset:challengeTargetInfoLenOffset+2], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint16(msg[challengeTargetInfoMaxOffset:challengeTargetInfoMaxOffset+2], uint16(len(targetInfo)))
	binary.LittleEndian.PutUint32(msg[challengeTargetInfoOffOffset:challengeTargetInfoOffOffset+4], uint32(targetInfoOffset))
	copy(msg[targetNameOffset:], targetNameBytes)
	copy(msg[targetInfoOffset:], targetInfo)
	return msg
}

// ParseChallenge parses a Type 2 (CHALLENGE) message.
func ParseChallenge(buf []byte) (*ChallengeMessage, error) {
	if len(buf) < challengeBaseSize {
		return nil, ErrMessageTooShort
	}
	if !IsValid(buf) {
		return nil, ErrInvalidSignature
	}
	if GetMessageType(buf) != Challenge {
		return nil, ErrWrongMessageType
	}
	msg := &ChallengeMessage{
		Flags: NegotiateFlag(binary.LittleEndian.Uint32(buf[challengeFlagsOffset : challengeFlagsOffset+4])),
	}
	copy(msg.ServerChallenge[:], buf[challengeServerChalOffset:challengeServerChalOffset+serverChallengeSize])
	isUnicode := msg.Flags&FlagUnicode != 0
	if name, ok := readField(buf, challengeTargetNameLenOffset, challengeTargetNameOffOffset, isUnicode); ok {
		msg.TargetName = name
	}
	if ti, ok := readRawField(buf, challengeTargetInfoLenOffset, challengeTargetInfoOffOffset); ok {
		msg.TargetInfo = ti
	}
	return msg, nil
}

// AuthenticateMessage is the parsed form of a Type 3 message.
type AuthenticateMessage struct {
	LmChallengeResponse       []byte
	NtChallengeResponse       []byte
	Domain                    string
	Username                  string
	Workstation               string
	NegotiateFlags            NegotiateFlag
	EncryptedRandomSessionKey []byte
}

// BuildAuthenticate creates a Type 3 (AUTHENTICATE) message carrying the
// NTLMv2 responses and, when encryptedSessionKey is non-empty, that
// RC4-wrapped exported session key.
func BuildAuthenticate(domain, username, workstation string, lmResponse, ntResponse, encryptedSessionKey []byte, flags NegotiateFlag) []byte {
	domainBytes := encodeUTF16LE(domain)
	userBytes := encodeUTF16LE(username)
	wsBytes := encodeUTF16LE(workstation)

	off := authBaseSize
	lmOff := off
	off += len(lmResponse)
	ntOff := off
	off += len(ntResponse)
	domainOff := off
	off += len(domainBytes)
	userOff := off
	off += len(userBytes)
	wsOff := off
	off += len(wsBytes)
	keyOff := off
	off += len(encryptedSessionKey)

	msg := make([]byte, off)
	copy(msg[signatureOffset:signatureOffset+8], Signature)
	binary.LittleEndian.PutUint32(msg[messageTypeOffset:messageTypeOffset+4], uint32(Authenticate))

	putField(msg, authLmResponseLenOffset, authLmResponseOffOffset, lmOff, len(lmResponse))
	putField(msg, authNtResponseLenOffset, authNtResponseOffOffset, ntOff, len(ntResponse))
	putField(msg, authDomainNameLenOffset, authDomainNameOffOffset, domainOff, len(domainBytes))
	putField(msg, authUserNameLenOffset, authUserNameOffOffset, userOff, len(userBytes))
	putField(msg, authWorkstationLenOffset, authWorkstationOffOffset, wsOff, len(wsBytes))
	putField(msg, authEncryptedRandomSessionKeyLen, authEncryptedRandomSessionKeyOff, keyOff, len(encryptedSessionKey))
	binary.LittleEndian.PutUint32(msg[authNegotiateFlagsOffset:authNegotiateFlagsOffset+4], uint32(flags))

	copy(msg[lmOff:], lmResponse)
	copy(msg[ntOff:], ntResponse)
	copy(msg[domainOff:], domainBytes)
	copy(msg[userOff:], userBytes)
	copy(msg[wsOff:], wsBytes)
	copy(msg[keyOff:], encryptedSessionKey)
	return msg
}

// ParseAuthenticate parses a Type 3 (AUTHENTICATE) message.
func ParseAuthenticate(buf []byte) (*AuthenticateMessage, error) {
	if len(buf) < authBaseSize {
		return nil, ErrMessageTooShort
	}
	if !IsValid(buf) {
		return nil, ErrInvalidSignature
	}
	if GetMessageType(buf) != Authenticate {
		return nil, ErrWrongMessageType
	}

	msg := &AuthenticateMessage{}
	msg.NegotiateFlags = NegotiateFlag(binary.LittleEndian.Uint32(buf[authNegotiateFlagsOffset : authNegotiateFlagsOffset+4]))
	isUnicode := msg.NegotiateFlags&FlagUnicode != 0

	if v, ok := readRawField(buf, authLmResponseLenOffset, authLmResponseOffOffset); ok {
		msg.LmChallengeResponse = v
	}
	if v, ok := readRawField(buf, authNtResponseLenOffset, authNtResponseOffOffset); ok {
		msg.NtChallengeResponse = v
	}
	if v, ok := readField(buf, authDomainNameLenOffset, authDomainNameOffOffset, isUnicode); ok {
		msg.Domain = v
	}
	if v, ok := readField(buf, authUserNameLenOffset, authUserNameOffOffset, isUnicode); ok {
		msg.Username = v
	}
	if v, ok := readField(buf, authWorkstationLenOffset, authWorkstationOffOffset, isUnicode); ok {
		msg.Workstation = v
	}
	if v, ok := readRawField(buf, authEncryptedRandomSessionKeyLen, authEncryptedRandomSessionKeyOff); ok {
		msg.EncryptedRandomSessionKey = v
	}
	return msg, nil
}

func putField(msg []byte, lenOff, locOff, fieldOff, fieldLen int) {
	binary.LittleEndian.PutUint16(msg[lenOff:lenOff+2], uint16(fieldLen))
	binary.LittleEndian.PutUint16(msg[lenOff+2:lenOff+4], uint16(fieldLen))
	binary.LittleEndian.PutUint32(msg[locOff:locOff+4], uint32(fieldOff))
}

func readRawField(buf []byte, lenOff, locOff int) ([]byte, bool) {
	l := binary.LittleEndian.Uint16(buf[lenOff : lenOff+2])
	o := binary.LittleEndian.Uint32(buf[locOff : locOff+4])
	if l == 0 || int(o)+int(l) > len(buf) {
		return nil, false
	}
	out := make([]byte, l)
	copy(out, buf[o:int(o)+int(l)])
	return out, true
}

func readField(buf []byte, lenOff, locOff int, isUnicode bool) (string, bool) {
	raw, ok := readRawField(buf, lenOff, locOff)
	if !ok {
		return "", false
	}
	return decodeString(raw, isUnicode), true
}

// Error is a sentinel NTLM wire error.
type Error string

func (e Error) Error() string { return string(e) }

const (
	ErrMessageTooShort  Error = "ntlm: message too short"
	ErrInvalidSignature Error = "ntlm: invalid signature"
	ErrWrongMessageType Error = "ntlm: wrong message type"
	ErrAuthFailed       Error = "ntlm: authentication failed"
	ErrResponseTooShort Error = "ntlm: response too short"
)

const (
	FlagDomainSupplied      NegotiateFlag = 0x00001000
	FlagWorkstationSupplied NegotiateFlag = 0x00002000
)
