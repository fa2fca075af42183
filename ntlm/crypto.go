// SPDX-License-Identifier: Apache-2.0

package ntlm

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // MD5/HMAC-MD5 is mandated by the NTLM wire format, not a discretionary choice.
	"crypto/rc4" //nolint:gosec // RC4 wraps the exported session key (NTLM KEY_EXCH) and seals Wrap's message data, as [MS-NLMP] fixes.
	"encoding/binary"
	"strings"
	"unicode/utf16"

	"golang.org/x/crypto/md4" //nolint:staticcheck // MD4 is the NT hash algorithm fixed by [MS-NLMP] 3.3.1.
)

// epochDiff converts between the Unix epoch and the Windows FILETIME epoch
// (1601-01-01), in 100ns intervals.
const epochDiff = 116444736000000000

// ntowfv1 computes the NT hash: MD4(UTF16LE(password)). [MS-NLMP] 3.3.1
func ntowfv1(password string) [16]byte {
	encoded := utf16.Encode([]rune(password))
	b := make([]byte, len(encoded)*2)
	for i, r := range encoded {
		binary.LittleEndian.PutUint16(b[i*2:], r)
	}
	h := md4.New()
	h.Write(b)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// ntowfv2 computes the NTLMv2 response key: HMAC-MD5(NTHash, UPPER(user)+domain).
// [MS-NLMP] 3.3.2
func ntowfv2(ntHash [16]byte, username, domain string) [16]byte {
	combined := encodeUTF16LE(strings.ToUpper(username) + domain)
	mac := hmac.New(md5.New, ntHash[:])
	mac.Write(combined)
	var out [16]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// ntlmv2ClientBlob builds the variable part of an NTLMv2 response: a fixed
// header, the server's timestamp echoed back, a client nonce, and the
// server's TargetInfo AV_PAIR list. [MS-NLMP] 2.2.2.7
func ntlmv2ClientBlob(timestamp uint64, clientChallenge [8]byte, targetInfo []byte) []byte {
	blob := make([]byte, 0, 28+len(targetInfo)+4)
	blob = append(blob, 0x01, 0x01, 0x00, 0x00) // RespType, HiRespType
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // reserved
	ts := make([]byte, 8)
	binary.LittleEndian.PutUint64(ts, timestamp)
	blob = append(blob, ts...)
	blob = append(blob, clientChallenge[:]...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // reserved
	blob = append(blob, targetInfo...)
	blob = append(blob, 0x00, 0x00, 0x00, 0x00) // reserved
	return blob
}

// buildNTLMv2Response computes the client's NtChallengeResponse: NTProofStr
// (16 bytes) followed by the client blob. [MS-NLMP] 3.3.2
func buildNTLMv2Response(ntHash [16]byte, username, domain string, serverChallenge [8]byte, timestamp uint64, clientChallenge [8]byte, targetInfo []byte) []byte {
	v2Hash := ntowfv2(ntHash, username, domain)
	blob := ntlmv2ClientBlob(timestamp, clientChallenge, targetInfo)

	mac := hmac.New(md5.New, v2Hash[:])
	mac.Write(serverChallenge[:])
	mac.Write(blob)
	proof := mac.Sum(nil)

	return append(proof, blob...)
}

// sessionBaseKeyV2 derives SessionBaseKey = HMAC-MD5(NTLMv2Hash, NTProofStr),
// the key from which the signing/sealing keys are derived. [MS-NLMP] 3.3.2
func sessionBaseKeyV2(ntHash [16]byte, username, domain string, ntProofStr []byte) [16]byte {
	v2Hash := ntowfv2(ntHash, username, domain)
	mac := hmac.New(md5.New, v2Hash[:])
	mac.Write(ntProofStr)
	var out [16]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// validateNTLMv2Response verifies the client's NtChallengeResponse and
// returns the derived SessionBaseKey. [MS-NLMP] 3.3.2
func validateNTLMv2Response(ntHash [16]byte, username, domain string, serverChallenge [8]byte, ntResponse []byte) ([16]byte, error) {
	var zero [16]byte
	if len(ntResponse) < 16+28 {
		return zero, ErrResponseTooShort
	}
	ntProofStr := ntResponse[:16]
	clientBlob := ntResponse[16:]

	v2Hash := ntowfv2(ntHash, username, domain)
	mac := hmac.New(md5.New, v2Hash[:])
	mac.Write(serverChallenge[:])
	mac.Write(clientBlob)
	expected := mac.Sum(nil)

	if !hmac.Equal(ntProofStr, expected) {
		return zero, ErrAuthFailed
	}
	return sessionBaseKeyV2(ntHash, username, domain, ntProofStr), nil
}

// rc4Crypt XORs src with the RC4 keystream under key; RC4 is an involution
// so this serves both directions.
func rc4Crypt(key, src []byte) ([]byte, error) {
	c, err := rc4.NewCipher(key)
	if err != nil {
		return nil, err
	}
	dst := make([]byte, len(src))
	c.XORKeyStream(dst, src)
	return dst, nil
}

// NTLM2 session security signing/sealing key derivation magic constants.
// [MS-NLMP] 3.4.5.2
var (
	clientSigningMagic = []byte("session key to client-to-server signing key magic constant\x00")
	serverSigningMagic = []byte("session key to server-to-client signing key magic constant\x00")
	clientSealingMagic = []byte("session key to client-to-server sealing key magic constant\x00")
	serverSealingMagic = []byte("session key to server-to-client sealing key magic constant\x00")
)

func deriveKey(sessionKey []byte, magic []byte) []byte {
	h := md5.New() //nolint:gosec // fixed by [MS-NLMP] 3.4.5.2
	h.Write(sessionKey)
	h.Write(magic)
	return h.Sum(nil)
}

// sign computes an NTLMSSP_MESSAGE_SIGNATURE over data using the NTLM2
// session security signing key and a monotonic sequence number.
// [MS-NLMP] 3.4.4.2
func sign(signKey []byte, seqNum uint32, data []byte) []byte {
	mac := hmac.New(md5.New, signKey)
	seq := make([]byte, 4)
	binary.LittleEndian.PutUint32(seq, seqNum)
	mac.Write(seq)
	mac.Write(data)
	checksum := mac.Sum(nil)[:8]

	out := make([]byte, 16)
	binary.LittleEndian.PutUint32(out[0:4], 1) // version
	copy(out[4:12], checksum)
	binary.LittleEndian.PutUint32(out[12:16], seqNum)
	return out
}

func verifySignature(signKey []byte, seqNum uint32, data, mic []byte) bool {
	return hmac.Equal(sign(signKey, seqNum, data), mic)
}
