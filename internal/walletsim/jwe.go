package walletsim

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/square/go-jose.v2"
)

// EncryptAuthorizationResponse seals a direct_post.jwt payload the way
// wallets do: ECDH-ES direct agreement against the verifier's ephemeral key
// with A128CBC-HS256 content encryption, and the apu/apv agreement info
// (base64url, apu carrying the mdoc generated nonce) bound into the KDF.
// go-jose's encrypter derives the ECDH-ES key with empty agreement info, so
// the envelope is assembled here per RFC 7516/7518.
func EncryptAuthorizationResponse(payload []byte, recipient *ecdsa.PublicKey, apu, apv string) (string, error) {
	if recipient == nil {
		return "", fmt.Errorf("nil recipient key")
	}

	apuBytes, err := base64.RawURLEncoding.DecodeString(apu)
	if err != nil {
		return "", fmt.Errorf("invalid apu: %w", err)
	}
	apvBytes, err := base64.RawURLEncoding.DecodeString(apv)
	if err != nil {
		return "", fmt.Errorf("invalid apv: %w", err)
	}

	ephemeral, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", err
	}
	ephemeralECDH, err := ephemeral.ECDH()
	if err != nil {
		return "", err
	}
	recipientECDH, err := recipient.ECDH()
	if err != nil {
		return "", err
	}
	z, err := ephemeralECDH.ECDH(recipientECDH)
	if err != nil {
		return "", err
	}

	cek := concatKDF(z, "A128CBC-HS256", apuBytes, apvBytes, 32)

	headerJSON, err := json.Marshal(struct {
		Alg string          `json:"alg"`
		Enc string          `json:"enc"`
		EPK jose.JSONWebKey `json:"epk"`
		APU string          `json:"apu,omitempty"`
		APV string          `json:"apv,omitempty"`
	}{
		Alg: "ECDH-ES",
		Enc: "A128CBC-HS256",
		EPK: jose.JSONWebKey{Key: &ephemeral.PublicKey},
		APU: apu,
		APV: apv,
	})
	if err != nil {
		return "", err
	}
	protected := base64.RawURLEncoding.EncodeToString(headerJSON)

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	block, err := aes.NewCipher(cek[16:])
	if err != nil {
		return "", err
	}
	padLen := aes.BlockSize - len(payload)%aes.BlockSize
	padded := append(append([]byte{}, payload...), bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	// A128CBC-HS256 tag: HMAC-SHA256 over AAD || IV || ciphertext || AL,
	// truncated to 16 bytes. AAD is the serialized protected header.
	aad := []byte(protected)
	al := make([]byte, 8)
	binary.BigEndian.PutUint64(al, uint64(len(aad))*8)
	mac := hmac.New(sha256.New, cek[:16])
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al)
	tag := mac.Sum(nil)[:16]

	return strings.Join([]string{
		protected,
		"", // direct agreement, no encrypted key
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ciphertext),
		base64.RawURLEncoding.EncodeToString(tag),
	}, "."), nil
}

// concatKDF is the NIST SP 800-56A single-step KDF with SHA-256, as RFC 7518
// section 4.6 applies it to ECDH-ES.
func concatKDF(z []byte, alg string, apu, apv []byte, size int) []byte {
	var otherInfo bytes.Buffer
	writeLengthPrefixed(&otherInfo, []byte(alg))
	writeLengthPrefixed(&otherInfo, apu)
	writeLengthPrefixed(&otherInfo, apv)
	binary.Write(&otherInfo, binary.BigEndian, uint32(size*8))

	var out []byte
	for round := uint32(1); len(out) < size; round++ {
		h := sha256.New()
		binary.Write(h, binary.BigEndian, round)
		h.Write(z)
		h.Write(otherInfo.Bytes())
		out = h.Sum(out)
	}
	return out[:size]
}

func writeLengthPrefixed(buf *bytes.Buffer, data []byte) {
	binary.Write(buf, binary.BigEndian, uint32(len(data)))
	buf.Write(data)
}
