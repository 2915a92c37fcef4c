package verifier

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
)

// ReturnURLPolicy controls for which session types a use case hands the
// wallet a return URL after the response.
type ReturnURLPolicy int

const (
	// ReturnURLNeither never uses a return URL.
	ReturnURLNeither ReturnURLPolicy = iota
	// ReturnURLSameDevice uses a return URL only for same-device sessions.
	ReturnURLSameDevice
	// ReturnURLBoth always uses a return URL.
	ReturnURLBoth
)

// AppliesTo reports whether the policy produces a return URL for the given
// session type.
func (p ReturnURLPolicy) AppliesTo(sessionType SessionType) bool {
	switch p {
	case ReturnURLSameDevice:
		return sessionType == SessionTypeSameDevice
	case ReturnURLBoth:
		return true
	}
	return false
}

// KeyPair is a relying party signing key with its certificate chain, leaf
// first. Chain entries are base64 DER, ready for an x5c header.
type KeyPair struct {
	PrivateKey  *ecdsa.PrivateKey
	Certificate *x509.Certificate
	Chain       []string
}

// NewKeyPair builds the x5c chain from raw DER certificates, leaf first.
func NewKeyPair(privateKey *ecdsa.PrivateKey, leaf *x509.Certificate, chainDER ...[]byte) KeyPair {
	chain := make([]string, 0, len(chainDER)+1)
	chain = append(chain, base64.StdEncoding.EncodeToString(leaf.Raw))
	for _, der := range chainDER {
		chain = append(chain, base64.StdEncoding.EncodeToString(der))
	}
	return KeyPair{
		PrivateKey:  privateKey,
		Certificate: leaf,
		Chain:       chain,
	}
}

// UseCase is one registered disclosure use case: the key the authorization
// request is signed with, and the return URL policy. The client_id is the
// certificate's DNS SAN, which the wallet pins the x5c chain against
// (client_id_scheme x509_san_dns).
type UseCase struct {
	KeyPair   KeyPair
	ReturnURL ReturnURLPolicy
	ClientID  string
}

func NewUseCase(keyPair KeyPair, policy ReturnURLPolicy) (UseCase, error) {
	if keyPair.Certificate == nil || len(keyPair.Certificate.DNSNames) == 0 {
		return UseCase{}, ErrMissingSAN
	}
	return UseCase{
		KeyPair:   keyPair,
		ReturnURL: policy,
		ClientID:  keyPair.Certificate.DNSNames[0],
	}, nil
}

// UseCases is the registry the verifier is constructed with, keyed by
// use case identifier.
type UseCases map[string]UseCase
