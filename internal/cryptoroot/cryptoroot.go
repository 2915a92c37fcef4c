// Package cryptoroot generates the certificate hierarchy the disclosure
// server needs when no externally issued PKI is configured: a root CA, mdoc
// document signing certificates carrying the ISO 18013-5 DS extended key
// usage, and relying party certificates with the DNS SAN the client_id is
// derived from. Tests use it to mint complete issuer chains.
package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"
	"math/big"
	"time"
)

var (
	// Just specify something
	CRLPoint = "https://preprod.pki.eudiw.dev/crl/pid_CA_UT_01.crl"

	oidMdocDocumentSigning = asn1.ObjectIdentifier{1, 0, 18013, 5, 1, 2}
)

// Root is a self-signed CA with its private key.
type Root struct {
	Key  *ecdsa.PrivateKey
	Cert *x509.Certificate
}

// NewRoot generates a fresh P-256 root CA.
func NewRoot(commonName string) (*Root, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0), // Valid for 10 years
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
		SubjectKeyId:          CalcKID(&key.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(derBytes)
	if err != nil {
		return nil, err
	}

	return &Root{Key: key, Cert: cert}, nil
}

// Pool returns a cert pool holding only this root, for use as trust anchors.
func (r *Root) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(r.Cert)
	return pool
}

// IssueDocumentSigner issues an mdoc document signing certificate. The mdoc
// DS extended key usage goes into UnknownExtKeyUsage so the verifier's EKU
// check passes.
func (r *Root) IssueDocumentSigner(commonName string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0), // Valid for 1 year
		KeyUsage:              x509.KeyUsageDigitalSignature,
		IsCA:                  false,
		SubjectKeyId:          CalcKID(&key.PublicKey, "sha1"),
		AuthorityKeyId:        CalcKID(&r.Key.PublicKey, "sha1"),
		UnknownExtKeyUsage:    []asn1.ObjectIdentifier{oidMdocDocumentSigning},
		CRLDistributionPoints: []string{CRLPoint},
	}

	cert, err := r.issue(&template, &key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

// IssueRelyingParty issues a relying party certificate with the given DNS
// SAN, which becomes the OpenID4VP client_id (x509_san_dns).
func (r *Root) IssueRelyingParty(dnsName string) (*ecdsa.PrivateKey, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: dnsName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(1, 0, 0), // Valid for 1 year
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:                  false,
		DNSNames:              []string{dnsName},
		SubjectKeyId:          CalcKID(&key.PublicKey, "sha1"),
		AuthorityKeyId:        CalcKID(&r.Key.PublicKey, "sha1"),
		CRLDistributionPoints: []string{CRLPoint},
	}

	cert, err := r.issue(&template, &key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return key, cert, nil
}

func (r *Root) issue(template *x509.Certificate, pub *ecdsa.PublicKey) (*x509.Certificate, error) {
	derBytes, err := x509.CreateCertificate(rand.Reader, template, r.Cert, pub, r.Key)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(derBytes)
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

func CalcKID(pub *ecdsa.PublicKey, hashAlgo string) []byte {
	b := elliptic.Marshal(pub.Curve, pub.X, pub.Y)

	var h hash.Hash
	switch hashAlgo {
	case "sha1":
		h = sha1.New()
	default:
		h = sha256.New()
	}

	h.Write(b)
	return h.Sum(nil)
}
