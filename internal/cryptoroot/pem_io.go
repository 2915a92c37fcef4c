package cryptoroot

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
)

// LoadOrCreateRoot reuses the root key and certificate stored under dir, or
// generates and persists a fresh pair. The server keeps its root stable
// across restarts this way, so wallets configured with the root stay happy.
func LoadOrCreateRoot(dir, commonName string) (*Root, error) {
	keyPath := filepath.Join(dir, "rootKey.pem")
	certPath := filepath.Join(dir, "rootCert.pem")

	if fileExists(keyPath) && fileExists(certPath) {
		key, err := readPEMFile(keyPath)
		if err != nil {
			return nil, err
		}
		cert, err := readCertificatePEM(certPath)
		if err != nil {
			return nil, err
		}
		return &Root{Key: key, Cert: cert}, nil
	}

	root, err := NewRoot(commonName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if err := writePEMFile(root.Key, keyPath); err != nil {
		return nil, err
	}
	if err := writeCertificatePEM(root.Cert, certPath); err != nil {
		return nil, err
	}
	return root, nil
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil
}

func writePEMFile(privateKey *ecdsa.PrivateKey, filename string) error {
	derBytes, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return err
	}

	pemBlock := &pem.Block{
		Type:  "EC PRIVATE KEY",
		Bytes: derBytes,
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return pem.Encode(file, pemBlock)
}

func readPEMFile(filename string) (*ecdsa.PrivateKey, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("pem block was not found")
	}

	privateKey, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	return privateKey, nil
}

func writeCertificatePEM(cert *x509.Certificate, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return pem.Encode(file, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: cert.Raw,
	})
}

func readCertificatePEM(filename string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("pem block was not found")
	}

	return x509.ParseCertificate(block.Bytes)
}
