// Package pki holds the small PEM and certificate helpers shared by the
// server wiring and the verifier configuration.
package pki

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// LoadPrivateKey reads a SEC 1 EC private key PEM file.
func LoadPrivateKey(dataPath string) (*ecdsa.PrivateKey, error) {
	pemString, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemString)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode PEM block containing private key")
	}

	return x509.ParseECPrivateKey(block.Bytes)
}

// LoadCertificate reads a single certificate PEM file.
func LoadCertificate(dataPath string) (*x509.Certificate, error) {
	pemBytes, err := os.ReadFile(dataPath)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode PEM block containing certificate")
	}

	return x509.ParseCertificate(block.Bytes)
}

// LoadRootPool builds a trust anchor pool from every .pem file in a
// directory. Files that fail to load are skipped with a log line so one bad
// file does not take the pool down.
func LoadRootPool(pemsDir string) (*x509.CertPool, error) {
	certPool := x509.NewCertPool()

	files, err := os.ReadDir(pemsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates directory: %w", err)
	}

	loaded := 0
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".pem") {
			continue
		}

		filePath := filepath.Join(pemsDir, file.Name())
		pemData, err := os.ReadFile(filePath)
		if err != nil {
			log.Printf("Failed to read certificate file %s: %v", filePath, err)
			continue
		}

		if ok := certPool.AppendCertsFromPEM(pemData); !ok {
			log.Printf("Failed to load certificate from %s", filePath)
			continue
		}
		loaded++
	}

	if loaded == 0 {
		return nil, fmt.Errorf("no certificates loaded from %s", pemsDir)
	}
	return certPool, nil
}
