/*
 * Copyright (c) 2014, Jeremy Bingham (<jbingham@gmail.com>)
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package restapi

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"github.com/google/renameio"
	"github.com/juju/errors"
	"github.com/tideland/golib/logger"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Names of the agent's certificate and key inside the certificate directory.
const (
	CertFile = "kthfs.pem"
	KeyFile  = "kthfs.key"
)

// EnsureCert makes sure certDir holds a certificate and key for the REST
// endpoint, generating a self-signed pair for hostname if either is missing.
// It returns the paths of the two files.
func EnsureCert(certDir, hostname string) (string, string, error) {
	certPath := filepath.Join(certDir, CertFile)
	keyPath := filepath.Join(certDir, KeyFile)
	_, cerr := os.Stat(certPath)
	_, kerr := os.Stat(keyPath)
	if cerr == nil && kerr == nil {
		return certPath, keyPath, nil
	}
	logger.Infof("creating a self-signed certificate for %s in %s", hostname, certDir)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", errors.Trace(err)
	}
	subject := pkix.Name{
		Country:            []string{"SE"},
		Province:           []string{"Sweden"},
		Locality:           []string{"Stockholm"},
		Organization:       []string{"KTH"},
		OrganizationalUnit: []string{"SCS"},
		CommonName:         hostname,
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1000),
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{hostname},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return "", "", errors.Annotatef(err, "creating certificate")
	}

	if err = os.MkdirAll(certDir, 0755); err != nil {
		return "", "", errors.Trace(err)
	}
	certPem := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPem := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	if err = renameio.WriteFile(keyPath, keyPem, 0600); err != nil {
		return "", "", errors.Annotatef(err, "writing %s", keyPath)
	}
	if err = renameio.WriteFile(certPath, certPem, 0644); err != nil {
		return "", "", errors.Annotatef(err, "writing %s", certPath)
	}
	return certPath, keyPath, nil
}
