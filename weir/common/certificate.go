/*
 * Copyright (c) 2025, Weir Networks.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/weir-net/weir-tunnel-core/weir/common/errors"
)

// GenerateWebServerCertificate creates a self-signed web server certificate
// for the given host name (commonName). When the host name parses as an IP
// address, that IP is recorded as a SAN rather than a DNS name, so the
// certificate is directly usable for loopback TLS endpoints in tests and
// probes.
func GenerateWebServerCertificate(commonName string) (string, string, error) {

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	// The validity window is jittered, starting 1 to 6 months in the past
	// and lasting 1 or 2 years, so generated certificates do not share an
	// obvious creation time fingerprint.
	retroactiveMonths, err := randomIntInRange(1, 6)
	if err != nil {
		return "", "", errors.Trace(err)
	}
	validityYears, err := randomIntInRange(1, 2)
	if err != nil {
		return "", "", errors.Trace(err)
	}
	notBefore := time.Now().Truncate(time.Hour).UTC().AddDate(0, -retroactiveMonths, 0)
	notAfter := notBefore.AddDate(validityYears, 0, 0)

	serialNumber, err := rand.Int(
		rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", errors.Trace(err)
	}

	publicKeyBytes, err := x509.MarshalPKIXPublicKey(rsaKey.Public())
	if err != nil {
		return "", "", errors.Trace(err)
	}

	// RFC 3280 sec. 4.2.1.2: the key identifier is the SHA-1 hash of the
	// public key.
	subjectKeyID := sha1.Sum(publicKeyBytes)

	template := x509.Certificate{
		SerialNumber:          serialNumber,
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID[:],
		MaxPathLen:            1,
	}

	if commonName != "" {
		template.Subject = pkix.Name{CommonName: commonName}
		if IP := net.ParseIP(commonName); IP != nil {
			template.IPAddresses = []net.IP{IP}
		} else {
			template.DNSNames = []string{commonName}
		}
	}

	derCert, err := x509.CreateCertificate(
		rand.Reader, &template, &template, rsaKey.Public(), rsaKey)
	if err != nil {
		return "", "", errors.Trace(err)
	}

	certificatePEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: derCert,
		})

	privateKeyPEM := pem.EncodeToMemory(
		&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(rsaKey),
		})

	return string(certificatePEM), string(privateKeyPEM), nil
}

// randomIntInRange returns a uniformly random int in [min, max].
func randomIntInRange(min, max int) (int, error) {
	delta, err := rand.Int(rand.Reader, big.NewInt(int64(max-min+1)))
	if err != nil {
		return 0, errors.Trace(err)
	}
	return min + int(delta.Int64()), nil
}
