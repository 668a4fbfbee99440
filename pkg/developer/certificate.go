package developer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// Certificate is a development signing certificate. Identity is defined by
// the serial number alone; PrivateKey is populated only when the certificate
// was just generated or imported alongside its key.
type Certificate struct {
	Name         string
	SerialNumber string

	// Data holds the certificate, PEM-encoded. Nil for listings that only
	// return metadata.
	Data []byte

	// PrivateKey is the matching RSA key, PEM-encoded.
	PrivateKey []byte

	MachineName       string
	MachineIdentifier string

	// Identifier is the server-side resource id used for revocation.
	Identifier string
}

// Equal reports certificate identity, which is the serial number.
func (c *Certificate) Equal(other *Certificate) bool {
	return other != nil && c.SerialNumber == other.SerialNumber
}

// certificateFromResponse builds a Certificate from either protocol's
// response shape: v1 entries nest fields under "attributes" with an "id",
// legacy entries are flat.
func certificateFromResponse(dict map[string]interface{}) (*Certificate, bool) {
	cert := &Certificate{}
	cert.Identifier, _ = dict["id"].(string)

	attributes, ok := dict["attributes"].(map[string]interface{})
	if !ok {
		attributes = dict
	}

	switch content := attributes["certContent"].(type) {
	case []byte:
		cert.Data = content
	case string:
		if decoded, err := base64.StdEncoding.DecodeString(content); err == nil {
			cert.Data = decoded
		}
	default:
		if encoded, ok := attributes["certificateContent"].(string); ok {
			if decoded, err := base64.StdEncoding.DecodeString(encoded); err == nil {
				cert.Data = decoded
			}
		}
	}

	cert.MachineName, _ = attributes["machineName"].(string)
	cert.MachineIdentifier, _ = attributes["machineId"].(string)

	if cert.Data != nil {
		if parsed, err := parseCertificateData(cert.Data); err == nil {
			cert.Name = parsed.Subject.CommonName
			cert.SerialNumber = parsed.SerialNumber.Text(16)
		}
	}
	if cert.SerialNumber == "" {
		cert.Name, _ = attributes["name"].(string)
		cert.SerialNumber = stringOr(attributes, "serialNumber", "serialNum")
	}
	if cert.SerialNumber == "" {
		return nil, false
	}
	return cert, true
}

// parseCertificateData accepts DER or PEM certificate bytes.
func parseCertificateData(data []byte) (*x509.Certificate, error) {
	if block, _ := pem.Decode(data); block != nil {
		data = block.Bytes
	}
	return x509.ParseCertificate(data)
}

// FetchCertificates lists the team's development certificates via the v1
// protocol.
func (c *Client) FetchCertificates(ctx context.Context, team *Team) ([]*Certificate, error) {
	params := url.Values{}
	params.Set("filter[certificateType]", "IOS_DEVELOPMENT")

	response, err := c.sendV1(ctx, "GET", "certificates", team.Identifier, params)
	if err != nil {
		return nil, err
	}
	array, ok := response["data"].([]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}

	var certificates []*Certificate
	for _, item := range array {
		dict, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if cert, ok := certificateFromResponse(dict); ok {
			certificates = append(certificates, cert)
		}
	}
	return certificates, nil
}

// AddCertificate generates a fresh RSA key and CSR, submits the CSR, and
// returns the issued certificate with the private key attached.
func (c *Client) AddCertificate(ctx context.Context, team *Team, machineName string) (*Certificate, error) {
	const action = "ios/submitDevelopmentCSR.action"

	csrPEM, keyPEM, err := generateCertificateRequest()
	if err != nil {
		return nil, err
	}

	response, err := c.sendLegacy(ctx, action, team.Identifier, map[string]interface{}{
		"csrContent":  base64.StdEncoding.EncodeToString(csrPEM),
		"machineId":   uuid.NewString(),
		"machineName": machineName,
	})
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "certRequest")
	if err != nil {
		return nil, err
	}
	dict, ok := payload.(map[string]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}
	cert, ok := certificateFromResponse(dict)
	if !ok {
		return nil, ErrBadServerResponse
	}
	cert.PrivateKey = keyPEM
	return cert, nil
}

// RevokeCertificate deletes the certificate server-side.
func (c *Client) RevokeCertificate(ctx context.Context, team *Team, certificate *Certificate) error {
	if certificate.Identifier == "" {
		return fmt.Errorf("developer: certificate has no server identifier")
	}
	_, err := c.sendV1(ctx, "DELETE", "certificates/"+certificate.Identifier, team.Identifier, nil)
	return err
}

// generateCertificateRequest produces a PEM CSR and its RSA-2048 key.
func generateCertificateRequest() (csrPEM, keyPEM []byte, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            pkix.Name{CommonName: "Development Certificate"},
		SignatureAlgorithm: x509.SHA256WithRSA,
	}, key)
	if err != nil {
		return nil, nil, err
	}

	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return csrPEM, keyPEM, nil
}
