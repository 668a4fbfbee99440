package bundle

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// ProvisioningProfile is a parsed .mobileprovision: the CMS-signed plist
// binding an app identifier, a device list, and entitlements to a set of
// developer certificates.
type ProvisioningProfile struct {
	// Identifier is the server-assigned resource id, set when the profile
	// came from the developer-services API rather than disk.
	Identifier string

	// Data holds the raw signed profile bytes, suitable for writing to a
	// bundle's embedded.mobileprovision as-is.
	Data []byte

	Name           string
	UUID           string
	TeamIdentifier string
	TeamName       string
	CreationDate   time.Time
	ExpirationDate time.Time
	Entitlements   Entitlements
	DeviceIDs      []string

	// IsFreeProvisioningProfile mirrors the profile's LocalProvision flag,
	// set on profiles issued to free developer accounts.
	IsFreeProvisioningProfile bool

	// BundleIdentifier is derived from the application-identifier
	// entitlement by stripping the team-id prefix. Empty when the
	// entitlement is missing.
	BundleIdentifier string

	// DeveloperCertificates holds the DER certificates the profile
	// authorizes for signing.
	DeveloperCertificates [][]byte
}

type profilePayload struct {
	Name                  string                 `plist:"Name"`
	UUID                  string                 `plist:"UUID"`
	TeamIdentifier        []string               `plist:"TeamIdentifier"`
	TeamName              string                 `plist:"TeamName"`
	CreationDate          time.Time              `plist:"CreationDate"`
	ExpirationDate        time.Time              `plist:"ExpirationDate"`
	Entitlements          map[string]interface{} `plist:"Entitlements"`
	ProvisionedDevices    []string               `plist:"ProvisionedDevices"`
	LocalProvision        bool                   `plist:"LocalProvision"`
	DeveloperCertificates [][]byte               `plist:"DeveloperCertificates"`
}

// ParseProvisioningProfile parses .mobileprovision bytes. The usual form is
// a CMS (PKCS#7) container around a plist payload; a bare plist is accepted
// too, which some tooling produces.
func ParseProvisioningProfile(data []byte) (*ProvisioningProfile, error) {
	payloadBytes := data
	if p7, err := pkcs7.Parse(data); err == nil {
		payloadBytes = p7.Content
	}

	var payload profilePayload
	if _, err := plist.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("bundle: parsing provisioning profile plist: %w", err)
	}

	profile := &ProvisioningProfile{
		Data:                      data,
		Name:                      payload.Name,
		UUID:                      payload.UUID,
		TeamName:                  payload.TeamName,
		CreationDate:              payload.CreationDate,
		ExpirationDate:            payload.ExpirationDate,
		Entitlements:              DecodeEntitlements(payload.Entitlements),
		DeviceIDs:                 payload.ProvisionedDevices,
		IsFreeProvisioningProfile: payload.LocalProvision,
		DeveloperCertificates:     payload.DeveloperCertificates,
	}
	if len(payload.TeamIdentifier) > 0 {
		profile.TeamIdentifier = payload.TeamIdentifier[0]
	}

	// application-identifier is "<team-id>.<bundle-id>"; everything after
	// the first dot is the bundle identifier.
	if appID, ok := profile.Entitlements.String("application-identifier"); ok {
		if _, rest, found := strings.Cut(appID, "."); found {
			profile.BundleIdentifier = rest
		}
	}
	return profile, nil
}

// IsExpired reports whether the profile's validity window has passed.
func (p *ProvisioningProfile) IsExpired() bool {
	return time.Now().After(p.ExpirationDate)
}

// Certificates parses the profile's authorized developer certificates.
func (p *ProvisioningProfile) Certificates() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(p.DeveloperCertificates))
	for i, der := range p.DeveloperCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("bundle: parsing profile certificate %d: %w", i, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// IsDeviceAllowed reports whether the device UDID is provisioned.
func (p *ProvisioningProfile) IsDeviceAllowed(udid string) bool {
	for _, id := range p.DeviceIDs {
		if id == udid {
			return true
		}
	}
	return false
}

// EntitlementsPlist serializes the profile's entitlements as an XML plist.
func (p *ProvisioningProfile) EntitlementsPlist() ([]byte, error) {
	return plist.MarshalIndent(p.Entitlements.PlistValue(), plist.XMLFormat, "\t")
}
