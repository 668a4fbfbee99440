package gsa

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// AnisetteData is the device-attestation bundle Apple requires on every
// identity and developer-services request. It is produced by an external
// device-identity provider and treated as opaque here: the fields are only
// copied into request headers, never interpreted.
type AnisetteData struct {
	MachineID              string    `json:"machineID"`
	OneTimePassword        string    `json:"oneTimePassword"`
	LocalUserID            string    `json:"localUserID"`
	RoutingInfo            uint64    `json:"routingInfo,string"`
	DeviceUniqueIdentifier string    `json:"deviceUniqueIdentifier"`
	DeviceSerialNumber     string    `json:"deviceSerialNumber"`
	DeviceDescription      string    `json:"deviceDescription"`
	Date                   time.Time `json:"date"`
	Locale                 string    `json:"locale"`
	TimeZone               string    `json:"timeZone"`
}

// ParseAnisetteData decodes the JSON form emitted by anisette providers.
// routingInfo arrives as a decimal string and the date as ISO-8601.
func ParseAnisetteData(data []byte) (*AnisetteData, error) {
	var a AnisetteData
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ApplyHeaders sets the anisette header block on a request. Every
// authenticated call to either service family carries these.
func (a *AnisetteData) ApplyHeaders(header http.Header) {
	header.Set("X-Apple-I-MD-M", a.MachineID)
	header.Set("X-Apple-I-MD", a.OneTimePassword)
	header.Set("X-Apple-I-MD-LU", a.LocalUserID)
	header.Set("X-Apple-I-MD-RINFO", strconv.FormatUint(a.RoutingInfo, 10))
	header.Set("X-Mme-Device-Id", a.DeviceUniqueIdentifier)
	header.Set("X-MMe-Client-Info", a.DeviceDescription)
	header.Set("X-Apple-I-Client-Time", a.Date.UTC().Format(time.RFC3339))
	header.Set("X-Apple-Locale", a.Locale)
	header.Set("X-Apple-I-TimeZone", a.TimeZone)
}
