package gsa

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"howett.net/plist"
)

const (
	defaultAuthURL          = "https://gsa.apple.com/grandslam/GsService2"
	defaultTwoFactorBaseURL = "https://gsa.apple.com/auth"

	protocolVersion = "1.0.1"
	authUserAgent   = "akd/1.0 CFNetwork/978.0.7 Darwin/18.7.0"

	// xcodeAuthAppID is the application identifier the app-token exchange
	// requests a token for.
	xcodeAuthAppID = "com.apple.gs.xcode.auth"
)

// Config carries the identity-service endpoints and the HTTP client. The
// zero value selects production endpoints and http.DefaultClient; tests
// point the URLs at a local server.
type Config struct {
	AuthURL          string
	TwoFactorBaseURL string
	HTTPClient       *http.Client
}

func (c Config) withDefaults() Config {
	if c.AuthURL == "" {
		c.AuthURL = defaultAuthURL
	}
	if c.TwoFactorBaseURL == "" {
		c.TwoFactorBaseURL = defaultTwoFactorBaseURL
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// sendRequest posts one handshake step to the identity service. The body is
// an XML property list {Header: {Version}, Request: params}; the reply's
// Response dictionary is returned with its Status checked separately by the
// caller, since some steps need response fields even alongside a status.
func sendRequest(ctx context.Context, cfg Config, anisette *AnisetteData, params map[string]interface{}) (map[string]interface{}, error) {
	envelope := map[string]interface{}{
		"Header":  map[string]interface{}{"Version": protocolVersion},
		"Request": params,
	}
	body, err := plist.MarshalIndent(envelope, plist.XMLFormat, "\t")
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "*/*")
	req.Header.Set("User-Agent", authUserAgent)
	req.Header.Set("X-MMe-Client-Info", anisette.DeviceDescription)

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var reply struct {
		Response map[string]interface{} `plist:"Response"`
	}
	if _, err := plist.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadServerResponse, err)
	}
	if reply.Response == nil {
		return nil, ErrBadServerResponse
	}
	return reply.Response, nil
}

// responseStatus extracts the Status dictionary's error code and message.
// A missing Status is a protocol violation.
func responseStatus(response map[string]interface{}) (code int64, message string, err error) {
	status, ok := response["Status"].(map[string]interface{})
	if !ok {
		return 0, "", ErrBadServerResponse
	}
	switch ec := status["ec"].(type) {
	case int64:
		code = ec
	case uint64:
		code = int64(ec)
	case float64:
		code = int64(ec)
	case string:
		code, _ = strconv.ParseInt(ec, 10, 64)
	}
	message, _ = status["em"].(string)
	return code, message, nil
}

// makeClientProvidedData builds the capability descriptor sent with every
// handshake step: bootstrap flags plus the anisette attestation fields.
func makeClientProvidedData(anisette *AnisetteData) map[string]interface{} {
	return map[string]interface{}{
		"bootstrap":             true,
		"icscrec":               true,
		"pbe":                   false,
		"prkgen":                true,
		"svct":                  "iCloud",
		"loc":                   anisette.Locale,
		"X-Apple-I-Client-Time": anisette.Date.UTC().Format(time.RFC3339),
		"X-Apple-I-MD":          anisette.OneTimePassword,
		"X-Apple-I-MD-LU":       anisette.LocalUserID,
		"X-Apple-I-MD-M":        anisette.MachineID,
		"X-Apple-I-MD-RINFO":    strconv.FormatUint(anisette.RoutingInfo, 10),
		"X-Apple-I-SRL-NO":      anisette.DeviceSerialNumber,
		"X-Apple-I-TimeZone":    anisette.TimeZone,
		"X-Apple-Locale":        anisette.Locale,
		"X-Mme-Device-Id":       anisette.DeviceUniqueIdentifier,
	}
}
