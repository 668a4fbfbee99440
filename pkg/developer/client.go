// Package developer is a client for Apple's private developer-services API:
// account and team lookup, device registration, development certificates,
// App IDs, app groups, and provisioning profiles.
//
// Two protocol families are in play. The legacy family posts XML property
// lists to *.action endpoints; the v1 family speaks a JSON:API dialect whose
// query parameters travel URL-encoded inside a JSON body. Both require an
// authenticated session and fresh anisette data on every call.
package developer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"howett.net/plist"

	"github.com/devsigner/devsign/pkg/gsa"
)

const (
	defaultLegacyBaseURL = "https://developerservices2.apple.com/services/QH65B2"
	defaultV1BaseURL     = "https://developerservices2.apple.com/services/v1"

	defaultClientID = "XABBG36SBA"

	legacyProtocolVersion = "QH65B2"
	xcodeVersionHeader    = "11.2 (11B41)"
	appInfoHeader         = "com.apple.gs.xcode.auth"
)

// Config carries the service endpoints and client identity. The zero value
// selects production endpoints; tests override the URLs.
type Config struct {
	LegacyBaseURL string
	V1BaseURL     string
	ClientID      string
	HTTPClient    *http.Client
}

func (c Config) withDefaults() Config {
	if c.LegacyBaseURL == "" {
		c.LegacyBaseURL = defaultLegacyBaseURL
	}
	if c.V1BaseURL == "" {
		c.V1BaseURL = defaultV1BaseURL
	}
	if c.ClientID == "" {
		c.ClientID = defaultClientID
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	return c
}

// Client issues developer-services requests on behalf of one authenticated
// session. Safe for concurrent use.
type Client struct {
	cfg     Config
	session *gsa.Session
	log     zerolog.Logger
}

func NewClient(cfg Config, session *gsa.Session, log zerolog.Logger) *Client {
	return &Client{cfg: cfg.withDefaults(), session: session, log: log}
}

// sendLegacy posts one legacy-protocol request. Every call carries the
// client id, protocol version, and a fresh uppercase request id; teamID is
// included when nonempty. The reply is the decoded plist dictionary.
func (c *Client) sendLegacy(ctx context.Context, action, teamID string, params map[string]interface{}) (map[string]interface{}, error) {
	body := map[string]interface{}{
		"clientId":        c.cfg.ClientID,
		"protocolVersion": legacyProtocolVersion,
		"requestId":       strings.ToUpper(uuid.NewString()),
	}
	if teamID != "" {
		body["teamId"] = teamID
	}
	for key, value := range params {
		body[key] = value
	}

	data, err := plist.MarshalIndent(body, plist.XMLFormat, "\t")
	if err != nil {
		return nil, err
	}

	requestURL := c.cfg.LegacyBaseURL + "/" + action + "?clientId=" + c.cfg.ClientID
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "text/x-xml-plist")
	c.applySessionHeaders(req.Header)

	c.log.Debug().Str("action", action).Msg("developer-services request")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var response map[string]interface{}
	if _, err := plist.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadServerResponse, err)
	}
	return response, nil
}

// sendV1 issues one v1-protocol request. The intended HTTP method rides in
// X-HTTP-Method-Override while the request itself is always a POST whose
// JSON body wraps the URL-encoded query parameters.
func (c *Client) sendV1(ctx context.Context, method, path, teamID string, params url.Values) (map[string]interface{}, error) {
	query := url.Values{}
	if teamID != "" {
		query.Set("teamId", teamID)
	}
	for key, values := range params {
		for _, value := range values {
			query.Add(key, value)
		}
	}

	body, err := json.Marshal(map[string]string{"urlEncodedQueryParams": query.Encode()})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.V1BaseURL+"/"+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	req.Header.Set("Accept", "application/vnd.api+json")
	req.Header.Set("X-HTTP-Method-Override", method)
	c.applySessionHeaders(req.Header)

	c.log.Debug().Str("method", method).Str("path", path).Msg("developer-services v1 request")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}
	var response map[string]interface{}
	if err := json.Unmarshal(raw, &response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadServerResponse, err)
	}
	return response, nil
}

func (c *Client) applySessionHeaders(header http.Header) {
	header.Set("User-Agent", "Xcode")
	header.Set("Accept-Language", "en-us")
	header.Set("X-Apple-App-Info", appInfoHeader)
	header.Set("X-Xcode-Version", xcodeVersionHeader)
	header.Set("X-Apple-I-Identity-Id", c.session.DSID)
	header.Set("X-Apple-GS-Token", c.session.AuthToken)
	header.Set("X-Apple-I-Locale", c.session.Anisette.Locale)
	c.session.Anisette.ApplyHeaders(header)
}
