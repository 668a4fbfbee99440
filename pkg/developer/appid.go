package developer

import (
	"context"
	"strings"
	"time"

	"github.com/devsigner/devsign/pkg/bundle"
)

// AppID is a registered application identifier.
type AppID struct {
	Name             string
	Identifier       string
	BundleIdentifier string
	ExpirationDate   time.Time

	// Features maps enabled feature flags to their configured values.
	Features map[string]bundle.EntitlementValue

	// Entitlements lists the entitlement keys to request on update.
	Entitlements []string
}

func appIDFromResponse(dict map[string]interface{}) (*AppID, bool) {
	appID := &AppID{}
	appID.Name, _ = dict["name"].(string)
	appID.Identifier, _ = dict["appIdId"].(string)
	appID.BundleIdentifier, _ = dict["identifier"].(string)
	if appID.Name == "" || appID.Identifier == "" || appID.BundleIdentifier == "" {
		return nil, false
	}
	appID.ExpirationDate, _ = dict["expirationDate"].(time.Time)

	allFeatures, _ := dict["features"].(map[string]interface{})
	enabled, _ := dict["enabledFeatures"].([]interface{})
	appID.Features = make(map[string]bundle.EntitlementValue)
	for _, item := range enabled {
		feature, ok := item.(string)
		if !ok {
			continue
		}
		if value, ok := allFeatures[feature]; ok {
			if typed := bundle.DecodeEntitlements(map[string]interface{}{feature: value}); len(typed) == 1 {
				appID.Features[feature] = typed[feature]
			}
		}
	}
	return appID, true
}

// FetchAppIDs lists the team's registered App IDs.
func (c *Client) FetchAppIDs(ctx context.Context, team *Team) ([]*AppID, error) {
	const action = "ios/listAppIds.action"

	response, err := c.sendLegacy(ctx, action, team.Identifier, nil)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "appIds")
	if err != nil {
		return nil, err
	}
	array, ok := payload.([]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}

	var appIDs []*AppID
	for _, item := range array {
		dict, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if appID, ok := appIDFromResponse(dict); ok {
			appIDs = append(appIDs, appID)
		}
	}
	return appIDs, nil
}

// AddAppID registers a bundle identifier under a sanitized display name.
func (c *Client) AddAppID(ctx context.Context, team *Team, name, bundleIdentifier string) (*AppID, error) {
	const action = "ios/addAppId.action"

	response, err := c.sendLegacy(ctx, action, team.Identifier, map[string]interface{}{
		"identifier": bundleIdentifier,
		"name":       sanitizeAppIDName(name),
	})
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "appId")
	if err != nil {
		return nil, err
	}
	dict, ok := payload.(map[string]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}
	appID, ok := appIDFromResponse(dict)
	if !ok {
		return nil, ErrBadServerResponse
	}
	return appID, nil
}

// UpdateAppID pushes the App ID's feature values and entitlement set. For
// free-tier teams the entitlement list is filtered down to the permitted
// subset before the request is sent.
func (c *Client) UpdateAppID(ctx context.Context, team *Team, appID *AppID) (*AppID, error) {
	const action = "ios/updateAppId.action"

	params := map[string]interface{}{"appIdId": appID.Identifier}
	for feature, value := range appID.Features {
		params[feature] = value.PlistValue()
	}

	entitlements := appID.Entitlements
	if team.Type == TeamTypeFree {
		entitlements = filterFreeEntitlements(entitlements)
	}
	params["entitlements"] = entitlements

	response, err := c.sendLegacy(ctx, action, team.Identifier, params)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "appId")
	if err != nil {
		return nil, err
	}
	dict, ok := payload.(map[string]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}
	updated, ok := appIDFromResponse(dict)
	if !ok {
		return nil, ErrBadServerResponse
	}
	return updated, nil
}

// DeleteAppID removes the App ID registration.
func (c *Client) DeleteAppID(ctx context.Context, team *Team, appID *AppID) error {
	const action = "ios/deleteAppId.action"

	response, err := c.sendLegacy(ctx, action, team.Identifier, map[string]interface{}{
		"appIdId": appID.Identifier,
	})
	if err != nil {
		return err
	}
	return checkLegacyResult(action, response)
}

// sanitizeAppIDName strips everything but ASCII letters, digits, and
// spaces. The service rejects names with other characters. An empty result
// falls back to "App".
func sanitizeAppIDName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		}
	}
	sanitized := b.String()
	if sanitized == "" {
		return "App"
	}
	return sanitized
}
