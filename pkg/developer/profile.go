package developer

import (
	"context"

	"github.com/devsigner/devsign/pkg/bundle"
)

// FetchProvisioningProfile downloads the team provisioning profile for the
// App ID, scoped to the requested platform.
func (c *Client) FetchProvisioningProfile(ctx context.Context, team *Team, appID *AppID, deviceType bundle.DeviceType) (*bundle.ProvisioningProfile, error) {
	const action = "ios/downloadTeamProvisioningProfile.action"

	params := map[string]interface{}{"appIdId": appID.Identifier}
	switch {
	case deviceType.Contains(bundle.DeviceTypeAppleTV):
		params["DTDK_Platform"] = "tvos"
		params["subPlatform"] = "tvOS"
	case deviceType.Contains(bundle.DeviceTypeIPhone) || deviceType.Contains(bundle.DeviceTypeIPad):
		params["DTDK_Platform"] = "ios"
	}

	response, err := c.sendLegacy(ctx, action, team.Identifier, params)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "provisioningProfile")
	if err != nil {
		return nil, err
	}
	dict, ok := payload.(map[string]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}

	encoded, ok := dict["encodedProfile"].([]byte)
	if !ok {
		return nil, ErrBadServerResponse
	}
	profile, err := bundle.ParseProvisioningProfile(encoded)
	if err != nil {
		return nil, err
	}
	profile.Identifier, _ = dict["provisioningProfileId"].(string)
	return profile, nil
}

// DeleteProvisioningProfile removes a server-managed profile.
func (c *Client) DeleteProvisioningProfile(ctx context.Context, team *Team, profile *bundle.ProvisioningProfile) error {
	const action = "ios/deleteProvisioningProfile.action"

	response, err := c.sendLegacy(ctx, action, team.Identifier, map[string]interface{}{
		"provisioningProfileId": profile.Identifier,
		"teamId":                team.Identifier,
	})
	if err != nil {
		return err
	}
	return checkLegacyResult(action, response)
}
