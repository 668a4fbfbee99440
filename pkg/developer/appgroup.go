package developer

import (
	"context"
	"strings"
)

// AppGroup is a registered application group.
type AppGroup struct {
	Name            string
	Identifier      string
	GroupIdentifier string
}

func appGroupFromResponse(dict map[string]interface{}) (*AppGroup, bool) {
	group := &AppGroup{}
	group.Name, _ = dict["name"].(string)
	group.Identifier, _ = dict["applicationGroup"].(string)
	group.GroupIdentifier, _ = dict["identifier"].(string)
	if group.Identifier == "" || group.GroupIdentifier == "" {
		return nil, false
	}
	return group, true
}

// FetchAppGroups lists the team's application groups.
func (c *Client) FetchAppGroups(ctx context.Context, team *Team) ([]*AppGroup, error) {
	const action = "ios/listApplicationGroups.action"

	response, err := c.sendLegacy(ctx, action, team.Identifier, nil)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "applicationGroupList")
	if err != nil {
		return nil, err
	}
	array, ok := payload.([]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}

	var groups []*AppGroup
	for _, item := range array {
		dict, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if group, ok := appGroupFromResponse(dict); ok {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// AddAppGroup registers a new application group.
func (c *Client) AddAppGroup(ctx context.Context, team *Team, name, groupIdentifier string) (*AppGroup, error) {
	const action = "ios/addApplicationGroup.action"

	response, err := c.sendLegacy(ctx, action, team.Identifier, map[string]interface{}{
		"identifier": groupIdentifier,
		"name":       name,
	})
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "applicationGroup")
	if err != nil {
		return nil, err
	}
	dict, ok := payload.(map[string]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}
	group, ok := appGroupFromResponse(dict)
	if !ok {
		return nil, ErrBadServerResponse
	}
	return group, nil
}

// AssignAppGroups binds the App ID to the given groups, replacing previous
// assignments.
func (c *Client) AssignAppGroups(ctx context.Context, team *Team, appID *AppID, groups []*AppGroup) error {
	const action = "ios/assignApplicationGroupToAppId.action"

	identifiers := make([]string, len(groups))
	for i, group := range groups {
		identifiers[i] = group.Identifier
	}

	response, err := c.sendLegacy(ctx, action, team.Identifier, map[string]interface{}{
		"appIdId":           appID.Identifier,
		"applicationGroups": strings.Join(identifiers, ","),
	})
	if err != nil {
		return err
	}
	return checkLegacyResult(action, response)
}
