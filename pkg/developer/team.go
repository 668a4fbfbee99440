package developer

import (
	"context"
	"strings"
)

// TeamType classifies a development team; the type decides which
// entitlements the account may request (see capabilities.go).
type TeamType int

const (
	TeamTypeUnknown TeamType = iota
	TeamTypeFree
	TeamTypeIndividual
	TeamTypeOrganization
)

func (t TeamType) String() string {
	switch t {
	case TeamTypeFree:
		return "free"
	case TeamTypeIndividual:
		return "individual"
	case TeamTypeOrganization:
		return "organization"
	default:
		return "unknown"
	}
}

// Team is one development team the account belongs to.
type Team struct {
	Name       string
	Identifier string
	Type       TeamType
	Account    *Account
}

// FetchTeams lists the account's teams. An account with zero usable teams is
// reported as ErrNoTeams rather than an empty slice.
func (c *Client) FetchTeams(ctx context.Context, account *Account) ([]*Team, error) {
	const action = "listTeams.action"

	response, err := c.sendLegacy(ctx, action, "", nil)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "teams")
	if err != nil {
		return nil, err
	}
	array, ok := payload.([]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}

	var teams []*Team
	for _, item := range array {
		dict, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if team := teamFromResponse(account, dict); team != nil {
			teams = append(teams, team)
		}
	}
	if len(teams) == 0 {
		return nil, ErrNoTeams
	}
	return teams, nil
}

// teamFromResponse classifies a team entry. Individual teams whose sole
// membership is a free program are the free tier.
func teamFromResponse(account *Account, dict map[string]interface{}) *Team {
	name, _ := dict["name"].(string)
	identifier, _ := dict["teamId"].(string)
	rawType, _ := dict["type"].(string)
	if name == "" || identifier == "" || rawType == "" {
		return nil
	}

	teamType := TeamTypeUnknown
	switch rawType {
	case "Company/Organization":
		teamType = TeamTypeOrganization
	case "Individual":
		teamType = TeamTypeIndividual
		if memberships, ok := dict["memberships"].([]interface{}); ok && len(memberships) == 1 {
			if membership, ok := memberships[0].(map[string]interface{}); ok {
				if memberName, _ := membership["name"].(string); strings.Contains(strings.ToLower(memberName), "free") {
					teamType = TeamTypeFree
				}
			}
		}
	}

	return &Team{Name: name, Identifier: identifier, Type: teamType, Account: account}
}
