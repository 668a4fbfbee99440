package developer

import (
	"context"
	"strings"
)

// Account is the developer account profile behind an authenticated session.
type Account struct {
	AppleID    string
	Identifier int64
	FirstName  string
	LastName   string
}

// Name returns the account holder's display name.
func (a *Account) Name() string {
	return strings.TrimSpace(a.FirstName + " " + a.LastName)
}

// FetchAccount retrieves the profile of the session's account.
func (c *Client) FetchAccount(ctx context.Context) (*Account, error) {
	const action = "viewDeveloper.action"

	response, err := c.sendLegacy(ctx, action, "", nil)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "developer")
	if err != nil {
		return nil, err
	}
	dict, ok := payload.(map[string]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}

	account := &Account{}
	account.AppleID, _ = dict["email"].(string)
	account.Identifier, _ = intValue(dict["personId"])
	account.FirstName = stringOr(dict, "dsFirstName", "firstName")
	account.LastName = stringOr(dict, "dsLastName", "lastName")
	if account.AppleID == "" {
		return nil, ErrBadServerResponse
	}
	return account, nil
}

// stringOr returns the first of the listed keys holding a nonempty string.
func stringOr(dict map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if s, ok := dict[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func intValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
