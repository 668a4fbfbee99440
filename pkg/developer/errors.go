package developer

import (
	"errors"
	"fmt"
)

var (
	ErrBadServerResponse = errors.New("developer: bad server response")
	ErrUnknown           = errors.New("developer: unknown error")

	ErrNoTeams = errors.New("developer: account has no teams")

	ErrInvalidAppIDName            = errors.New("developer: invalid App ID name")
	ErrInvalidBundleIdentifier     = errors.New("developer: invalid bundle identifier")
	ErrBundleIdentifierUnavailable = errors.New("developer: bundle identifier unavailable")
	ErrAppIDDoesNotExist           = errors.New("developer: App ID does not exist")
	ErrMaximumAppIDLimitReached    = errors.New("developer: maximum App ID limit reached")

	ErrInvalidAppGroup      = errors.New("developer: invalid app group")
	ErrAppGroupDoesNotExist = errors.New("developer: app group does not exist")

	ErrInvalidProvisioningProfileID    = errors.New("developer: invalid provisioning profile identifier")
	ErrProvisioningProfileDoesNotExist = errors.New("developer: provisioning profile does not exist")

	ErrDeviceAlreadyRegistered = errors.New("developer: device already registered")
	ErrInvalidDeviceID         = errors.New("developer: invalid device identifier")
)

// ResultError is a nonzero legacy-protocol result code with no named
// mapping for its endpoint.
type ResultError struct {
	Code    int64
	Message string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("developer: result %d: %s", e.Code, e.Message)
}

// resultCodeErrors maps (action, result code) to named errors. Codes absent
// here surface as *ResultError; the table exists so each endpoint's known
// failure modes live in one place instead of scattered branches.
var resultCodeErrors = map[string]map[int64]error{
	"ios/addAppId.action": {
		35:   ErrInvalidAppIDName,
		9120: ErrMaximumAppIDLimitReached,
		9401: ErrBundleIdentifierUnavailable,
		9412: ErrInvalidBundleIdentifier,
	},
	"ios/updateAppId.action": {
		35:   ErrInvalidAppIDName,
		9100: ErrAppIDDoesNotExist,
		9412: ErrInvalidBundleIdentifier,
	},
	"ios/deleteAppId.action": {
		9100: ErrAppIDDoesNotExist,
	},
	"ios/addApplicationGroup.action": {
		35: ErrInvalidAppGroup,
	},
	"ios/assignApplicationGroupToAppId.action": {
		35:   ErrAppGroupDoesNotExist,
		9115: ErrAppIDDoesNotExist,
	},
	"ios/downloadTeamProvisioningProfile.action": {
		8201: ErrAppIDDoesNotExist,
	},
	"ios/deleteProvisioningProfile.action": {
		35:   ErrInvalidProvisioningProfileID,
		8101: ErrProvisioningProfileDoesNotExist,
	},
	"ios/addDevice.action": {
		35:    ErrInvalidDeviceID,
		10000: ErrDeviceAlreadyRegistered,
	},
}

// legacyPayload extracts the expected payload key from a legacy response,
// applying the standard error interpretation when it is absent: a zero
// result code with no payload is an unknown failure, a nonzero code maps
// through the endpoint table, and a missing code altogether is a malformed
// reply.
func legacyPayload(action string, response map[string]interface{}, key string) (interface{}, error) {
	if payload, ok := response[key]; ok {
		return payload, nil
	}
	return nil, legacyResultError(action, response)
}

// legacyResultError interprets a payload-less legacy response.
func legacyResultError(action string, response map[string]interface{}) error {
	code, ok := resultCode(response)
	if !ok {
		return ErrBadServerResponse
	}
	if code == 0 {
		return ErrUnknown
	}
	if named, ok := resultCodeErrors[action][code]; ok {
		return named
	}

	message, _ := response["userString"].(string)
	if message == "" {
		message, _ = response["resultString"].(string)
	}
	return &ResultError{Code: code, Message: message}
}

// checkLegacyResult verifies a response that carries no payload on success,
// such as delete and assign calls.
func checkLegacyResult(action string, response map[string]interface{}) error {
	code, ok := resultCode(response)
	if !ok {
		return ErrBadServerResponse
	}
	if code == 0 {
		return nil
	}
	return legacyResultError(action, response)
}

func resultCode(response map[string]interface{}) (int64, bool) {
	switch v := response["resultCode"].(type) {
	case int64:
		return v, true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}
