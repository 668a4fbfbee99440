package developer

// Entitlement keys used across profiles and App ID features.
const (
	EntitlementApplicationIdentifier = "application-identifier"
	EntitlementKeychainAccessGroups  = "keychain-access-groups"
	EntitlementAppGroups             = "com.apple.security.application-groups"
	EntitlementGetTaskAllow          = "get-task-allow"
	EntitlementIncreasedMemoryLimit  = "com.apple.developer.kernel.increased-memory-limit"
	EntitlementTeamIdentifier        = "com.apple.developer.team-identifier"
	EntitlementInterAppAudio         = "inter-app-audio"
)

// Feature flags as the services API names them.
const (
	FeatureAppGroups            = "APG3427HIY"
	FeatureInterAppAudio        = "IAD53UNK2F"
	FeatureIncreasedMemoryLimit = "increasedMemoryLimit"
)

// freeTierEntitlements is the subset of entitlements a free-tier team may
// request; everything else is dropped before an update is sent.
var freeTierEntitlements = map[string]bool{
	EntitlementAppGroups:             true,
	EntitlementInterAppAudio:         true,
	EntitlementGetTaskAllow:          true,
	EntitlementIncreasedMemoryLimit:  true,
	EntitlementTeamIdentifier:        true,
	EntitlementKeychainAccessGroups:  true,
	EntitlementApplicationIdentifier: true,
}

// FreeTeamCanUseEntitlement reports whether a free-tier team may request the
// entitlement.
func FreeTeamCanUseEntitlement(entitlement string) bool {
	return freeTierEntitlements[entitlement]
}

func filterFreeEntitlements(entitlements []string) []string {
	filtered := make([]string, 0, len(entitlements))
	for _, entitlement := range entitlements {
		if freeTierEntitlements[entitlement] {
			filtered = append(filtered, entitlement)
		}
	}
	return filtered
}

// FeatureForEntitlement maps an entitlement to the feature flag that must be
// enabled on the App ID for it, or "" when no flag is involved.
func FeatureForEntitlement(entitlement string) string {
	switch entitlement {
	case EntitlementAppGroups:
		return FeatureAppGroups
	case EntitlementInterAppAudio:
		return FeatureInterAppAudio
	case EntitlementIncreasedMemoryLimit:
		return FeatureIncreasedMemoryLimit
	default:
		return ""
	}
}

// EntitlementForFeature is the reverse mapping of FeatureForEntitlement.
func EntitlementForFeature(feature string) string {
	switch feature {
	case FeatureAppGroups:
		return EntitlementAppGroups
	case FeatureInterAppAudio:
		return EntitlementInterAppAudio
	case FeatureIncreasedMemoryLimit:
		return EntitlementIncreasedMemoryLimit
	default:
		return ""
	}
}
