package developer

import (
	"context"
	"errors"
	"testing"

	"github.com/devsigner/devsign/pkg/bundle"
)

func testAppIDResponse() map[string]interface{} {
	return map[string]interface{}{
		"name":       "Example App",
		"appIdId":    "APPID123",
		"identifier": "com.example.app",
		"features": map[string]interface{}{
			FeatureAppGroups:            true,
			FeatureIncreasedMemoryLimit: false,
			"unrelatedFeature":          "ignored",
		},
		"enabledFeatures": []interface{}{FeatureAppGroups, FeatureIncreasedMemoryLimit},
	}
}

func TestAddAppID(t *testing.T) {
	var captured legacyRequest
	client, _ := newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
		"appId":      testAppIDResponse(),
	}))

	team := &Team{Identifier: "TEAM123"}
	appID, err := client.AddAppID(context.Background(), team, "Example App! (beta)", "com.example.app")
	if err != nil {
		t.Fatalf("AddAppID: %v", err)
	}
	if appID.Identifier != "APPID123" || appID.BundleIdentifier != "com.example.app" {
		t.Errorf("appID = %+v", appID)
	}
	if captured.body["name"] != "Example App beta" {
		t.Errorf("name param = %v, want sanitized", captured.body["name"])
	}
	if captured.body["identifier"] != "com.example.app" {
		t.Errorf("identifier param = %v", captured.body["identifier"])
	}

	if len(appID.Features) != 2 {
		t.Fatalf("Features = %v", appID.Features)
	}
	if v, ok := appID.Features[FeatureAppGroups].(bundle.BoolValue); !ok || !bool(v) {
		t.Errorf("app groups feature = %v", appID.Features[FeatureAppGroups])
	}
}

func TestAddAppIDErrorCodes(t *testing.T) {
	cases := []struct {
		code int64
		want error
	}{
		{35, ErrInvalidAppIDName},
		{9120, ErrMaximumAppIDLimitReached},
		{9401, ErrBundleIdentifierUnavailable},
		{9412, ErrInvalidBundleIdentifier},
	}
	for _, tc := range cases {
		client, _ := newTestClient(t, legacyHandler(t, nil, map[string]interface{}{
			"resultCode": tc.code,
		}))
		_, err := client.AddAppID(context.Background(), &Team{Identifier: "T"}, "App", "com.example.app")
		if !errors.Is(err, tc.want) {
			t.Errorf("code %d: got %v, want %v", tc.code, err, tc.want)
		}
	}
}

func TestAddAppIDUnknownResult(t *testing.T) {
	client, _ := newTestClient(t, legacyHandler(t, nil, map[string]interface{}{
		"resultCode": 0,
	}))
	_, err := client.AddAppID(context.Background(), &Team{Identifier: "T"}, "App", "com.example.app")
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("got %v, want ErrUnknown", err)
	}

	client, _ = newTestClient(t, legacyHandler(t, nil, map[string]interface{}{
		"somethingElse": "entirely",
	}))
	_, err = client.AddAppID(context.Background(), &Team{Identifier: "T"}, "App", "com.example.app")
	if !errors.Is(err, ErrBadServerResponse) {
		t.Errorf("got %v, want ErrBadServerResponse", err)
	}
}

func TestUpdateAppIDFiltersFreeEntitlements(t *testing.T) {
	var captured legacyRequest
	client, _ := newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
		"appId":      testAppIDResponse(),
	}))

	appID := &AppID{
		Name:       "Example App",
		Identifier: "APPID123",
		Features: map[string]bundle.EntitlementValue{
			FeatureAppGroups: bundle.BoolValue(true),
		},
		Entitlements: []string{
			EntitlementApplicationIdentifier,
			"com.apple.developer.networking.wifi-info",
			EntitlementAppGroups,
			"com.apple.developer.healthkit",
			EntitlementGetTaskAllow,
		},
	}

	freeTeam := &Team{Identifier: "TEAM123", Type: TeamTypeFree}
	if _, err := client.UpdateAppID(context.Background(), freeTeam, appID); err != nil {
		t.Fatalf("UpdateAppID: %v", err)
	}

	sent, ok := captured.body["entitlements"].([]interface{})
	if !ok {
		t.Fatalf("entitlements param = %T", captured.body["entitlements"])
	}
	want := []string{
		EntitlementApplicationIdentifier,
		EntitlementAppGroups,
		EntitlementGetTaskAllow,
	}
	if len(sent) != len(want) {
		t.Fatalf("sent %d entitlements (%v), want %d", len(sent), sent, len(want))
	}
	for i, key := range want {
		if sent[i] != key {
			t.Errorf("entitlements[%d] = %v, want %s", i, sent[i], key)
		}
	}
	if captured.body[FeatureAppGroups] != true {
		t.Errorf("feature param = %v", captured.body[FeatureAppGroups])
	}
	if captured.body["appIdId"] != "APPID123" {
		t.Errorf("appIdId = %v", captured.body["appIdId"])
	}
}

func TestUpdateAppIDPaidTeamKeepsEntitlements(t *testing.T) {
	var captured legacyRequest
	client, _ := newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
		"appId":      testAppIDResponse(),
	}))

	appID := &AppID{
		Identifier:   "APPID123",
		Entitlements: []string{"com.apple.developer.healthkit"},
	}
	team := &Team{Identifier: "TEAM123", Type: TeamTypeIndividual}
	if _, err := client.UpdateAppID(context.Background(), team, appID); err != nil {
		t.Fatalf("UpdateAppID: %v", err)
	}
	sent, _ := captured.body["entitlements"].([]interface{})
	if len(sent) != 1 || sent[0] != "com.apple.developer.healthkit" {
		t.Errorf("entitlements param = %v", sent)
	}
}

func TestDeleteAppID(t *testing.T) {
	client, _ := newTestClient(t, legacyHandler(t, nil, map[string]interface{}{
		"resultCode": 9100,
	}))
	err := client.DeleteAppID(context.Background(), &Team{Identifier: "T"}, &AppID{Identifier: "A"})
	if !errors.Is(err, ErrAppIDDoesNotExist) {
		t.Errorf("got %v, want ErrAppIDDoesNotExist", err)
	}

	client, _ = newTestClient(t, legacyHandler(t, nil, map[string]interface{}{
		"resultCode": 0,
	}))
	if err := client.DeleteAppID(context.Background(), &Team{Identifier: "T"}, &AppID{Identifier: "A"}); err != nil {
		t.Errorf("DeleteAppID: %v", err)
	}
}

func TestSanitizeAppIDName(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Example App", "Example App"},
		{"Example App! (beta)", "Example App beta"},
		{"app-2.0", "app20"},
		{"日本語", "App"},
		{"", "App"},
	}
	for _, tc := range cases {
		if got := sanitizeAppIDName(tc.in); got != tc.want {
			t.Errorf("sanitizeAppIDName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFreeTierEntitlementAllowlist(t *testing.T) {
	allowed := []string{
		EntitlementApplicationIdentifier,
		EntitlementKeychainAccessGroups,
		EntitlementAppGroups,
		EntitlementGetTaskAllow,
		EntitlementIncreasedMemoryLimit,
		EntitlementTeamIdentifier,
		EntitlementInterAppAudio,
	}
	for _, key := range allowed {
		if !FreeTeamCanUseEntitlement(key) {
			t.Errorf("%s should be permitted", key)
		}
	}
	if FreeTeamCanUseEntitlement("com.apple.developer.healthkit") {
		t.Error("healthkit should not be permitted")
	}

	for _, key := range []string{EntitlementAppGroups, EntitlementInterAppAudio, EntitlementIncreasedMemoryLimit} {
		feature := FeatureForEntitlement(key)
		if feature == "" {
			t.Errorf("no feature for %s", key)
			continue
		}
		if EntitlementForFeature(feature) != key {
			t.Errorf("feature mapping for %s does not round trip", key)
		}
	}
	if FeatureForEntitlement(EntitlementGetTaskAllow) != "" {
		t.Error("get-task-allow should not map to a feature")
	}
}
