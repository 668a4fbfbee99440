package developer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/devsigner/devsign/pkg/bundle"
)

const testProfileTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>Name</key>
	<string>iOS Team Provisioning Profile: %s</string>
	<key>UUID</key>
	<string>f47ac10b-58cc-4372-a567-0e02b2c3d479</string>
	<key>TeamIdentifier</key>
	<array>
		<string>ABCDE12345</string>
	</array>
	<key>TeamName</key>
	<string>Johnny Appleseed</string>
	<key>CreationDate</key>
	<date>2024-05-20T12:00:00Z</date>
	<key>ExpirationDate</key>
	<date>2024-07-20T12:00:00Z</date>
	<key>LocalProvision</key>
	<true/>
	<key>ProvisionedDevices</key>
	<array>
		<string>udid-one</string>
	</array>
	<key>Entitlements</key>
	<dict>
		<key>application-identifier</key>
		<string>ABCDE12345.%s</string>
		<key>get-task-allow</key>
		<true/>
	</dict>
</dict>
</plist>`

func TestFetchProvisioningProfile(t *testing.T) {
	profilePlist := fmt.Sprintf(testProfileTemplate, "com.example.app", "com.example.app")

	var captured legacyRequest
	client, _ := newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
		"provisioningProfile": map[string]interface{}{
			"provisioningProfileId": "PROFILE123",
			"encodedProfile":        []byte(profilePlist),
		},
	}))

	team := &Team{Identifier: "ABCDE12345"}
	appID := &AppID{Identifier: "APPID123", BundleIdentifier: "com.example.app"}
	profile, err := client.FetchProvisioningProfile(context.Background(), team, appID, bundle.DeviceTypeIPhone)
	if err != nil {
		t.Fatalf("FetchProvisioningProfile: %v", err)
	}

	if profile.Identifier != "PROFILE123" {
		t.Errorf("Identifier = %q", profile.Identifier)
	}
	if profile.UUID != "f47ac10b-58cc-4372-a567-0e02b2c3d479" {
		t.Errorf("UUID = %q", profile.UUID)
	}
	if profile.TeamIdentifier != "ABCDE12345" {
		t.Errorf("TeamIdentifier = %q", profile.TeamIdentifier)
	}
	if profile.BundleIdentifier != "com.example.app" {
		t.Errorf("BundleIdentifier = %q", profile.BundleIdentifier)
	}
	if !profile.IsFreeProvisioningProfile {
		t.Error("IsFreeProvisioningProfile should be set")
	}
	if string(profile.Data) != profilePlist {
		t.Error("Data should hold the raw profile bytes")
	}

	if captured.body["appIdId"] != "APPID123" {
		t.Errorf("appIdId = %v", captured.body["appIdId"])
	}
	if captured.body["DTDK_Platform"] != "ios" {
		t.Errorf("DTDK_Platform = %v", captured.body["DTDK_Platform"])
	}
	if _, present := captured.body["subPlatform"]; present {
		t.Error("subPlatform should be absent for iOS requests")
	}
}

func TestFetchProvisioningProfileTVPlatform(t *testing.T) {
	profilePlist := fmt.Sprintf(testProfileTemplate, "com.example.tv", "com.example.tv")

	var captured legacyRequest
	client, _ := newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
		"provisioningProfile": map[string]interface{}{
			"provisioningProfileId": "PROFILE456",
			"encodedProfile":        []byte(profilePlist),
		},
	}))

	team := &Team{Identifier: "ABCDE12345"}
	appID := &AppID{Identifier: "APPID456"}
	if _, err := client.FetchProvisioningProfile(context.Background(), team, appID, bundle.DeviceTypeAppleTV); err != nil {
		t.Fatalf("FetchProvisioningProfile: %v", err)
	}
	if captured.body["DTDK_Platform"] != "tvos" || captured.body["subPlatform"] != "tvOS" {
		t.Errorf("platform params = %v / %v", captured.body["DTDK_Platform"], captured.body["subPlatform"])
	}
}

func TestFetchProvisioningProfileMissingAppID(t *testing.T) {
	client, _ := newTestClient(t, legacyHandler(t, nil, map[string]interface{}{
		"resultCode": 8201,
	}))

	team := &Team{Identifier: "ABCDE12345"}
	appID := &AppID{Identifier: "NOPE"}
	_, err := client.FetchProvisioningProfile(context.Background(), team, appID, bundle.DeviceTypeIPhone)
	if !errors.Is(err, ErrAppIDDoesNotExist) {
		t.Errorf("got %v, want ErrAppIDDoesNotExist", err)
	}
}

func TestDeleteProvisioningProfile(t *testing.T) {
	var captured legacyRequest
	client, _ := newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
	}))

	team := &Team{Identifier: "ABCDE12345"}
	profile := &bundle.ProvisioningProfile{Identifier: "PROFILE123"}
	if err := client.DeleteProvisioningProfile(context.Background(), team, profile); err != nil {
		t.Fatalf("DeleteProvisioningProfile: %v", err)
	}
	if captured.body["provisioningProfileId"] != "PROFILE123" {
		t.Errorf("provisioningProfileId = %v", captured.body["provisioningProfileId"])
	}

	client, _ = newTestClient(t, legacyHandler(t, nil, map[string]interface{}{
		"resultCode": 8101,
	}))
	err := client.DeleteProvisioningProfile(context.Background(), team, profile)
	if !errors.Is(err, ErrProvisioningProfileDoesNotExist) {
		t.Errorf("got %v, want ErrProvisioningProfileDoesNotExist", err)
	}
}

func TestAppGroups(t *testing.T) {
	var captured legacyRequest
	client, _ := newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
		"applicationGroup": map[string]interface{}{
			"name":             "Example Group",
			"applicationGroup": "GROUPRES1",
			"identifier":       "group.com.example.app",
		},
	}))

	team := &Team{Identifier: "TEAM123"}
	group, err := client.AddAppGroup(context.Background(), team, "Example Group", "group.com.example.app")
	if err != nil {
		t.Fatalf("AddAppGroup: %v", err)
	}
	if group.Identifier != "GROUPRES1" || group.GroupIdentifier != "group.com.example.app" {
		t.Errorf("group = %+v", group)
	}

	client, _ = newTestClient(t, legacyHandler(t, &captured, map[string]interface{}{
		"resultCode": 0,
	}))
	appID := &AppID{Identifier: "APPID123"}
	err = client.AssignAppGroups(context.Background(), team, appID, []*AppGroup{
		{Identifier: "GROUPRES1"},
		{Identifier: "GROUPRES2"},
	})
	if err != nil {
		t.Fatalf("AssignAppGroups: %v", err)
	}
	if captured.body["applicationGroups"] != "GROUPRES1,GROUPRES2" {
		t.Errorf("applicationGroups = %v", captured.body["applicationGroups"])
	}
	if captured.body["appIdId"] != "APPID123" {
		t.Errorf("appIdId = %v", captured.body["appIdId"])
	}
}
