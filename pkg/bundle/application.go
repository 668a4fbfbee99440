package bundle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"howett.net/plist"
)

// DeviceType is a bitset of the device families an app or profile targets.
type DeviceType uint8

const (
	DeviceTypeNone    DeviceType = 0
	DeviceTypeIPhone  DeviceType = 1 << 0
	DeviceTypeIPad    DeviceType = 1 << 1
	DeviceTypeAppleTV DeviceType = 1 << 2

	DeviceTypeAll = DeviceTypeIPhone | DeviceTypeIPad | DeviceTypeAppleTV
)

// DeviceTypeFromFamily maps a UIDeviceFamily entry to its device type.
func DeviceTypeFromFamily(family int) DeviceType {
	switch family {
	case 1:
		return DeviceTypeIPhone
	case 2:
		return DeviceTypeIPad
	case 3:
		return DeviceTypeAppleTV
	default:
		return DeviceTypeNone
	}
}

// Contains reports whether every family in other is present in t.
func (t DeviceType) Contains(other DeviceType) bool {
	return t&other == other && other != DeviceTypeNone
}

// ErrMissingInfoPlist is returned when a bundle directory has no readable
// Info.plist.
var ErrMissingInfoPlist = errors.New("bundle: missing Info.plist")

// Application wraps an .app bundle on disk. Metadata comes from Info.plist
// at open time; entitlements, the embedded provisioning profile, and nested
// app extensions are resolved lazily and cached.
type Application struct {
	Path             string
	Name             string
	BundleIdentifier string
	Version          string
	MinimumOSVersion string
	DeviceTypes      DeviceType

	entitlementsOnce sync.Once
	rawEntitlements  string
	entitlements     Entitlements
	entitlementsErr  error

	profileOnce sync.Once
	profile     *ProvisioningProfile
	profileErr  error

	extensionsOnce sync.Once
	extensions     []*Application
	extensionsErr  error
}

type infoPlist struct {
	BundleIdentifier   string `plist:"CFBundleIdentifier"`
	BundleName         string `plist:"CFBundleName"`
	BundleDisplayName  string `plist:"CFBundleDisplayName"`
	BundleExecutable   string `plist:"CFBundleExecutable"`
	ShortVersionString string `plist:"CFBundleShortVersionString"`
	MinimumOSVersion   string `plist:"MinimumOSVersion"`
	DeviceFamilies     []int  `plist:"UIDeviceFamily"`
}

// OpenApplication reads the bundle's Info.plist and returns an Application
// rooted at path.
func OpenApplication(path string) (*Application, error) {
	info, err := readInfoPlist(path)
	if err != nil {
		return nil, err
	}
	if info.BundleIdentifier == "" {
		return nil, fmt.Errorf("bundle: %s: Info.plist has no CFBundleIdentifier", path)
	}

	name := info.BundleDisplayName
	if name == "" {
		name = info.BundleName
	}
	version := info.ShortVersionString
	if version == "" {
		version = "1.0"
	}

	deviceTypes := DeviceTypeNone
	for _, family := range info.DeviceFamilies {
		deviceTypes |= DeviceTypeFromFamily(family)
	}
	if deviceTypes == DeviceTypeNone {
		deviceTypes = DeviceTypeIPhone
	}

	return &Application{
		Path:             path,
		Name:             name,
		BundleIdentifier: info.BundleIdentifier,
		Version:          version,
		MinimumOSVersion: info.MinimumOSVersion,
		DeviceTypes:      deviceTypes,
	}, nil
}

// ExecutablePath returns the path of the bundle's main binary.
func (a *Application) ExecutablePath() (string, error) {
	return findExecutable(a.Path)
}

// RawEntitlements returns the UTF-8 entitlements plist embedded in the main
// binary's code signature. Empty means the binary carries no entitlements.
func (a *Application) RawEntitlements() (string, error) {
	a.loadEntitlements()
	return a.rawEntitlements, a.entitlementsErr
}

// Entitlements returns the parsed entitlements dictionary. An unsigned
// binary yields an empty map.
func (a *Application) Entitlements() (Entitlements, error) {
	a.loadEntitlements()
	return a.entitlements, a.entitlementsErr
}

func (a *Application) loadEntitlements() {
	a.entitlementsOnce.Do(func() {
		raw, err := ExtractEntitlements(a.Path)
		if err != nil {
			a.entitlementsErr = err
			return
		}
		a.rawEntitlements = raw

		start := strings.Index(raw, "<?xml")
		if start < 0 {
			a.entitlements = Entitlements{}
			return
		}
		end := strings.Index(raw[start:], "</plist>")
		if end < 0 {
			a.entitlements = Entitlements{}
			return
		}
		doc := raw[start : start+end+len("</plist>")]

		var decoded map[string]interface{}
		if _, err := plist.Unmarshal([]byte(doc), &decoded); err != nil {
			a.entitlements = Entitlements{}
			return
		}
		a.entitlements = DecodeEntitlements(decoded)
	})
}

// ProvisioningProfile returns the bundle's embedded.mobileprovision, or nil
// when the bundle has none.
func (a *Application) ProvisioningProfile() (*ProvisioningProfile, error) {
	a.profileOnce.Do(func() {
		data, err := os.ReadFile(filepath.Join(a.Path, "embedded.mobileprovision"))
		if os.IsNotExist(err) {
			return
		}
		if err != nil {
			a.profileErr = err
			return
		}
		a.profile, a.profileErr = ParseProvisioningProfile(data)
	})
	return a.profile, a.profileErr
}

// AppExtensions returns the nested .appex bundles under PlugIns.
func (a *Application) AppExtensions() ([]*Application, error) {
	a.extensionsOnce.Do(func() {
		entries, err := os.ReadDir(filepath.Join(a.Path, "PlugIns"))
		if os.IsNotExist(err) {
			return
		}
		if err != nil {
			a.extensionsErr = err
			return
		}
		for _, entry := range entries {
			if !entry.IsDir() || filepath.Ext(entry.Name()) != ".appex" {
				continue
			}
			extension, err := OpenApplication(filepath.Join(a.Path, "PlugIns", entry.Name()))
			if err != nil {
				a.extensionsErr = err
				return
			}
			a.extensions = append(a.extensions, extension)
		}
	})
	return a.extensions, a.extensionsErr
}

func readInfoPlist(bundlePath string) (*infoPlist, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingInfoPlist, bundlePath)
	}
	var info infoPlist
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("bundle: %s: parsing Info.plist: %w", bundlePath, err)
	}
	return &info, nil
}

// findExecutable resolves a bundle directory to its main binary via
// CFBundleExecutable.
func findExecutable(bundlePath string) (string, error) {
	info, err := readInfoPlist(bundlePath)
	if err != nil {
		return "", err
	}
	if info.BundleExecutable == "" {
		return "", fmt.Errorf("bundle: %s: Info.plist has no CFBundleExecutable", bundlePath)
	}
	return filepath.Join(bundlePath, info.BundleExecutable), nil
}
