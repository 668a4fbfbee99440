package developer

import (
	"context"

	"github.com/devsigner/devsign/pkg/bundle"
)

// Device is a registered development device.
type Device struct {
	Name       string
	Identifier string
	Type       bundle.DeviceType
}

func deviceFromResponse(dict map[string]interface{}) (*Device, bool) {
	name, _ := dict["name"].(string)
	identifier, _ := dict["deviceNumber"].(string)
	if name == "" || identifier == "" {
		return nil, false
	}

	deviceClass, _ := dict["deviceClass"].(string)
	device := &Device{Name: name, Identifier: identifier}
	switch deviceClass {
	case "", "iphone":
		device.Type = bundle.DeviceTypeIPhone
	case "ipad":
		device.Type = bundle.DeviceTypeIPad
	case "tvOS", "tvos":
		device.Type = bundle.DeviceTypeAppleTV
	default:
		device.Type = bundle.DeviceTypeNone
	}
	return device, true
}

// FetchDevices lists the team's registered devices, filtered to the
// requested device families.
func (c *Client) FetchDevices(ctx context.Context, team *Team, types bundle.DeviceType) ([]*Device, error) {
	const action = "ios/listDevices.action"

	response, err := c.sendLegacy(ctx, action, team.Identifier, nil)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "devices")
	if err != nil {
		return nil, err
	}
	array, ok := payload.([]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}

	var devices []*Device
	for _, item := range array {
		dict, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		device, ok := deviceFromResponse(dict)
		if !ok {
			continue
		}
		if types.Contains(device.Type) {
			devices = append(devices, device)
		}
	}
	return devices, nil
}

// RegisterDevice adds a device to the team. The platform parameters follow
// the device family: iPads register against the ios platform explicitly and
// Apple TVs against tvos.
func (c *Client) RegisterDevice(ctx context.Context, team *Team, name, udid string, deviceType bundle.DeviceType) (*Device, error) {
	const action = "ios/addDevice.action"

	params := map[string]interface{}{
		"deviceNumber": udid,
		"name":         name,
	}
	switch deviceType {
	case bundle.DeviceTypeIPad:
		params["DTDK_Platform"] = "ios"
	case bundle.DeviceTypeAppleTV:
		params["DTDK_Platform"] = "tvos"
		params["subPlatform"] = "tvOS"
	}

	response, err := c.sendLegacy(ctx, action, team.Identifier, params)
	if err != nil {
		return nil, err
	}
	payload, err := legacyPayload(action, response, "device")
	if err != nil {
		return nil, err
	}
	dict, ok := payload.(map[string]interface{})
	if !ok {
		return nil, ErrBadServerResponse
	}
	device, ok := deviceFromResponse(dict)
	if !ok {
		return nil, ErrBadServerResponse
	}
	return device, nil
}
