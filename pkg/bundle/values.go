// Package bundle models on-disk application bundles: Info.plist metadata,
// embedded provisioning profiles, and the entitlements carried in a Mach-O
// executable's code signature.
package bundle

// EntitlementValue is one value in an entitlements or capability dictionary.
// The implementations cover the value kinds Apple's plists actually use:
// string, integer, float, boolean, and string list. Anything else in an
// incoming plist is dropped at decode time.
type EntitlementValue interface {
	entitlementValue()

	// PlistValue returns the plain value for plist or JSON serialization.
	PlistValue() interface{}
}

type (
	StringValue     string
	IntValue        int64
	FloatValue      float64
	BoolValue       bool
	StringListValue []string
)

func (StringValue) entitlementValue()     {}
func (IntValue) entitlementValue()        {}
func (FloatValue) entitlementValue()      {}
func (BoolValue) entitlementValue()       {}
func (StringListValue) entitlementValue() {}

func (v StringValue) PlistValue() interface{} { return string(v) }
func (v IntValue) PlistValue() interface{}    { return int64(v) }
func (v FloatValue) PlistValue() interface{}  { return float64(v) }
func (v BoolValue) PlistValue() interface{}   { return bool(v) }
func (v StringListValue) PlistValue() interface{} {
	out := make([]interface{}, len(v))
	for i, s := range v {
		out[i] = s
	}
	return out
}

// Entitlements is a typed entitlements dictionary.
type Entitlements map[string]EntitlementValue

// DecodeEntitlements converts a freshly unmarshaled plist dictionary into a
// typed entitlements map, dropping entries whose values fall outside the
// known kinds.
func DecodeEntitlements(raw map[string]interface{}) Entitlements {
	out := make(Entitlements, len(raw))
	for key, value := range raw {
		if v, ok := entitlementValueOf(value); ok {
			out[key] = v
		}
	}
	return out
}

// PlistValue converts the map back to the form plist and JSON encoders
// accept.
func (e Entitlements) PlistValue() map[string]interface{} {
	out := make(map[string]interface{}, len(e))
	for key, value := range e {
		out[key] = value.PlistValue()
	}
	return out
}

// String returns the value for key if it is a string entitlement.
func (e Entitlements) String(key string) (string, bool) {
	v, ok := e[key].(StringValue)
	return string(v), ok
}

func entitlementValueOf(value interface{}) (EntitlementValue, bool) {
	switch v := value.(type) {
	case string:
		return StringValue(v), true
	case bool:
		return BoolValue(v), true
	case int:
		return IntValue(v), true
	case int64:
		return IntValue(v), true
	case uint64:
		return IntValue(v), true
	case float64:
		return FloatValue(v), true
	case []interface{}:
		list := make(StringListValue, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			list = append(list, s)
		}
		return list, true
	case []string:
		return StringListValue(v), true
	default:
		return nil, false
	}
}
