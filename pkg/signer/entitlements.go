package signer

import (
	"encoding/asn1"
	"fmt"
	"sort"

	"howett.net/plist"

	"github.com/devsigner/devsign/pkg/bundle"
)

// entitlementsForSigning renders a profile's entitlements in both encodings
// the code signature carries: the XML plist slot and Apple's DER slot.
func entitlementsForSigning(profile *bundle.ProvisioningProfile) (xml, der []byte, err error) {
	if len(profile.Entitlements) == 0 {
		return nil, nil, nil
	}
	values := profile.Entitlements.PlistValue()

	xml, err = plist.MarshalIndent(values, plist.XMLFormat, "\t")
	if err != nil {
		return nil, nil, fmt.Errorf("signer: encoding entitlements plist: %w", err)
	}
	der, err = encodeEntitlementsDER(values)
	if err != nil {
		return nil, nil, fmt.Errorf("signer: encoding entitlements DER: %w", err)
	}
	return xml, der, nil
}

// encodeEntitlementsDER serializes entitlements in Apple's plist-DER layout:
// the whole document sits in an APPLICATION 16 wrapper holding an INTEGER
// version (1) and the dictionary body.
func encodeEntitlementsDER(values map[string]interface{}) ([]byte, error) {
	body, err := derDict(values)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, err
	}
	return derWrap(0x70, append(version, body...)), nil
}

// derDict encodes a dictionary as context tag [16] containing one SEQUENCE
// per key/value pair, keys sorted for deterministic output. There is no
// outer SEQUENCE around the pairs.
func derDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		value, err := derValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		pair := append(derUTF8(key), value...)
		pairs = append(pairs, derWrap(0x30, pair)...)
	}
	return derWrap(0xB0, pairs), nil
}

func derValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return derUTF8(val), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			encoded, err := derValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, encoded...)
		}
		return derWrap(0x30, content), nil
	case []string:
		var content []byte
		for _, item := range val {
			content = append(content, derUTF8(item)...)
		}
		return derWrap(0x30, content), nil
	case map[string]interface{}:
		return derDict(val)
	default:
		return nil, fmt.Errorf("unsupported entitlement value type %T", v)
	}
}

// Apple uses UTF8String for both keys and string values.
func derUTF8(s string) []byte {
	return derWrap(0x0C, []byte(s))
}

// derWrap prefixes content with a DER tag and definite length.
func derWrap(tag byte, content []byte) []byte {
	length := len(content)
	var header []byte
	switch {
	case length < 0x80:
		header = []byte{tag, byte(length)}
	case length < 0x100:
		header = []byte{tag, 0x81, byte(length)}
	case length < 0x10000:
		header = []byte{tag, 0x82, byte(length >> 8), byte(length)}
	default:
		header = []byte{tag, 0x83, byte(length >> 16), byte(length >> 8), byte(length)}
	}
	return append(header, content...)
}
