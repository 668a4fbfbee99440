package gsa

import (
	"net/http"
	"testing"
)

func TestParseAnisetteData(t *testing.T) {
	raw := []byte(`{
		"machineID": "machine-id",
		"oneTimePassword": "otp",
		"localUserID": "local-user",
		"routingInfo": "17106176",
		"deviceUniqueIdentifier": "00000000-0000-0000-0000-000000000001",
		"deviceSerialNumber": "C02TEST",
		"deviceDescription": "<MacBookPro15,1> <macOS;13.1;22C65> <test>",
		"date": "2024-05-20T12:00:00Z",
		"locale": "en_US",
		"timeZone": "UTC"
	}`)

	a, err := ParseAnisetteData(raw)
	if err != nil {
		t.Fatalf("ParseAnisetteData: %v", err)
	}
	if a.RoutingInfo != 17106176 {
		t.Errorf("RoutingInfo = %d, want 17106176", a.RoutingInfo)
	}
	if a.MachineID != "machine-id" {
		t.Errorf("MachineID = %q", a.MachineID)
	}
	if a.Date.Year() != 2024 {
		t.Errorf("Date = %v", a.Date)
	}
}

func TestParseAnisetteDataRejectsBadRoutingInfo(t *testing.T) {
	if _, err := ParseAnisetteData([]byte(`{"routingInfo": "not-a-number"}`)); err == nil {
		t.Fatal("expected error for non-numeric routingInfo")
	}
}

func TestApplyHeaders(t *testing.T) {
	header := make(http.Header)
	testAnisette().ApplyHeaders(header)

	want := map[string]string{
		"X-Apple-I-MD-M":        "machine-id",
		"X-Apple-I-MD":          "one-time-password",
		"X-Apple-I-MD-LU":       "local-user",
		"X-Apple-I-MD-RINFO":    "17106176",
		"X-Mme-Device-Id":       "00000000-0000-0000-0000-000000000001",
		"X-Apple-I-Client-Time": "2024-05-20T12:00:00Z",
		"X-Apple-Locale":        "en_US",
		"X-Apple-I-TimeZone":    "UTC",
	}
	for key, value := range want {
		if got := header.Get(key); got != value {
			t.Errorf("%s = %q, want %q", key, got, value)
		}
	}
}
