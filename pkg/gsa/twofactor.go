package gsa

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"howett.net/plist"
)

// verifyTrustedDevice runs the trusted-device two-factor sub-flow: ask the
// service to push a code to the account's devices, collect the code from the
// configured provider, then submit it to the validate endpoint.
func (a *Authenticator) verifyTrustedDevice(ctx context.Context, dsid, idmsToken string, anisette *AnisetteData) error {
	if a.VerificationCode == nil {
		return ErrTwoFactorRequired
	}

	resp, err := a.twoFactorRequest(ctx, http.MethodGet, a.cfg.TwoFactorBaseURL+"/verify/trusteddevice", dsid, idmsToken, anisette, nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	code, err := a.VerificationCode(ctx)
	if err != nil {
		return err
	}
	if code == "" {
		return ErrTwoFactorRequired
	}

	resp, err = a.twoFactorRequest(ctx, http.MethodGet, a.cfg.AuthURL+"/validate", dsid, idmsToken, anisette, nil, http.Header{
		"security-code": []string{code},
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkTwoFactorStatus(resp.Body)
}

// verifySMS runs the SMS sub-flow. The security-code submission endpoint
// returns no structured body; success is signaled by the presence of the
// X-Apple-PE-Token response header.
func (a *Authenticator) verifySMS(ctx context.Context, dsid, idmsToken string, anisette *AnisetteData) error {
	if a.VerificationCode == nil {
		return ErrTwoFactorRequired
	}

	requestBody := map[string]interface{}{
		"phoneNumber": map[string]interface{}{"id": 1},
		"mode":        "sms",
	}
	resp, err := a.twoFactorRequest(ctx, http.MethodPut, a.cfg.TwoFactorBaseURL+"/verify/phone/put?mode=sms", dsid, idmsToken, anisette, requestBody, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()

	code, err := a.VerificationCode(ctx)
	if err != nil {
		return err
	}
	if code == "" {
		return ErrTwoFactorRequired
	}

	submitBody := map[string]interface{}{
		"phoneNumber":  map[string]interface{}{"id": 1},
		"mode":         "sms",
		"securityCode": map[string]interface{}{"code": code},
	}
	resp, err = a.twoFactorRequest(ctx, http.MethodPost, a.cfg.TwoFactorBaseURL+"/verify/phone/securitycode", dsid, idmsToken, anisette, submitBody, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.Header.Get("X-Apple-PE-Token") == "" {
		return ErrIncorrectVerificationCode
	}
	return nil
}

// twoFactorRequest issues one authenticated call against the verification
// endpoints. The identity token is the base64 of "dsid:idmsToken".
func (a *Authenticator) twoFactorRequest(ctx context.Context, method, url, dsid, idmsToken string, anisette *AnisetteData, body map[string]interface{}, extra http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := plist.MarshalIndent(body, plist.XMLFormat, "\t")
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}

	identityToken := base64.StdEncoding.EncodeToString([]byte(dsid + ":" + idmsToken))
	req.Header.Set("Content-Type", "text/x-xml-plist")
	req.Header.Set("Accept", "text/x-xml-plist")
	req.Header.Set("User-Agent", "Xcode")
	req.Header.Set("X-Apple-App-Info", xcodeAuthAppID)
	req.Header.Set("X-Apple-Identity-Token", identityToken)
	anisette.ApplyHeaders(req.Header)
	for key, values := range extra {
		for _, value := range values {
			req.Header.Set(key, value)
		}
	}

	return a.cfg.HTTPClient.Do(req)
}

// checkTwoFactorStatus reads a validate-endpoint reply and maps its status
// code. An unparseable body is a protocol error.
func checkTwoFactorStatus(body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	var reply struct {
		Code    int64  `plist:"ec"`
		Message string `plist:"em"`
	}
	if _, err := plist.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrBadServerResponse, err)
	}
	return statusToError(reply.Code, reply.Message)
}
