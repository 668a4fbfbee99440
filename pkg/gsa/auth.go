package gsa

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"howett.net/plist"
)

// maxAuthAttempts bounds the restart loop: each successful two-factor
// verification restarts the handshake from scratch, and a session that still
// demands verification after this many rounds is abandoned.
const maxAuthAttempts = 3

// VerificationCodeFunc supplies a two-factor verification code when the
// account demands one. Returning an empty string aborts the login.
type VerificationCodeFunc func(ctx context.Context) (string, error)

// Authenticator performs the full GSA login flow: SRP handshake, optional
// two-factor verification, app-token exchange. Safe for concurrent use; each
// Authenticate call owns its own handshake state.
type Authenticator struct {
	cfg Config
	log zerolog.Logger

	// VerificationCode is consulted when the account requires two-factor
	// authentication. Leaving it nil makes such logins fail with
	// ErrTwoFactorRequired.
	VerificationCode VerificationCodeFunc
}

func NewAuthenticator(cfg Config, log zerolog.Logger) *Authenticator {
	return &Authenticator{cfg: cfg.withDefaults(), log: log}
}

// Authenticate logs the account in and returns a session authorized for
// developer-services calls. When the server demands two-factor verification
// the code is requested, verified, and the whole handshake restarts with a
// fresh SRP context; the loop is bounded by maxAuthAttempts.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string, anisette *AnisetteData) (*Session, error) {
	for attempt := 1; attempt <= maxAuthAttempts; attempt++ {
		a.log.Debug().Int("attempt", attempt).Msg("starting authentication")

		session, retry, err := a.authenticateOnce(ctx, username, password, anisette)
		if err != nil {
			return nil, err
		}
		if !retry {
			return session, nil
		}
	}
	return nil, ErrTooManyAttempts
}

// authenticateOnce runs a single handshake. retry reports that two-factor
// verification succeeded and the caller should run the handshake again.
func (a *Authenticator) authenticateOnce(ctx context.Context, username, password string, anisette *AnisetteData) (session *Session, retry bool, err error) {
	srp := NewContext(username, password)
	clientPublic, err := srp.Start()
	if err != nil {
		return nil, false, err
	}

	cpd := makeClientProvidedData(anisette)

	initResp, err := sendRequest(ctx, a.cfg, anisette, map[string]interface{}{
		"A2k": clientPublic,
		"cpd": cpd,
		"o":   "init",
		"ps":  []string{"s2k", "s2k_fo"},
		"u":   srp.Username,
	})
	if err != nil {
		return nil, false, err
	}
	if err := checkStatus(initResp); err != nil {
		return nil, false, err
	}

	sessionID, ok := initResp["c"].(string)
	if !ok {
		return nil, false, ErrBadServerResponse
	}
	srp.Salt, ok = initResp["s"].([]byte)
	if !ok {
		return nil, false, ErrBadServerResponse
	}
	srp.ServerPublicKey, ok = initResp["B"].([]byte)
	if !ok {
		return nil, false, ErrBadServerResponse
	}
	iterations, ok := intField(initResp, "i")
	if !ok {
		return nil, false, ErrBadServerResponse
	}
	keyScheme, _ := initResp["sp"].(string)

	clientProof, err := srp.MakeVerificationMessage(int(iterations), keyScheme == "s2k_fo")
	if err != nil {
		return nil, false, err
	}

	completeResp, err := sendRequest(ctx, a.cfg, anisette, map[string]interface{}{
		"c":   sessionID,
		"cpd": cpd,
		"M1":  clientProof,
		"o":   "complete",
		"u":   srp.Username,
	})
	if err != nil {
		return nil, false, err
	}
	if err := checkStatus(completeResp); err != nil {
		return nil, false, err
	}

	serverProof, _ := completeResp["M2"].([]byte)
	if !srp.VerifyServerVerificationMessage(serverProof) {
		return nil, false, ErrHandshakeFailed
	}
	a.log.Debug().Msg("server proof verified")

	encryptedServerData, ok := completeResp["spd"].([]byte)
	if !ok {
		return nil, false, ErrBadServerResponse
	}
	serverData, err := srp.decryptCBC(encryptedServerData)
	if err != nil {
		return nil, false, err
	}

	var spd struct {
		DSID        string `plist:"adsid"`
		IDMSToken   string `plist:"GsIdmsToken"`
		SessionKey  []byte `plist:"sk"`
		TokenCookie []byte `plist:"c"`
	}
	if _, err := plist.Unmarshal(serverData, &spd); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadServerResponse, err)
	}
	if spd.DSID == "" || spd.IDMSToken == "" {
		return nil, false, ErrBadServerResponse
	}

	authType := authTypeHint(completeResp)
	switch authType {
	case "trustedDeviceSecondaryAuth":
		a.log.Info().Msg("two-factor verification required (trusted device)")
		if err := a.verifyTrustedDevice(ctx, spd.DSID, spd.IDMSToken, anisette); err != nil {
			return nil, false, err
		}
		return nil, true, nil

	case "secondaryAuth":
		a.log.Info().Msg("two-factor verification required (sms)")
		if err := a.verifySMS(ctx, spd.DSID, spd.IDMSToken, anisette); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	if len(spd.SessionKey) == 0 || len(spd.TokenCookie) == 0 {
		return nil, false, ErrBadServerResponse
	}
	srp.DSID = spd.DSID
	srp.SessionKey = spd.SessionKey

	token, err := a.fetchAuthToken(ctx, srp, spd.IDMSToken, spd.TokenCookie, cpd, anisette)
	if err != nil {
		return nil, false, err
	}

	a.log.Info().Str("dsid", spd.DSID).Msg("authenticated")
	return &Session{DSID: spd.DSID, AuthToken: token, Anisette: anisette}, false, nil
}

// fetchAuthToken exchanges the verified session for the Xcode service token:
// a checksum-signed apptokens request whose reply carries the token inside a
// GCM envelope keyed by the session key.
func (a *Authenticator) fetchAuthToken(ctx context.Context, srp *Context, idmsToken string, tokenCookie []byte, cpd map[string]interface{}, anisette *AnisetteData) (string, error) {
	checksum, err := srp.MakeChecksum(xcodeAuthAppID)
	if err != nil {
		return "", err
	}

	resp, err := sendRequest(ctx, a.cfg, anisette, map[string]interface{}{
		"app":      []string{xcodeAuthAppID},
		"c":        tokenCookie,
		"checksum": checksum,
		"cpd":      cpd,
		"o":        "apptokens",
		"t":        idmsToken,
		"u":        srp.DSID,
	})
	if err != nil {
		return "", err
	}
	if err := checkStatus(resp); err != nil {
		return "", err
	}

	encryptedTokens, ok := resp["et"].([]byte)
	if !ok {
		return "", ErrBadServerResponse
	}
	tokenData, err := decryptGCM(srp.SessionKey, encryptedTokens)
	if err != nil {
		return "", err
	}

	var tokens struct {
		Tokens map[string]struct {
			Token string `plist:"token"`
		} `plist:"t"`
	}
	if _, err := plist.Unmarshal(tokenData, &tokens); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadServerResponse, err)
	}
	token := tokens.Tokens[xcodeAuthAppID].Token
	if token == "" {
		return "", ErrBadServerResponse
	}
	return token, nil
}

func checkStatus(response map[string]interface{}) error {
	code, message, err := responseStatus(response)
	if err != nil {
		return err
	}
	return statusToError(code, message)
}

// authTypeHint pulls the secondary-authentication hint out of the Status
// dictionary. Empty means no further verification is needed.
func authTypeHint(response map[string]interface{}) string {
	status, ok := response["Status"].(map[string]interface{})
	if !ok {
		return ""
	}
	au, _ := status["au"].(string)
	return au
}

func intField(m map[string]interface{}, key string) (int64, bool) {
	switch v := m[key].(type) {
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
