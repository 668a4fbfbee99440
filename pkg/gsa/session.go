package gsa

// Session is the credential triple that authorizes developer-services calls:
// the account's directory-services identifier, the Xcode auth token obtained
// from the app-token exchange, and the anisette snapshot the token was issued
// against.
//
// A session carries no expiry. Callers should treat authorization failures
// from downstream services as "session invalid" and authenticate again.
type Session struct {
	DSID      string
	AuthToken string
	Anisette  *AnisetteData
}
