// Package devsign automates Apple developer-account workflows: GSA
// authentication, developer-services resource management, and on-device
// code signing.
//
// The subpackages do the real work; this package wires them together for
// the common path of signing an app with a development certificate:
//
//	anisette, _ := gsa.ParseAnisetteData(machineData)
//	client, err := devsign.SignIn(ctx, username, password, anisette, devsign.Options{})
//	teams, err := client.Teams(ctx)
//	...
package devsign

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/devsigner/devsign/pkg/developer"
	"github.com/devsigner/devsign/pkg/gsa"
	"github.com/devsigner/devsign/pkg/signer"
)

// Options configures a sign-in. The zero value uses Apple's production
// endpoints and default client identifiers.
type Options struct {
	GSA       gsa.Config
	Developer developer.Config

	// VerificationCode supplies a two-factor code when the account requires
	// one. Nil makes two-factor logins fail with gsa.ErrTwoFactorRequired.
	VerificationCode gsa.VerificationCodeFunc

	// Signer configures signing pipelines created through SignerFor.
	Signer signer.Options

	Logger zerolog.Logger
}

// Client is an authenticated developer-services session.
type Client struct {
	Session   *gsa.Session
	Developer *developer.Client

	opts Options
}

// SignIn authenticates the account and returns a client authorized for
// developer-services calls.
func SignIn(ctx context.Context, username, password string, anisette *gsa.AnisetteData, opts Options) (*Client, error) {
	auth := gsa.NewAuthenticator(opts.GSA, opts.Logger)
	auth.VerificationCode = opts.VerificationCode

	session, err := auth.Authenticate(ctx, username, password, anisette)
	if err != nil {
		return nil, err
	}
	return &Client{
		Session:   session,
		Developer: developer.NewClient(opts.Developer, session, opts.Logger),
		opts:      opts,
	}, nil
}

// Account fetches the signed-in developer account.
func (c *Client) Account(ctx context.Context) (*developer.Account, error) {
	return c.Developer.FetchAccount(ctx)
}

// Teams lists the account's development teams, each carrying the resolved
// account.
func (c *Client) Teams(ctx context.Context) ([]*developer.Team, error) {
	account, err := c.Developer.FetchAccount(ctx)
	if err != nil {
		return nil, err
	}
	return c.Developer.FetchTeams(ctx, account)
}

// SignerFor returns a signing pipeline bound to one team's certificate.
func (c *Client) SignerFor(team *developer.Team, certificate *developer.Certificate) *signer.Signer {
	return signer.NewSigner(team, certificate, c.opts.Signer, c.opts.Logger)
}
