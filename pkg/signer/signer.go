// Package signer sequences the signing pipeline for an app bundle or .ipa:
// provisioning-profile matching and injection, certificate-chain rebuild,
// Mach-O signing, and re-archiving, with cleanup of every temporary
// resource on all exit paths.
package signer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devsigner/devsign/pkg/bundle"
	"github.com/devsigner/devsign/pkg/developer"
)

var (
	ErrMissingAppBundle           = errors.New("signer: missing app bundle")
	ErrInvalidApp                 = errors.New("signer: invalid app bundle")
	ErrMissingProvisioningProfile = errors.New("signer: missing provisioning profile")
	ErrMissingPrivateKey          = errors.New("signer: certificate has no private key")
)

// SignRequest is the contract between the orchestrator and a signing
// primitive. Everything the primitive needs arrives as file paths inside
// the pipeline's private work directory.
type SignRequest struct {
	BundlePath  string
	P12Path     string
	KeyPath     string
	ProfilePath string
	P12Password string
	BundleID    string
	DisplayName string
}

// SignFunc signs the bundle at req.BundlePath in place. Implementations
// must have flushed all writes when they return.
type SignFunc func(req *SignRequest) error

// ProgressFunc receives coarse progress: completed and total count files in
// the bundle being signed.
type ProgressFunc func(completed, total int)

// Options configures one Signer.
type Options struct {
	// P12Password protects the rebuilt signing container. Empty produces
	// an unencrypted container.
	P12Password string

	// WorkDir hosts the pipeline's uniquely named scratch directories.
	// Defaults to the system temp directory.
	WorkDir string

	// Sign overrides the signing primitive. Defaults to NativeSign.
	Sign SignFunc

	// Progress, when set, receives progress updates.
	Progress ProgressFunc
}

func (o Options) withDefaults() Options {
	if o.WorkDir == "" {
		o.WorkDir = os.TempDir()
	}
	if o.Sign == nil {
		o.Sign = NativeSign
	}
	return o
}

// pipeline states, in order. failed absorbs every step's errors.
type pipelineState int

const (
	stateReceived pipelineState = iota
	stateUnpacked
	stateAppResolved
	stateProfilesMatched
	stateProfilesInjected
	stateCertBundleBuilt
	stateSigned
	stateRepacked
	stateDone
	stateFailed
)

func (s pipelineState) String() string {
	switch s {
	case stateReceived:
		return "received"
	case stateUnpacked:
		return "unpacked"
	case stateAppResolved:
		return "app-resolved"
	case stateProfilesMatched:
		return "profiles-matched"
	case stateProfilesInjected:
		return "profiles-injected"
	case stateCertBundleBuilt:
		return "cert-bundle-built"
	case stateSigned:
		return "signed"
	case stateRepacked:
		return "repacked"
	case stateDone:
		return "done"
	default:
		return "failed"
	}
}

// Signer signs app bundles with one team's certificate. Safe for concurrent
// SignApp calls; each call works in its own scratch directory.
type Signer struct {
	team        *developer.Team
	certificate *developer.Certificate
	opts        Options
	log         zerolog.Logger
}

func NewSigner(team *developer.Team, certificate *developer.Certificate, opts Options, log zerolog.Logger) *Signer {
	if team != nil {
		log = log.With().Str("team", team.Identifier).Logger()
	}
	return &Signer{
		team:        team,
		certificate: certificate,
		opts:        opts.withDefaults(),
		log:         log,
	}
}

// SignApp signs the bundle or .ipa at appPath in place using the first
// profile whose bundle identifier matches each target. The main app and
// every nested app extension must have a matching profile before anything
// is signed. Cancellation is honored at step boundaries.
func (s *Signer) SignApp(ctx context.Context, appPath string, profiles []*bundle.ProvisioningProfile) error {
	p := &pipeline{signer: s, state: stateReceived}
	err := p.run(ctx, appPath, profiles)
	if err != nil {
		s.log.Debug().Str("state", p.state.String()).Err(err).Msg("signing failed")
		p.state = stateFailed
	}
	return err
}

type pipeline struct {
	signer *Signer
	state  pipelineState

	workDir   string
	total     int
	completed int
}

func (p *pipeline) advance(next pipelineState) {
	p.state = next
	p.signer.log.Debug().Str("state", next.String()).Msg("signing pipeline")
}

func (p *pipeline) report(completed int) {
	p.completed = completed
	if fn := p.signer.opts.Progress; fn != nil {
		fn(p.completed, p.total)
	}
}

func (p *pipeline) run(ctx context.Context, appPath string, profiles []*bundle.ProvisioningProfile) error {
	workDir := filepath.Join(p.signer.opts.WorkDir, uuid.NewString())
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return fmt.Errorf("signer: creating work directory: %w", err)
	}
	p.workDir = workDir
	defer os.RemoveAll(workDir)

	isArchive := strings.EqualFold(filepath.Ext(appPath), ".ipa")
	bundlePath := appPath
	if isArchive {
		extracted := filepath.Join(workDir, "extracted")
		if err := extractArchive(appPath, extracted); err != nil {
			return fmt.Errorf("%w: %v", ErrMissingAppBundle, err)
		}
		found, err := findAppBundle(extracted)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMissingAppBundle, err)
		}
		bundlePath = found
		p.advance(stateUnpacked)
	}

	app, err := bundle.OpenApplication(bundlePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidApp, err)
	}
	p.advance(stateAppResolved)
	p.total = countFiles(bundlePath)
	p.report(0)

	if err := ctx.Err(); err != nil {
		return err
	}

	// Every target needs its profile resolved before anything is written.
	extensions, err := app.AppExtensions()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidApp, err)
	}
	targets := append([]*bundle.Application{app}, extensions...)
	matched := make([]*bundle.ProvisioningProfile, len(targets))
	for i, target := range targets {
		profile := profileForBundleID(profiles, target.BundleIdentifier)
		if profile == nil {
			return fmt.Errorf("%w: %s", ErrMissingProvisioningProfile, target.BundleIdentifier)
		}
		matched[i] = profile
	}
	p.advance(stateProfilesMatched)

	for i, target := range targets {
		embedded := filepath.Join(target.Path, "embedded.mobileprovision")
		if err := os.WriteFile(embedded, matched[i].Data, 0o644); err != nil {
			return fmt.Errorf("signer: writing %s: %w", embedded, err)
		}
	}
	p.advance(stateProfilesInjected)

	if err := ctx.Err(); err != nil {
		return err
	}

	req, err := p.prepareSignRequest(bundlePath, app, matched[0])
	if err != nil {
		return err
	}
	p.advance(stateCertBundleBuilt)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := p.signer.opts.Sign(req); err != nil {
		return fmt.Errorf("signer: signing %s: %w", app.BundleIdentifier, err)
	}
	p.advance(stateSigned)
	p.report(p.total)

	if isArchive {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Repack beside the original and rename over it, so a failed repack
		// leaves the input archive intact.
		extracted := filepath.Join(p.workDir, "extracted")
		repacked := appPath + ".repack"
		if err := repackArchive(extracted, repacked); err != nil {
			os.Remove(repacked)
			return fmt.Errorf("signer: repacking archive: %w", err)
		}
		if err := os.Rename(repacked, appPath); err != nil {
			os.Remove(repacked)
			return fmt.Errorf("signer: replacing archive: %w", err)
		}
		p.advance(stateRepacked)
	}

	p.advance(stateDone)
	return nil
}

// prepareSignRequest materializes the signing inputs as files in the work
// directory: the rebuilt PKCS#12, the private key PEM, and the main
// profile.
func (p *pipeline) prepareSignRequest(bundlePath string, app *bundle.Application, profile *bundle.ProvisioningProfile) (*SignRequest, error) {
	cert := p.signer.certificate
	if len(cert.PrivateKey) == 0 {
		return nil, ErrMissingPrivateKey
	}

	p12, err := BuildSigningP12(cert.Data, cert.PrivateKey, p.signer.opts.P12Password)
	if err != nil {
		return nil, err
	}

	p12Path := filepath.Join(p.workDir, "certificate.p12")
	if err := os.WriteFile(p12Path, p12, 0o600); err != nil {
		return nil, fmt.Errorf("signer: writing PKCS#12: %w", err)
	}
	keyPath := filepath.Join(p.workDir, cert.SerialNumber+".pem")
	if err := os.WriteFile(keyPath, cert.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("signer: writing private key: %w", err)
	}
	profilePath := filepath.Join(p.workDir, profile.UUID+".mobileprovision")
	if err := os.WriteFile(profilePath, profile.Data, 0o644); err != nil {
		return nil, fmt.Errorf("signer: writing provisioning profile: %w", err)
	}

	return &SignRequest{
		BundlePath:  bundlePath,
		P12Path:     p12Path,
		KeyPath:     keyPath,
		ProfilePath: profilePath,
		P12Password: p.signer.opts.P12Password,
		BundleID:    app.BundleIdentifier,
		DisplayName: app.Name,
	}, nil
}

func profileForBundleID(profiles []*bundle.ProvisioningProfile, bundleID string) *bundle.ProvisioningProfile {
	for _, profile := range profiles {
		if profile.BundleIdentifier == bundleID {
			return profile
		}
	}
	return nil
}
