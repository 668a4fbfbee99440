package signer

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devsigner/devsign/pkg/bundle"
	"github.com/devsigner/devsign/pkg/developer"
)

const testInfoPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>%s</string>
	<key>CFBundleName</key>
	<string>%s</string>
	<key>CFBundleExecutable</key>
	<string>%s</string>
	<key>CFBundleShortVersionString</key>
	<string>1.0</string>
</dict>
</plist>
`

func writeAppBundle(t *testing.T, path, bundleID, name string) {
	t.Helper()
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatal(err)
	}
	info := fmt.Sprintf(testInfoPlistTemplate, bundleID, name, name)
	if err := os.WriteFile(filepath.Join(path, "Info.plist"), []byte(info), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(path, name), []byte("not a real binary"), 0o755); err != nil {
		t.Fatal(err)
	}
}

func testProfile(bundleID, uuid string) *bundle.ProvisioningProfile {
	return &bundle.ProvisioningProfile{
		Name:             "Test Profile " + bundleID,
		UUID:             uuid,
		BundleIdentifier: bundleID,
		Data:             []byte("profile-data-" + bundleID),
	}
}

// testSigningCertificate mints a self-signed development certificate and
// returns it in the shape the developer services hand back: PEM certificate
// plus PEM PKCS#1 key.
func testSigningCertificate(t *testing.T) *developer.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(0xC0FFEE),
		Subject: pkix.Name{
			CommonName:         "Apple Development: Johnny Appleseed",
			OrganizationalUnit: []string{"ABCDE12345"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return &developer.Certificate{
		Name:         "Apple Development: Johnny Appleseed",
		SerialNumber: "c0ffee",
		Data:         pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKey:   pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
	}
}

func newTestSigner(t *testing.T, workDir string, sign SignFunc) *Signer {
	t.Helper()
	team := &developer.Team{Name: "Test Team", Identifier: "ABCDE12345", Type: developer.TeamTypeIndividual}
	opts := Options{WorkDir: workDir, Sign: sign}
	return NewSigner(team, testSigningCertificate(t), opts, zerolog.Nop())
}

func TestSignAppBundle(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Example.app")
	writeAppBundle(t, appPath, "com.example.app", "Example")
	writeAppBundle(t, filepath.Join(appPath, "PlugIns", "Share.appex"), "com.example.app.share", "Share")

	workDir := t.TempDir()
	var captured *SignRequest
	signer := newTestSigner(t, workDir, func(req *SignRequest) error {
		captured = req
		for _, path := range []string{req.P12Path, req.KeyPath, req.ProfilePath} {
			if _, err := os.Stat(path); err != nil {
				t.Errorf("sign input %s not readable: %v", path, err)
			}
		}
		return nil
	})

	profiles := []*bundle.ProvisioningProfile{
		testProfile("com.example.app.share", "11111111-1111-1111-1111-111111111111"),
		testProfile("com.example.app", "22222222-2222-2222-2222-222222222222"),
	}
	if err := signer.SignApp(context.Background(), appPath, profiles); err != nil {
		t.Fatalf("SignApp: %v", err)
	}
	if captured == nil {
		t.Fatal("sign function was not invoked")
	}
	if captured.BundlePath != appPath {
		t.Errorf("BundlePath = %q, want %q", captured.BundlePath, appPath)
	}
	if captured.BundleID != "com.example.app" {
		t.Errorf("BundleID = %q", captured.BundleID)
	}
	if captured.DisplayName != "Example" {
		t.Errorf("DisplayName = %q", captured.DisplayName)
	}

	// Each target got its own profile injected.
	for _, tc := range []struct{ path, bundleID string }{
		{appPath, "com.example.app"},
		{filepath.Join(appPath, "PlugIns", "Share.appex"), "com.example.app.share"},
	} {
		data, err := os.ReadFile(filepath.Join(tc.path, "embedded.mobileprovision"))
		if err != nil {
			t.Fatalf("embedded profile for %s: %v", tc.bundleID, err)
		}
		if string(data) != "profile-data-"+tc.bundleID {
			t.Errorf("embedded profile for %s = %q", tc.bundleID, data)
		}
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work directory not cleaned up, %d entries remain", len(entries))
	}
}

func TestSignAppMissingExtensionProfile(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Example.app")
	writeAppBundle(t, appPath, "com.example.app", "Example")
	writeAppBundle(t, filepath.Join(appPath, "PlugIns", "Share.appex"), "com.example.app.share", "Share")

	workDir := t.TempDir()
	signCalls := 0
	signer := newTestSigner(t, workDir, func(req *SignRequest) error {
		signCalls++
		return nil
	})

	// Only the main app has a matching profile.
	profiles := []*bundle.ProvisioningProfile{testProfile("com.example.app", "33333333-3333-3333-3333-333333333333")}
	err := signer.SignApp(context.Background(), appPath, profiles)
	if !errors.Is(err, ErrMissingProvisioningProfile) {
		t.Fatalf("err = %v, want ErrMissingProvisioningProfile", err)
	}
	if !strings.Contains(err.Error(), "com.example.app.share") {
		t.Errorf("error does not name the unmatched bundle: %v", err)
	}
	if signCalls != 0 {
		t.Errorf("sign invoked %d times before profiles were matched", signCalls)
	}
	if _, err := os.Stat(filepath.Join(appPath, "embedded.mobileprovision")); !os.IsNotExist(err) {
		t.Error("profile injected despite unmatched extension")
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work directory not cleaned up, %d entries remain", len(entries))
	}
}

func TestSignAppArchive(t *testing.T) {
	srcDir := t.TempDir()
	writeAppBundle(t, filepath.Join(srcDir, "Payload", "Example.app"), "com.example.app", "Example")

	archivePath := filepath.Join(t.TempDir(), "Example.ipa")
	if err := repackArchive(srcDir, archivePath); err != nil {
		t.Fatal(err)
	}

	workDir := t.TempDir()
	var captured *SignRequest
	signer := newTestSigner(t, workDir, func(req *SignRequest) error {
		captured = req
		return nil
	})

	profiles := []*bundle.ProvisioningProfile{testProfile("com.example.app", "44444444-4444-4444-4444-444444444444")}
	if err := signer.SignApp(context.Background(), archivePath, profiles); err != nil {
		t.Fatalf("SignApp: %v", err)
	}
	if captured == nil {
		t.Fatal("sign function was not invoked")
	}
	if !strings.HasSuffix(captured.BundlePath, filepath.Join("Payload", "Example.app")) {
		t.Errorf("BundlePath = %q, want extracted Payload bundle", captured.BundlePath)
	}

	// The archive was rebuilt in place with the injected profile.
	verifyDir := t.TempDir()
	if err := extractArchive(archivePath, verifyDir); err != nil {
		t.Fatalf("extracting rebuilt archive: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(verifyDir, "Payload", "Example.app", "embedded.mobileprovision"))
	if err != nil {
		t.Fatalf("rebuilt archive is missing injected profile: %v", err)
	}
	if string(data) != "profile-data-com.example.app" {
		t.Errorf("injected profile = %q", data)
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work directory not cleaned up, %d entries remain", len(entries))
	}
}

func TestSignAppArchiveRepackFailureKeepsOriginal(t *testing.T) {
	srcDir := t.TempDir()
	writeAppBundle(t, filepath.Join(srcDir, "Payload", "Example.app"), "com.example.app", "Example")

	archiveDir := t.TempDir()
	archivePath := filepath.Join(archiveDir, "Example.ipa")
	if err := repackArchive(srcDir, archivePath); err != nil {
		t.Fatal(err)
	}

	// The sign stub leaves a dangling symlink in the extracted bundle, which
	// makes the repack step fail after signing succeeded.
	signer := newTestSigner(t, t.TempDir(), func(req *SignRequest) error {
		return os.Symlink(filepath.Join(req.BundlePath, "missing-target"), filepath.Join(req.BundlePath, "dangling"))
	})

	profiles := []*bundle.ProvisioningProfile{testProfile("com.example.app", "99999999-9999-9999-9999-999999999999")}
	if err := signer.SignApp(context.Background(), archivePath, profiles); err == nil {
		t.Fatal("expected repack error")
	}

	// The original archive survives the failure, and no partial output is
	// left beside it.
	verifyDir := t.TempDir()
	if err := extractArchive(archivePath, verifyDir); err != nil {
		t.Fatalf("original archive no longer extractable: %v", err)
	}
	if _, err := os.Stat(filepath.Join(verifyDir, "Payload", "Example.app", "Info.plist")); err != nil {
		t.Errorf("original archive contents missing: %v", err)
	}
	entries, err := os.ReadDir(archiveDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("archive directory has %d entries, want just the original", len(entries))
	}
}

func TestSignAppInvalidBundle(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Broken.app")
	if err := os.MkdirAll(appPath, 0o755); err != nil {
		t.Fatal(err)
	}

	signer := newTestSigner(t, t.TempDir(), func(req *SignRequest) error {
		t.Error("sign invoked for invalid bundle")
		return nil
	})
	err := signer.SignApp(context.Background(), appPath, nil)
	if !errors.Is(err, ErrInvalidApp) {
		t.Fatalf("err = %v, want ErrInvalidApp", err)
	}
}

func TestSignAppSignErrorPropagates(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Example.app")
	writeAppBundle(t, appPath, "com.example.app", "Example")

	signErr := errors.New("no code signature")
	signer := newTestSigner(t, t.TempDir(), func(req *SignRequest) error {
		return signErr
	})
	profiles := []*bundle.ProvisioningProfile{testProfile("com.example.app", "55555555-5555-5555-5555-555555555555")}
	err := signer.SignApp(context.Background(), appPath, profiles)
	if !errors.Is(err, signErr) {
		t.Fatalf("err = %v, want wrapped sign error", err)
	}
}

func TestSignAppCancellation(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Example.app")
	writeAppBundle(t, appPath, "com.example.app", "Example")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	signer := newTestSigner(t, t.TempDir(), func(req *SignRequest) error {
		t.Error("sign invoked after cancellation")
		return nil
	})
	profiles := []*bundle.ProvisioningProfile{testProfile("com.example.app", "66666666-6666-6666-6666-666666666666")}
	err := signer.SignApp(ctx, appPath, profiles)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestSignAppProgress(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Example.app")
	writeAppBundle(t, appPath, "com.example.app", "Example")

	var reports [][2]int
	team := &developer.Team{Identifier: "ABCDE12345"}
	opts := Options{
		WorkDir: t.TempDir(),
		Sign:    func(req *SignRequest) error { return nil },
		Progress: func(completed, total int) {
			reports = append(reports, [2]int{completed, total})
		},
	}
	signer := NewSigner(team, testSigningCertificate(t), opts, zerolog.Nop())

	profiles := []*bundle.ProvisioningProfile{testProfile("com.example.app", "77777777-7777-7777-7777-777777777777")}
	if err := signer.SignApp(context.Background(), appPath, profiles); err != nil {
		t.Fatalf("SignApp: %v", err)
	}
	if len(reports) < 2 {
		t.Fatalf("got %d progress reports, want at least 2", len(reports))
	}
	first, last := reports[0], reports[len(reports)-1]
	if first[0] != 0 {
		t.Errorf("first report completed = %d, want 0", first[0])
	}
	if last[0] != last[1] || last[1] == 0 {
		t.Errorf("final report = %d/%d, want completed == total > 0", last[0], last[1])
	}
}

func TestSignAppMissingPrivateKey(t *testing.T) {
	appPath := filepath.Join(t.TempDir(), "Example.app")
	writeAppBundle(t, appPath, "com.example.app", "Example")

	cert := testSigningCertificate(t)
	cert.PrivateKey = nil
	team := &developer.Team{Identifier: "ABCDE12345"}
	signer := NewSigner(team, cert, Options{
		WorkDir: t.TempDir(),
		Sign:    func(req *SignRequest) error { return nil },
	}, zerolog.Nop())

	profiles := []*bundle.ProvisioningProfile{testProfile("com.example.app", "88888888-8888-8888-8888-888888888888")}
	err := signer.SignApp(context.Background(), appPath, profiles)
	if !errors.Is(err, ErrMissingPrivateKey) {
		t.Fatalf("err = %v, want ErrMissingPrivateKey", err)
	}
}
