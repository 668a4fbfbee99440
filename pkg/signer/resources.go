package signer

import (
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

// writeResourceManifest regenerates _CodeSignature/CodeResources for a
// bundle: the legacy SHA-1 "files" section plus the SHA-1/SHA-256 "files2"
// section, with Apple's standard rule tables.
func writeResourceManifest(bundlePath string) error {
	manifest, err := buildResourceManifest(bundlePath)
	if err != nil {
		return err
	}

	sigDir := filepath.Join(bundlePath, "_CodeSignature")
	if err := os.MkdirAll(sigDir, 0o755); err != nil {
		return fmt.Errorf("creating _CodeSignature: %w", err)
	}
	return os.WriteFile(filepath.Join(sigDir, "CodeResources"), manifest, 0o644)
}

func buildResourceManifest(bundlePath string) ([]byte, error) {
	files := make(map[string]interface{})
	files2 := make(map[string]interface{})

	executable, _ := findBundleExecutable(bundlePath)

	err := filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		relPath, err := filepath.Rel(bundlePath, path)
		if err != nil {
			return err
		}
		// The manifest never hashes itself or the main binary; the binary
		// is covered by its own code signature.
		if relPath == filepath.Join("_CodeSignature", "CodeResources") || relPath == executable {
			return nil
		}
		if omitFromManifest(relPath) {
			return nil
		}

		sha1Hash, err := hashFileWith(sha1.New(), path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", relPath, err)
		}

		optional := strings.Contains(relPath, ".lproj/")
		if optional {
			files[relPath] = map[string]interface{}{"hash": sha1Hash, "optional": true}
		} else {
			files[relPath] = sha1Hash
		}

		// Info.plist and PkgInfo appear only in the legacy section.
		if relPath == "Info.plist" || relPath == "PkgInfo" {
			return nil
		}
		sha256Hash, err := hashFileWith(sha256.New(), path)
		if err != nil {
			return fmt.Errorf("hashing %s: %w", relPath, err)
		}
		entry := map[string]interface{}{"hash": sha1Hash, "hash2": sha256Hash}
		if optional {
			entry["optional"] = true
		}
		files2[relPath] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	manifest := map[string]interface{}{
		"files":  files,
		"files2": files2,
		"rules":  manifestRules(),
		"rules2": manifestRules2(),
	}
	data, err := plist.MarshalIndent(manifest, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("encoding CodeResources: %w", err)
	}
	return data, nil
}

func hashFileWith(h hash.Hash, path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

func omitFromManifest(relPath string) bool {
	base := filepath.Base(relPath)
	switch {
	case base == ".DS_Store":
		return true
	case strings.HasPrefix(base, "._"):
		return true
	case strings.HasSuffix(relPath, ".lproj/locversion.plist"):
		return true
	}
	return false
}

// Rule weights are Apple's published defaults; plist <real> requires
// float64 values.
func manifestRules() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^version.plist$": true,
	}
}

func manifestRules2() map[string]interface{} {
	return map[string]interface{}{
		"^.*": true,
		".*\\.dSYM($|/)": map[string]interface{}{
			"weight": float64(11),
		},
		"^(.*/)?\\.DS_Store$": map[string]interface{}{
			"omit":   true,
			"weight": float64(2000),
		},
		"^.*\\.lproj/": map[string]interface{}{
			"optional": true,
			"weight":   float64(1000),
		},
		"^.*\\.lproj/locversion.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(1100),
		},
		"^Base\\.lproj/": map[string]interface{}{
			"weight": float64(1010),
		},
		"^Info\\.plist$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^PkgInfo$": map[string]interface{}{
			"omit":   true,
			"weight": float64(20),
		},
		"^embedded\\.provisionprofile$": map[string]interface{}{
			"weight": float64(20),
		},
		"^version\\.plist$": map[string]interface{}{
			"weight": float64(20),
		},
	}
}

// findBundleExecutable reads CFBundleExecutable from the bundle's
// Info.plist.
func findBundleExecutable(bundlePath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(bundlePath, "Info.plist"))
	if err != nil {
		return "", err
	}
	var info struct {
		Executable string `plist:"CFBundleExecutable"`
	}
	if _, err := plist.Unmarshal(data, &info); err != nil {
		return "", err
	}
	return info.Executable, nil
}
