package signer

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/pkg/codesign"
	ctypes "github.com/blacktop/go-macho/pkg/codesign/types"
	"github.com/blacktop/go-macho/types"
	"go.mozilla.org/pkcs7"
	"howett.net/plist"

	"github.com/devsigner/devsign/pkg/bundle"
)

// NativeSign is the built-in signing primitive: it signs every Mach-O in
// the bundle in place, nested bundles first and the main executable last,
// and has flushed all writes when it returns.
func NativeSign(req *SignRequest) error {
	p12Data, err := os.ReadFile(req.P12Path)
	if err != nil {
		return fmt.Errorf("signer: reading PKCS#12: %w", err)
	}
	identity, err := LoadIdentity(p12Data, req.P12Password)
	if err != nil {
		return err
	}

	profileData, err := os.ReadFile(req.ProfilePath)
	if err != nil {
		return fmt.Errorf("signer: reading provisioning profile: %w", err)
	}
	profile, err := bundle.ParseProvisioningProfile(profileData)
	if err != nil {
		return err
	}
	entXML, entDER, err := entitlementsForSigning(profile)
	if err != nil {
		return err
	}

	return signBundleTree(req.BundlePath, identity, entXML, entDER, req.BundleID)
}

// signBundleTree signs one bundle directory: nested bundles first, then the
// bundle's own binaries, its resource manifest, and finally its main
// executable.
func signBundleTree(bundlePath string, identity *Identity, entXML, entDER []byte, bundleID string) error {
	if err := os.RemoveAll(filepath.Join(bundlePath, "_CodeSignature")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("signer: removing stale signature: %w", err)
	}

	for _, nested := range nestedBundleDirs(bundlePath) {
		nestedID := bundleIDOf(nested, bundleID)
		nestedXML, nestedDER := entXML, entDER
		if data, err := os.ReadFile(filepath.Join(nested, "embedded.mobileprovision")); err == nil {
			if nestedProfile, err := bundle.ParseProvisioningProfile(data); err == nil {
				nestedXML, nestedDER, _ = entitlementsForSigning(nestedProfile)
			}
		}
		if err := signBundleTree(nested, identity, nestedXML, nestedDER, nestedID); err != nil {
			return err
		}
	}

	executable, _ := findBundleExecutable(bundlePath)
	mainPath := filepath.Join(bundlePath, executable)

	// Loose binaries (dylibs and the like) must carry signatures before the
	// manifest hashes them.
	for _, binary := range looseBinaries(bundlePath) {
		if binary == mainPath {
			continue
		}
		if err := signBinary(binary, identity, nil, nil, bundleID); err != nil {
			return fmt.Errorf("signer: signing %s: %w", binary, err)
		}
	}

	if err := writeResourceManifest(bundlePath); err != nil {
		return err
	}

	if executable == "" {
		return nil
	}
	if err := signBinary(mainPath, identity, entXML, entDER, bundleID); err != nil {
		return fmt.Errorf("signer: signing %s: %w", mainPath, err)
	}
	return nil
}

// nestedBundleDirs lists the bundle directories directly nested in
// bundlePath (app extensions, frameworks), deepest first.
func nestedBundleDirs(bundlePath string) []string {
	var dirs []string
	filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil || !info.IsDir() || path == bundlePath {
			return nil
		}
		switch filepath.Ext(path) {
		case ".appex", ".framework", ".app":
			dirs = append(dirs, path)
			return filepath.SkipDir
		}
		return nil
	})
	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i], string(os.PathSeparator)) > strings.Count(dirs[j], string(os.PathSeparator))
	})
	return dirs
}

// looseBinaries lists Mach-O files in the bundle outside nested bundle
// directories.
func looseBinaries(bundlePath string) []string {
	var binaries []string
	filepath.Walk(bundlePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if path != bundlePath {
				switch filepath.Ext(path) {
				case ".appex", ".framework", ".app":
					return filepath.SkipDir
				}
			}
			return nil
		}
		if isMachOFile(path) {
			binaries = append(binaries, path)
		}
		return nil
	})
	return binaries
}

func isMachOFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	switch {
	case magic[0] == 0xcf && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe: // 64-bit
		return true
	case magic[0] == 0xce && magic[1] == 0xfa && magic[2] == 0xed && magic[3] == 0xfe: // 32-bit
		return true
	case magic[0] == 0xca && magic[1] == 0xfe && magic[2] == 0xba && (magic[3] == 0xbe || magic[3] == 0xbf): // fat
		return true
	}
	return false
}

func bundleIDOf(bundlePath, fallback string) string {
	data, err := os.ReadFile(filepath.Join(bundlePath, "Info.plist"))
	if err != nil {
		return fallback
	}
	var info struct {
		BundleIdentifier string `plist:"CFBundleIdentifier"`
	}
	if _, err := plist.Unmarshal(data, &info); err != nil || info.BundleIdentifier == "" {
		return fallback
	}
	return info.BundleIdentifier
}

// signBinary signs one Mach-O file in place, handling thin and fat layouts.
func signBinary(path string, identity *Identity, entXML, entDER []byte, bundleID string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading binary: %w", err)
	}

	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return signFatBinary(path, data, identity, entXML, entDER, bundleID)
	}
	defer m.Close()

	signed, err := signThinBinary(data, m, identity, entXML, entDER, bundleID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, signed, 0o755)
}

func signThinBinary(data []byte, m *macho.File, identity *Identity, entXML, entDER []byte, bundleID string) ([]byte, error) {
	is64 := m.Magic == types.Magic64
	headerSize := uint32(32)
	if !is64 {
		headerSize = 28
	}

	// Locate __TEXT, the __LINKEDIT segment command, and the existing
	// LC_CODE_SIGNATURE command; the last tells us where code ends.
	var textOffset, textSize uint64
	var linkeditCmdOffset uint32
	var linkeditFileOff uint64
	cmdOffset := headerSize
	for _, load := range m.Loads {
		if seg, ok := load.(*macho.Segment); ok {
			switch seg.Name {
			case "__TEXT":
				textOffset = seg.Offset
				textSize = seg.Filesz
			case "__LINKEDIT":
				linkeditCmdOffset = cmdOffset
				linkeditFileOff = seg.Offset
			}
		}
		cmdOffset += load.LoadSize()
	}

	codeSize := uint64(len(data))
	var csCmdOffset uint32
	foundSignature := false
	cmdOffset = headerSize
	for _, load := range m.Loads {
		if cs, ok := load.(*macho.CodeSignature); ok {
			codeSize = uint64(cs.Offset)
			csCmdOffset = cmdOffset
			foundSignature = true
			break
		}
		cmdOffset += load.LoadSize()
	}
	if !foundSignature {
		return nil, fmt.Errorf("binary has no LC_CODE_SIGNATURE load command")
	}

	flags := ctypes.NONE
	if len(identity.CertChain) == 0 {
		flags = ctypes.ADHOC
	}

	config := &codesign.Config{
		ID:              bundleID,
		TeamID:          identity.TeamID,
		IsMain:          true,
		Flags:           flags,
		CodeSize:        codeSize,
		TextOffset:      textOffset,
		TextSize:        textSize,
		Entitlements:    entXML,
		EntitlementsDER: entDER,
		CertChain:       identity.CertChain,
		SignerFunction:  cmsSigner(identity),
	}
	config.InitSlotHashes()
	if len(entXML) > 0 {
		config.SpecialSlots = make([]ctypes.SpecialSlot, 7)
	}

	// The page hashes must cover the final header, so the load commands are
	// rewritten with the new signature size before hashing. The estimate is
	// rounded up to 16K and the signature padded to match.
	sigSize := codesign.EstimateCodeSignatureSize(config)
	sigSize = ((sigSize + 0x3fff) / 0x4000) * 0x4000

	code := make([]byte, codeSize)
	copy(code, data[:codeSize])
	copy(code[csCmdOffset+8:csCmdOffset+12], le32(uint32(codeSize)))
	copy(code[csCmdOffset+12:csCmdOffset+16], le32(uint32(sigSize)))

	if linkeditCmdOffset > 0 {
		linkeditFileSize := codeSize + sigSize - linkeditFileOff
		linkeditVMSize := ((linkeditFileSize + 0xfff) / 0x1000) * 0x1000
		if is64 {
			copy(code[linkeditCmdOffset+24:linkeditCmdOffset+32], le64(linkeditVMSize))
			copy(code[linkeditCmdOffset+40:linkeditCmdOffset+48], le64(linkeditFileSize))
		} else {
			copy(code[linkeditCmdOffset+28:linkeditCmdOffset+32], le32(uint32(linkeditVMSize)))
			copy(code[linkeditCmdOffset+36:linkeditCmdOffset+40], le32(uint32(linkeditFileSize)))
		}
	}

	signature, err := codesign.Sign(bytes.NewReader(code), config)
	if err != nil {
		return nil, fmt.Errorf("generating code signature: %w", err)
	}
	if uint64(len(signature)) < sigSize {
		padded := make([]byte, sigSize)
		copy(padded, signature)
		signature = padded
	}
	// SuperBlob length covers the padding.
	if len(signature) >= 8 {
		total := uint32(len(signature))
		signature[4] = byte(total >> 24)
		signature[5] = byte(total >> 16)
		signature[6] = byte(total >> 8)
		signature[7] = byte(total)
	}

	signed := make([]byte, codeSize+uint64(len(signature)))
	copy(signed, code)
	copy(signed[codeSize:], signature)
	return signed, nil
}

func signFatBinary(path string, data []byte, identity *Identity, entXML, entDER []byte, bundleID string) error {
	fat, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("parsing fat binary: %w", err)
	}
	defer fat.Close()

	signedArches := make([][]byte, len(fat.Arches))
	for i, arch := range fat.Arches {
		archData := data[arch.Offset : uint64(arch.Offset)+uint64(arch.Size)]
		m, err := macho.NewFile(bytes.NewReader(archData))
		if err != nil {
			return fmt.Errorf("parsing arch %d: %w", i, err)
		}
		signed, err := signThinBinary(archData, m, identity, entXML, entDER, bundleID)
		m.Close()
		if err != nil {
			return fmt.Errorf("signing arch %d: %w", i, err)
		}
		signedArches[i] = signed
	}

	// Rebuild the fat container. Header and arch table are big-endian;
	// slices stay 16K-aligned.
	const alignment = 0x4000
	headerSize := 8 + len(fat.Arches)*20
	offsets := make([]uint32, len(fat.Arches))
	offset := uint32(headerSize)
	for i := range signedArches {
		if offset%alignment != 0 {
			offset = (offset/alignment + 1) * alignment
		}
		offsets[i] = offset
		offset += uint32(len(signedArches[i]))
	}

	out := make([]byte, offset)
	copy(out, []byte{0xca, 0xfe, 0xba, 0xbe, 0, 0, 0, byte(len(fat.Arches))})
	for i, arch := range fat.Arches {
		entry := out[8+i*20:]
		copy(entry[0:4], be32(uint32(arch.CPU)))
		copy(entry[4:8], be32(uint32(arch.SubCPU)))
		copy(entry[8:12], be32(offsets[i]))
		copy(entry[12:16], be32(uint32(len(signedArches[i]))))
		copy(entry[16:20], be32(uint32(arch.Align)))
	}
	for i, archData := range signedArches {
		copy(out[offsets[i]:], archData)
	}
	return os.WriteFile(path, out, 0o755)
}

// cmsSigner wraps the identity in the CMS callback the code-signature
// builder invokes over the code directory.
func cmsSigner(identity *Identity) func([]byte) ([]byte, error) {
	return func(codeDirectory []byte) ([]byte, error) {
		signedData, err := pkcs7.NewSignedData(codeDirectory)
		if err != nil {
			return nil, fmt.Errorf("creating CMS structure: %w", err)
		}
		if err := signedData.AddSigner(identity.Certificate, identity.PrivateKey, pkcs7.SignerInfoConfig{}); err != nil {
			return nil, fmt.Errorf("adding CMS signer: %w", err)
		}
		return signedData.Finish()
	}
}

func le32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le64(v uint64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

func be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
