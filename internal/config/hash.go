package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// checksumFile is the integrity manifest written next to the config file.
const checksumFile = ".checksums"

// ChecksumManifest maps config file basenames to their BLAKE3 hashes.
type ChecksumManifest struct {
	Hashes map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Lock writes the .checksums manifest for configPath, authorizing its current
// content.
func Lock(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	hash, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return fmt.Errorf("hash config: %w", err)
	}

	manifest := ChecksumManifest{
		Hashes: map[string]string{filepath.Base(absPath): hash},
	}
	data, err := yaml.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("marshal checksums: %w", err)
	}

	manifestPath := filepath.Join(filepath.Dir(absPath), checksumFile)
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		return fmt.Errorf("write checksums: %w", err)
	}
	return nil
}

// Verify checks configPath against its .checksums manifest. A missing
// manifest is not an error; it just means integrity is not enforced yet.
// A present manifest with a mismatching or absent entry is a hard failure.
func Verify(configPath string) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}

	manifestPath := filepath.Join(filepath.Dir(absPath), checksumFile)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse checksums: %w", err)
	}

	expected, ok := manifest.Hashes[filepath.Base(absPath)]
	if !ok {
		return fmt.Errorf("%s not in checksums manifest; run 'sigbridge config lock'", filepath.Base(absPath))
	}

	actual, err := ComputeBlake3Hash(absPath)
	if err != nil {
		return fmt.Errorf("hash config: %w", err)
	}
	if actual != expected {
		return fmt.Errorf("hash mismatch for %s (expected %s, got %s); run 'sigbridge config lock' to authorize the change",
			filepath.Base(absPath), expected, actual)
	}
	return nil
}
