package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const checksumsFilename = ".checksums"

// ChecksumManifest is the on-disk .checksums file next to config.yaml.
// Hashes are keyed by path relative to the config directory.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Lock hashes the config file and every include it pulls in, and writes
// .checksums into the config directory. Returns the hashed paths.
func Lock(configPath string) ([]string, error) {
	root, err := resolveConfigFile(configPath)
	if err != nil {
		return nil, err
	}
	files, err := DiscoverAllConfigFiles(root)
	if err != nil {
		return nil, err
	}
	configDir := filepath.Dir(root)

	manifest := ChecksumManifest{
		Version:     1,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	for _, path := range files {
		rel, err := filepath.Rel(configDir, path)
		if err != nil {
			return nil, fmt.Errorf("failed to relativise %s: %w", path, err)
		}
		hash, err := ComputeBlake3Hash(path)
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		manifest.Hashes[rel] = hash
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksums: %w", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, checksumsFilename), data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksums: %w", err)
	}
	return files, nil
}

// loadChecksums reads .checksums from configDir. A missing file returns nil, nil.
func loadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, checksumsFilename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checksums: %w", err)
	}

	var manifest ChecksumManifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	if manifest.Version != 1 {
		return nil, fmt.Errorf("unsupported checksums version: %d", manifest.Version)
	}
	return &manifest, nil
}

// verifyChecksums checks every loaded file against .checksums when the
// config directory has one. Files added or removed since the lock fail too.
func verifyChecksums(configDir string, paths []string) error {
	manifest, err := loadChecksums(configDir)
	if err != nil || manifest == nil {
		return err
	}

	seen := make(map[string]bool, len(paths))
	for _, path := range paths {
		rel, err := filepath.Rel(configDir, path)
		if err != nil {
			return fmt.Errorf("failed to relativise %s: %w", path, err)
		}
		seen[rel] = true

		expected, ok := manifest.Hashes[rel]
		if !ok {
			return fmt.Errorf("%s has no hash in %s (run 'offload config lock')", rel, checksumsFilename)
		}
		actual, err := ComputeBlake3Hash(path)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		if actual != expected {
			return fmt.Errorf("hash mismatch for %s: expected %s, got %s\n"+
				"If you edited this file intentionally, run: offload config lock", rel, expected, actual)
		}
	}

	var stale []string
	for rel := range manifest.Hashes {
		if !seen[rel] {
			stale = append(stale, rel)
		}
	}
	if len(stale) > 0 {
		sort.Strings(stale)
		return fmt.Errorf("%s lists files no longer included: %v", checksumsFilename, stale)
	}
	return nil
}
