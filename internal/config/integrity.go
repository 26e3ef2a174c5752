package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// Checksum pins the contents of a config file. It lives next to the file as
// <config>.b3 and is written by "switchyard config lock".
type Checksum struct {
	Version     int    `yaml:"version"`
	GeneratedAt string `yaml:"generated_at"`
	Hash        string `yaml:"hash"`
}

// IntegrityResult is the outcome of checking a config file against its lock.
type IntegrityResult struct {
	Locked   bool
	Passed   bool
	Expected string
	Actual   string
}

// ChecksumPath returns the lock file for configPath.
func ChecksumPath(configPath string) string {
	return configPath + ".b3"
}

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return hashBytes(data), nil
}

func hashBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Lock records the current hash of configPath.
func Lock(configPath string) (*Checksum, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", configPath, err)
	}
	sum := &Checksum{Version: 1, GeneratedAt: time.Now().UTC().Format(time.RFC3339), Hash: hash}

	data, err := yaml.Marshal(sum)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checksum: %w", err)
	}
	// Restrictive permissions: the file holds the expected hash.
	if err := os.WriteFile(ChecksumPath(configPath), data, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write checksum: %w", err)
	}
	return sum, nil
}

// LoadChecksum reads the lock for configPath. A missing lock yields an error
// matching os.ErrNotExist.
func LoadChecksum(configPath string) (*Checksum, error) {
	data, err := os.ReadFile(ChecksumPath(configPath))
	if err != nil {
		return nil, err
	}
	var sum Checksum
	if err := yaml.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("failed to parse checksum: %w", err)
	}
	if sum.Version != 1 {
		return nil, fmt.Errorf("unsupported checksum version: %d", sum.Version)
	}
	return &sum, nil
}

// VerifyIntegrity checks configPath against its lock. An unlocked file
// passes.
func VerifyIntegrity(configPath string) (*IntegrityResult, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", configPath, err)
	}
	return verifyBytes(configPath, data)
}

func verifyBytes(configPath string, data []byte) (*IntegrityResult, error) {
	sum, err := LoadChecksum(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return &IntegrityResult{Passed: true}, nil
	}
	if err != nil {
		return nil, err
	}
	actual := hashBytes(data)
	return &IntegrityResult{
		Locked:   true,
		Passed:   actual == sum.Hash,
		Expected: sum.Hash,
		Actual:   actual,
	}, nil
}
