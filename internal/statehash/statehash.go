// Package statehash fingerprints pipeline runs.
//
// A state hash identifies one logical run: the same source (by path,
// modification time and size), the same options and the same driver
// configuration always produce the same hash, and any change to them produces
// a different one. The hash is used as the snapshot storage key.
package statehash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/petrijr/fluxetl/pkg/api"
)

// Hash is a hex encoded SHA-256 state hash.
type Hash string

func (h Hash) String() string { return string(h) }

// SourceFingerprint is the cheap identity of a source file. ModTime is unix
// nanoseconds.
type SourceFingerprint struct {
	Path    string
	ModTime int64
	Size    int64
	Exists  bool
}

// Fingerprint stats source. A missing source is not an error; it yields a
// fingerprint with Exists=false so that the run can still be keyed and the
// validation step can report the problem.
func Fingerprint(source string) (SourceFingerprint, error) {
	path, err := filepath.Abs(source)
	if err != nil {
		return SourceFingerprint{}, fmt.Errorf("statehash: resolve %s: %w", source, err)
	}
	fp := SourceFingerprint{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fp, nil
		}
		return fp, fmt.Errorf("statehash: stat %s: %w", path, err)
	}
	fp.Exists = true
	fp.ModTime = info.ModTime().UnixNano()
	fp.Size = info.Size()
	return fp, nil
}

// hashInput is the canonical form that gets hashed. encoding/json writes map
// keys in sorted order, which makes nested option maps canonical.
type hashInput struct {
	Source       string         `json:"source"`
	ModTime      int64          `json:"mtime"`
	Size         int64          `json:"size"`
	Driver       string         `json:"driver"`
	Options      map[string]any `json:"options"`
	DriverConfig map[string]any `json:"driver_config"`
}

// Compute returns the state hash of a run. nil and empty maps hash alike.
func Compute(fp SourceFingerprint, options map[string]any, driver string, driverConfig map[string]any) (Hash, error) {
	in := hashInput{
		Source:       fp.Path,
		ModTime:      fp.ModTime,
		Size:         fp.Size,
		Driver:       driver,
		Options:      nonNil(options),
		DriverConfig: nonNil(driverConfig),
	}
	data, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("statehash: canonicalize inputs: %w", err)
	}
	sum := sha256.Sum256(data)
	return Hash(hex.EncodeToString(sum[:])), nil
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// IsValid reports whether snap may be resumed against source: the source
// must still exist with the modification time and size recorded when the
// snapshot was created.
func IsValid(snap *api.Snapshot, source string) bool {
	if snap == nil {
		return false
	}
	fp, err := Fingerprint(source)
	if err != nil || !fp.Exists {
		return false
	}
	return fp.ModTime == snap.SourceMTime && fp.Size == snap.SourceSize
}
