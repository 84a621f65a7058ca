package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"

	"github.com/sidkik/mpysync/pkg/errors"
)

// compileMarker is folded into the hash of files that are uploaded compiled,
// so that toggling compilation changes their recorded hash.
var compileMarker = []byte("compile")

// HashFile returns the lowercase hex sha256 of the file at `path`.
func HashFile(path string, compiled bool) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}
	if compiled {
		hasher.Write(compileMarker)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Manifest maps the absolute remote path of each synced source file to the
// hash it had when it was uploaded.
type Manifest map[string]string

// ParseManifest parses a manifest downloaded from the device. Corrupt
// manifests are treated as empty, which causes a full upload.
func ParseManifest(data []byte) Manifest {
	m := Manifest{}
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return Manifest{}
	}
	return m
}

// Marshal serializes the manifest. Keys are sorted.
func (m Manifest) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
