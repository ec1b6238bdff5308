package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// Fingerprint returns the hex SHA-256 digest over the contents of paths, in order.
// Each file's base name and length are folded in so that renames and boundary
// shifts change the digest. A missing file is an error naming the path.
func Fingerprint(paths ...string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New("no input files to fingerprint")
	}

	h := sha256.New()
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("could not open fingerprint input %s: %w", path, err)
		}

		info, err := f.Stat()
		if err != nil {
			f.Close()
			return "", fmt.Errorf("could not stat fingerprint input %s: %v", path, err)
		}
		fmt.Fprintf(h, "%s\x00%d\x00", info.Name(), info.Size())

		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("could not read fingerprint input %s: %v", path, err)
		}
		f.Close()
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileDigest returns the hex SHA-256 digest of a single file's contents.
func FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("could not open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("could not read %s: %v", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
