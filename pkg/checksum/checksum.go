// Package checksum computes the content digests the engine uses to track
// managed files across runs. Digests are prefixed with the algorithm name
// so recorded state stays self-describing if the algorithm ever changes.
package checksum

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
)

// Missing is the sentinel digest recorded for a target path that does not
// exist. It is distinct from any real digest so "file absent" and "file
// empty" never compare equal.
const Missing = "MISSING"

// Bytes returns the digest of the given content.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("sha256:%x", sum)
}

// File returns the digest of the file at path, or Missing if the file
// does not exist.
func File(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Missing, nil
		}
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}
