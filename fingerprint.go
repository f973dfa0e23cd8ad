package ispc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// hashCache memoizes file content hashes for one pass.
type hashCache map[string]string

// fileHash computes the hex SHA256 of a file's content.
func (hc hashCache) fileHash(path string) (string, error) {
	if hash, ok := hc[path]; ok {
		return hash, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	hexHash := hex.EncodeToString(hash.Sum(nil))
	hc[path] = hexHash
	return hexHash, nil
}

// fingerprintFields hashes an ordered field list into a rebuild
// fingerprint. Fields are length-prefixed so shifting bytes between
// adjacent fields always changes the result.
func fingerprintFields(fields ...string) string {
	h := sha256.New()
	for _, field := range fields {
		fmt.Fprintf(h, "%d:", len(field))
		io.WriteString(h, field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// unitFingerprint combines a source content hash with the unit's effective
// command line. Any config change that alters the flags a unit is compiled
// with, or the source itself, changes the fingerprint.
func unitFingerprint(srcHash string, argv []string) string {
	fields := make([]string, 0, len(argv)+1)
	fields = append(fields, srcHash)
	fields = append(fields, argv...)
	return fingerprintFields(fields...)
}
