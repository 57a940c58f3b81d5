package util

import (
	"fmt"
	"hash/fnv"
)

// Fingerprint returns a short FNV-32a digest of an SDP or candidate blob.
// Logs carry the digest instead of the full description so that offers and
// answers can be correlated across both peers without dumping SDP bodies.
func Fingerprint(blob string) string {
	if blob == "" {
		return "--------"
	}
	h := fnv.New32a()
	h.Write([]byte(blob))
	return fmt.Sprintf("%08x", h.Sum32())
}
