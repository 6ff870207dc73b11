// Package ids computes the deterministic, content-addressed identifiers
// that give every node in the graph a stable id across repeated ingests.
package ids

import (
	"crypto/md5"
	"encoding/hex"
	"sort"
	"strings"
)

// idLength is the number of hex characters kept from the md5 digest.
const idLength = 16

// NodeID derives a node's id from its title and label set. Labels are
// sorted lexicographically before hashing so that label order never
// affects identity: two ingests of the same (title, labels) pair,
// regardless of the order labels were supplied in, upsert the same row.
func NodeID(title string, labels []string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)

	canonical := title + ":" + strings.Join(sorted, ",")
	return hashHex(canonical)
}

// CodeSymbolID derives a node id for a code symbol, keyed by its
// location and qualified name rather than by title. This lets a
// function named "Parse" in one file and another in a different file
// coexist as distinct nodes, and lets the same symbol be re-ingested
// idempotently after an unrelated edit elsewhere in the file.
func CodeSymbolID(filePath, qualifiedName, label string) string {
	canonical := filePath + ":" + qualifiedName + "|" + label
	return hashHex(canonical)
}

func hashHex(canonical string) string {
	sum := md5.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])[:idLength]
}
