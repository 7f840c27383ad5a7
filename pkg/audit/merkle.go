package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain separators prevent a leaf hash from ever colliding with an
// internal node hash of the same byte content.
var (
	leafDomainSeparator = []byte{0x00}
	nodeDomainSeparator = []byte{0x01}
)

func leafHash(data []byte) []byte {
	h := sha256.New()
	h.Write(leafDomainSeparator)
	h.Write(data)
	return h.Sum(nil)
}

func nodeHash(left, right []byte) []byte {
	h := sha256.New()
	h.Write(nodeDomainSeparator)
	h.Write(left)
	h.Write(right)
	return h.Sum(nil)
}

// merkleRoot folds leaves pairwise, promoting an odd node unchanged to
// the next level, until a single root remains. Returns the empty-tree
// sentinel hash when leaves is empty.
func merkleRoot(leaves [][]byte) (string, error) {
	if len(leaves) == 0 {
		return hex.EncodeToString(leafHash(nil)), nil
	}

	level := make([][]byte, len(leaves))
	for i, l := range leaves {
		level[i] = leafHash(l)
	}

	for len(level) > 1 {
		next := make([][]byte, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, nodeHash(level[i], level[i+1]))
			} else {
				next = append(next, level[i])
			}
		}
		level = next
	}

	if len(level) != 1 {
		return "", fmt.Errorf("audit: merkle fold did not converge to one root")
	}
	return hex.EncodeToString(level[0]), nil
}
