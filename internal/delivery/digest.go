package delivery

import (
	mbase "github.com/multiformats/go-multibase"
	"lukechampine.com/blake3"
)

// Digest returns the multibase (base32) blake3-256 digest of data
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	enc, err := mbase.Encode(mbase.Base32, sum[:])
	if err != nil {
		return ""
	}
	return enc
}
