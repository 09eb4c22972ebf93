package starknet

import (
	"math/big"

	"golang.org/x/crypto/sha3"
)

var mask250 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))

// Selector returns the entry point selector for a function name: the
// Keccak-256 of the name truncated to 250 bits (sn_keccak).
func Selector(name string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	v := new(big.Int).SetBytes(h.Sum(nil))
	return "0x" + v.And(v, mask250).Text(16)
}
