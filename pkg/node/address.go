package node

// base58 alphabet, no 0, O, I, l
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// ValidateRewardAddress reports whether the address is a plausible
// reward address: base58 characters, 32 to 44 of them. No checksum or
// on-chain verification is performed.
func ValidateRewardAddress(address string) bool {
	if len(address) < 32 || len(address) > 44 {
		return false
	}
	for _, c := range address {
		if !isBase58(c) {
			return false
		}
	}
	return true
}

func isBase58(c rune) bool {
	for _, a := range base58Alphabet {
		if c == a {
			return true
		}
	}
	return false
}
