package model

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

var (
	codeDigits  = []rune("23456789")
	codeLetters = []rune("ABCDEFGHJKLMNPQRSTUVWXYZ")
	codePool    = append(append([]rune{}, codeDigits...), codeLetters...)
)

// GenerateCode derives the 10 character code of a user coupon.
// The code is deterministic for a (couponID, userID) pair, so a re-issued
// record after a retry always carries the same code.
func GenerateCode(couponID, userID int64) (string, error) {
	block, err := aes.NewCipher(couponKey(couponID))
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}

	var plain, cipher [16]byte
	binary.BigEndian.PutUint64(plain[:8], uint64(couponID))
	binary.BigEndian.PutUint64(plain[8:], uint64(userID))
	block.Encrypt(cipher[:], plain[:])

	// first two characters: one digit, one letter
	digit := codeDigits[int(cipher[0])%len(codeDigits)]
	letter := codeLetters[int(cipher[1])%len(codeLetters)]

	base := uint64(len(codePool))
	v := binary.BigEndian.Uint64(cipher[8:])
	body := make([]rune, 8)
	for i := 7; i >= 0; i-- {
		body[i] = codePool[v%base]
		v /= base
	}

	return string([]rune{digit, letter}) + string(body), nil
}

// couponKey derives a per-coupon AES-128 key.
func couponKey(couponID int64) []byte {
	key := make([]byte, 16)
	seq := uint64(couponID)
	for i := range key {
		key[i] = byte((seq >> (i % 8)) ^ uint64(i*7))
	}
	return key
}
