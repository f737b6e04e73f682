package service

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// CodeAlphabet omits 0/O and 1/I so codes survive being read aloud.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	CodeLength      = 6
	OrderCodePrefix = "ORD-"

	maxCodeAttempts = 8
)

var alphabetSize = big.NewInt(int64(len(CodeAlphabet)))

// NewCode draws a random voucher code.
func NewCode() (string, error) {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("failed to draw code: %w", err)
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func NewOrderCode() (string, error) {
	code, err := NewCode()
	if err != nil {
		return "", err
	}
	return OrderCodePrefix + code, nil
}

// NormalizeVoucherCode trims and upper-cases a scanned or typed code.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// NormalizeOrderCode also accepts the bare six characters without the prefix.
func NormalizeOrderCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || strings.HasPrefix(code, OrderCodePrefix) {
		return code
	}
	return OrderCodePrefix + code
}

// ValidCode reports whether code has the shape NewCode produces.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(CodeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}
