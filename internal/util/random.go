// Package util provides id generation and environment parsing helpers for FunnelPipe.
package util

import (
	"math/rand/v2"
	"strings"
)

const (
	hexChars          = "0123456789abcdef"
	alphaNumericChars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// GenerateRandomID returns prefix followed by hexLength random hex characters.
// Ids come from math/rand/v2 and must not be used as secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns a random lowercase hex string of the given length.
func GenerateRandomHex(length int) string {
	return randomString(hexChars, length)
}

// GenerateRandomAlphaNumeric returns a random [0-9A-Za-z] string of the given length.
func GenerateRandomAlphaNumeric(length int) string {
	return randomString(alphaNumericChars, length)
}

func randomString(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return b.String()
}

// GenerateFollowUpID returns a follow-up task id with the "fu_" prefix.
func GenerateFollowUpID() string {
	return GenerateRandomID("fu_", 32)
}

// GenerateRequestID returns a short id that correlates one API request's log lines.
func GenerateRequestID() string {
	return "req_" + GenerateRandomAlphaNumeric(12)
}
