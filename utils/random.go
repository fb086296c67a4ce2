// Package utils holds small self-contained helpers with no project
// dependencies.
package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	credentialLength = 18
	alphanumerics    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passwordSymbols  = "!@#$%^&*()-_=+"
)

// GenerateRandomString draws length characters uniformly from charSet using
// crypto/rand.
func GenerateRandomString(length int, charSet string) (string, error) {
	limit := big.NewInt(int64(len(charSet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("utils: random index: %w", err)
		}
		out[i] = charSet[n.Int64()]
	}
	return string(out), nil
}

// GenerateRandomUsername returns a random alphanumeric username for the
// bootstrap credential minted when no users are configured.
func GenerateRandomUsername() (string, error) {
	return GenerateRandomString(credentialLength, alphanumerics)
}

// GenerateRandomSecurePassword returns a random password drawn from the
// alphanumeric set plus punctuation.
func GenerateRandomSecurePassword() (string, error) {
	return GenerateRandomString(credentialLength, alphanumerics+passwordSymbols)
}
