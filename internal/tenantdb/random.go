package tenantdb

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const alnum = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// randomSecret returns an n-character alphanumeric string drawn from a
// CSPRNG. The original Python implementation used random.choice, which is
// not itself a security boundary here, but there is no reason to use a
// weaker source when crypto/rand is this cheap.
func randomSecret(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random secret: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alnum[int(b)%len(alnum)]
	}
	return string(out), nil
}

// randomBBBID returns a 32-character hex meeting id.
func randomBBBID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate bbb id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// randomUID returns the "sl-" prefixed tenant uid used for new users.
func randomUID() (string, error) {
	s, err := randomSecret(11)
	if err != nil {
		return "", err
	}
	return "sl-" + s, nil
}
