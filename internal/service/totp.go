package service

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
)

const (
	totpDigits     = 6
	totpStepSecs   = 30
	totpSecretSize = 20
)

var base32NoPadding = base32.StdEncoding.WithPadding(base32.NoPadding)

func GenerateTOTPSecret() (string, error) {
	raw := make([]byte, totpSecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate TOTP secret: %w", err)
	}
	return base32NoPadding.EncodeToString(raw), nil
}

func BuildOTPAuthURL(secret, email, issuer string) string {
	return fmt.Sprintf("otpauth://totp/%s:%s?secret=%s&issuer=%s&digits=%d&period=%d",
		url.PathEscape(issuer), url.PathEscape(email), secret, url.QueryEscape(issuer),
		totpDigits, totpStepSecs)
}

// totpCode computes the 6-digit code for a given time step index.
func totpCode(secret string, step int64) (string, error) {
	key, err := base32NoPadding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("malformed TOTP secret: %w", err)
	}
	return hotpCode(key, uint64(step), totpDigits), nil
}

// hotpCode implements RFC 4226 dynamic truncation over HMAC-SHA1.
func hotpCode(key []byte, counter uint64, digits int) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := (uint32(sum[offset])&0x7f)<<24 |
		uint32(sum[offset+1])<<16 |
		uint32(sum[offset+2])<<8 |
		uint32(sum[offset+3])

	mod := uint32(1)
	for i := 0; i < digits; i++ {
		mod *= 10
	}

	return fmt.Sprintf("%0*d", digits, value%mod)
}
