package service

import (
	"strings"
	"testing"
)

// Reference vectors from RFC 4226 appendix D, key "12345678901234567890".
func TestHOTPCodeReferenceVectors(t *testing.T) {
	key := []byte("12345678901234567890")
	want := []string{
		"755224", "287082", "359152", "969429", "338314",
		"254676", "287922", "162583", "399871", "520489",
	}

	for counter, expected := range want {
		got := hotpCode(key, uint64(counter), 6)
		if got != expected {
			t.Errorf("hotpCode(counter=%d) = %s, want %s", counter, got, expected)
		}
	}
}

func TestTOTPCodeDeterministicPerStep(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	if err != nil {
		t.Fatalf("GenerateTOTPSecret() error = %v", err)
	}

	first, err := totpCode(secret, 12345)
	if err != nil {
		t.Fatalf("totpCode() error = %v", err)
	}
	second, err := totpCode(secret, 12345)
	if err != nil {
		t.Fatalf("totpCode() error = %v", err)
	}
	next, err := totpCode(secret, 12346)
	if err != nil {
		t.Fatalf("totpCode() error = %v", err)
	}

	if first != second {
		t.Errorf("same step produced different codes: %s vs %s", first, second)
	}
	if len(first) != totpDigits {
		t.Errorf("code length = %d, want %d", len(first), totpDigits)
	}
	if first == next {
		t.Errorf("adjacent steps produced the same code: %s", first)
	}
}

func TestTOTPCodeRejectsMalformedSecret(t *testing.T) {
	if _, err := totpCode("not base32 !!!", 0); err == nil {
		t.Error("expected error for malformed secret, got nil")
	}
}

func TestBuildOTPAuthURL(t *testing.T) {
	got := BuildOTPAuthURL("JBSWY3DPEHPK3PXP", "user@example.com", "access-service")

	if !strings.HasPrefix(got, "otpauth://totp/") {
		t.Errorf("unexpected scheme: %s", got)
	}
	if !strings.Contains(got, "secret=JBSWY3DPEHPK3PXP") {
		t.Errorf("secret missing from url: %s", got)
	}
	if !strings.Contains(got, "issuer=access-service") {
		t.Errorf("issuer missing from url: %s", got)
	}
	if !strings.Contains(got, "period=30") {
		t.Errorf("period missing from url: %s", got)
	}
}
