package venue

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"
)

func TestHMACHexSHA256(t *testing.T) {
	t.Parallel()

	// RFC-published vector.
	got := hmacHexSHA256("key", "The quick brown fox jumps over the lazy dog")
	want := "f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Errorf("hmacHexSHA256() = %q, want %q", got, want)
	}
}

func TestHMACBase64MatchesHex(t *testing.T) {
	t.Parallel()

	secret, payload := "key", "The quick brown fox jumps over the lazy dog"
	raw, err := base64.StdEncoding.DecodeString(hmacBase64SHA256(secret, payload))
	if err != nil {
		t.Fatalf("decode base64 mac: %v", err)
	}
	if got, want := hex.EncodeToString(raw), hmacHexSHA256(secret, payload); got != want {
		t.Errorf("base64 mac bytes = %s, want %s", got, want)
	}
}

func TestCanonicalQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{
			name: "sorted keys unencoded values",
			params: map[string]string{
				"timestamp": "1700000000000",
				"amount":    "0.5",
				"symbol":    "BTCUSDT",
			},
			want: "amount=0.5&symbol=BTCUSDT&timestamp=1700000000000",
		},
		{
			name:   "single pair",
			params: map[string]string{"symbol": "ETHUSDT"},
			want:   "symbol=ETHUSDT",
		},
		{
			name:   "empty",
			params: map[string]string{},
			want:   "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := canonicalQuery(tt.params); got != tt.want {
				t.Errorf("canonicalQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseRSAPrivateKeyRoundTrip(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	parsed, err := parseRSAPrivateKey(hex.EncodeToString(der))
	if err != nil {
		t.Fatalf("parseRSAPrivateKey() error = %v", err)
	}
	if parsed.N.Cmp(key.N) != 0 {
		t.Error("parsed key modulus does not match original")
	}
}

func TestParseRSAPrivateKeyErrors(t *testing.T) {
	t.Parallel()

	if _, err := parseRSAPrivateKey("not hex"); err == nil {
		t.Error("expected error for non-hex input")
	}
	if _, err := parseRSAPrivateKey("deadbeef"); err == nil {
		t.Error("expected error for garbage DER")
	}

	// A valid PKCS#8 blob holding the wrong key type must be rejected.
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ec key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(ecKey)
	if err != nil {
		t.Fatalf("marshal ec key: %v", err)
	}
	if _, err := parseRSAPrivateKey(hex.EncodeToString(der)); err == nil {
		t.Error("expected error for non-RSA key")
	}
}

func TestSignPSSVerifies(t *testing.T) {
	t.Parallel()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	payload := []byte(`{"expire_at":"2024-05-01 10:30:00","symbol":"BTC_USDT"}`)

	sigHex, err := signPSS(key, payload)
	if err != nil {
		t.Fatalf("signPSS() error = %v", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		t.Fatalf("signature is not hex: %v", err)
	}

	digest := sha256.Sum256(payload)
	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthAuto, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(&key.PublicKey, crypto.SHA256, digest[:], sig, opts); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	t.Parallel()

	body, err := canonicalJSON(map[string]any{
		"symbol":    "BTC_USDT",
		"expire_at": "2024-05-01 10:30:00",
		"quantity":  "0.5",
	})
	if err != nil {
		t.Fatalf("canonicalJSON() error = %v", err)
	}
	want := `{"expire_at":"2024-05-01 10:30:00","quantity":"0.5","symbol":"BTC_USDT"}`
	if string(body) != want {
		t.Errorf("canonicalJSON() = %s, want %s", body, want)
	}
}

func TestExpireAtFormat(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	if got, want := expireAt(now), "2024-05-01 10:30:00"; got != want {
		t.Errorf("expireAt() = %q, want %q", got, want)
	}
}

func TestPassphraseHeaders(t *testing.T) {
	t.Parallel()

	creds := Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"}
	now := time.UnixMilli(1700000000000)

	headers := passphraseHeaders(creds, "post", "/api/v1/orders", `{"side":"buy"}`, now)

	if got, want := headers["KC-API-KEY"], "k"; got != want {
		t.Errorf("KC-API-KEY = %q, want %q", got, want)
	}
	if got, want := headers["KC-API-TIMESTAMP"], "1700000000000"; got != want {
		t.Errorf("KC-API-TIMESTAMP = %q, want %q", got, want)
	}
	if got, want := headers["KC-API-KEY-VERSION"], "2"; got != want {
		t.Errorf("KC-API-KEY-VERSION = %q, want %q", got, want)
	}

	// Method is uppercased in the prehash and the path carries no query.
	wantSign := hmacBase64SHA256("s", "1700000000000POST/api/v1/orders"+`{"side":"buy"}`)
	if got := headers["KC-API-SIGN"]; got != wantSign {
		t.Errorf("KC-API-SIGN = %q, want %q", got, wantSign)
	}
	if got, want := headers["KC-API-PASSPHRASE"], hmacBase64SHA256("s", "p"); got != want {
		t.Errorf("KC-API-PASSPHRASE = %q, want %q", got, want)
	}
}
