package venue

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// HMAC signing
// ─────────────────────────────────────────────────────────────────────────────

func hmacHexSHA256(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func hmacBase64SHA256(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// canonicalQuery renders params as "k=v&k=v" with keys sorted and values
// unencoded. Both HMAC venues sign this exact form, so URL escaping here
// would produce signatures the server rejects.
func canonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// ─────────────────────────────────────────────────────────────────────────────
// RSA-PSS signing
// ─────────────────────────────────────────────────────────────────────────────

// parseRSAPrivateKey decodes a hex-encoded PKCS#8 DER blob into an RSA key.
func parseRSAPrivateKey(hexDER string) (*rsa.PrivateKey, error) {
	der, err := hex.DecodeString(strings.TrimSpace(hexDER))
	if err != nil {
		return nil, fmt.Errorf("decode rsa key hex: %w", err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse rsa key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("parse rsa key: unexpected type %T", parsed)
	}
	return key, nil
}

// signPSS signs payload with RSA-PSS over SHA-256 using the maximum salt
// length and returns the hex-encoded signature.
func signPSS(key *rsa.PrivateKey, payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthAuto,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return "", fmt.Errorf("sign pss: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// canonicalJSON marshals the payload with sorted keys and no extra
// whitespace. encoding/json already sorts map keys, which makes it the
// canonical form the signature covers.
func canonicalJSON(payload map[string]any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return body, nil
}

// expireAt stamps a signed payload with a local-time expiry 30 minutes out,
// in the "2006-01-02 15:04:05" layout the server expects.
func expireAt(now time.Time) string {
	return now.Add(30 * time.Minute).Format("2006-01-02 15:04:05")
}

// ─────────────────────────────────────────────────────────────────────────────
// Passphrase HMAC (KuCoin scheme)
// ─────────────────────────────────────────────────────────────────────────────

// passphraseHeaders builds the four signed headers for the KuCoin scheme.
// The signature covers timestamp+METHOD+path+body where path excludes the
// query string, and the passphrase itself travels HMAC-signed.
func passphraseHeaders(creds Credentials, method, path, body string, now time.Time) map[string]string {
	ts := fmt.Sprintf("%d", now.UnixMilli())
	prehash := ts + strings.ToUpper(method) + path + body
	return map[string]string{
		"KC-API-KEY":         creds.APIKey,
		"KC-API-SIGN":        hmacBase64SHA256(creds.APISecret, prehash),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  hmacBase64SHA256(creds.APISecret, creds.Passphrase),
		"KC-API-KEY-VERSION": "2",
	}
}
