package venue

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/internal/config"
	"crossarb/internal/symbol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testVenue builds an adapter against a test server. Retries are off so
// handlers see exactly one request per call.
func testVenue(t *testing.T, name, baseURL string, vc config.VenueConfig) Venue {
	t.Helper()
	vc.BaseURL = baseURL
	v, err := New(name, vc, ClientOptions{Timeout: 2 * time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("New(%s) error = %v", name, err)
	}
	return v
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	names := Names()
	if len(names) != 5 {
		t.Fatalf("Names() returned %d venues, want 5", len(names))
	}
	for _, name := range names {
		spec, ok := LookupSpec(name)
		if !ok {
			t.Fatalf("LookupSpec(%q) missing", name)
		}
		if spec.Name != name {
			t.Errorf("spec.Name = %q, want %q", spec.Name, name)
		}
		if spec.BaseURL == "" {
			t.Errorf("%s: empty base URL", name)
		}
		if !spec.MakerFee.IsPositive() || !spec.TakerFee.IsPositive() {
			t.Errorf("%s: fees must be positive", name)
		}
		if len(spec.Rendering.Quotes) == 0 {
			t.Errorf("%s: no quote currencies", name)
		}
		if spec.Burst <= 0 || spec.RPS <= 0 {
			t.Errorf("%s: rate limit not configured", name)
		}
	}
	if _, ok := LookupSpec("binance"); ok {
		t.Error("LookupSpec should not know unlisted venues")
	}
}

func TestNewUnknownVenue(t *testing.T) {
	t.Parallel()

	_, err := New("binance", config.VenueConfig{}, ClientOptions{}, discardLogger())
	if err == nil {
		t.Fatal("expected error for unknown venue")
	}
}

func TestCredentialsComplete(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		creds  Credentials
		scheme Scheme
		want   bool
	}{
		{"bearer with token", Credentials{Token: "t"}, SchemeBearer, true},
		{"bearer without token", Credentials{APIKey: "k", APISecret: "s"}, SchemeBearer, false},
		{"hmac complete", Credentials{APIKey: "k", APISecret: "s"}, SchemeHMAC, true},
		{"hmac missing secret", Credentials{APIKey: "k"}, SchemeHMAC, false},
		{"rsa complete", Credentials{APIKey: "k", APISecret: "s"}, SchemeRSAPSS, true},
		{"passphrase complete", Credentials{APIKey: "k", APISecret: "s", Passphrase: "p"}, SchemePassphraseHMAC, true},
		{"passphrase missing", Credentials{APIKey: "k", APISecret: "s"}, SchemePassphraseHMAC, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.creds.Complete(tt.scheme); got != tt.want {
				t.Errorf("Complete(%s) = %v, want %v", tt.scheme, got, tt.want)
			}
		})
	}
}

func TestClampDepth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		menu  []int
		depth int
		want  int
	}{
		{"free-form passes through", nil, 7, 7},
		{"zero floors to one", nil, 0, 1},
		{"exact menu value", []int{5, 20, 50}, 20, 20},
		{"rounds up", []int{5, 20, 50}, 7, 20},
		{"caps at largest", []int{5, 20, 50}, 99, 50},
		{"below smallest", []int{20, 100}, 1, 20},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := clampDepth(tt.menu, tt.depth); got != tt.want {
				t.Errorf("clampDepth(%v, %d) = %d, want %d", tt.menu, tt.depth, got, tt.want)
			}
		})
	}
}

func TestMinQuantity(t *testing.T) {
	t.Parallel()

	v := testVenue(t, "nobitex", "http://127.0.0.1:0", config.VenueConfig{})
	btc := v.MinQuantity(symbol.MustParse("BTCIRT"))
	if btc.String() != "0.0001" {
		t.Errorf("BTC min quantity = %s, want 0.0001", btc)
	}
	doge := v.MinQuantity(symbol.MustParse("DOGEIRT"))
	if doge.String() != "0.01" {
		t.Errorf("default min quantity = %s, want 0.01", doge)
	}
}
