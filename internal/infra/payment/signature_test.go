//go:build !integration

package payment

import (
	"io"
	"strings"
	"testing"

	"spiko-billing/internal/domain/model"

	"github.com/rs/zerolog"
)

func newTestLogger() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

func newClickVerifier(secret string) *SignatureVerifier {
	return NewSignatureVerifier(newTestLogger(), map[string]Scheme{model.ProviderClick: ClickScheme(secret)})
}

func prepareFields() Fields {
	return Fields{
		"click_trans_id":    "12345",
		"service_id":        "67890",
		"merchant_trans_id": "abcde12345",
		"amount":            "1000.00",
		"action":            "0",
		"sign_time":         "2025-08-10 12:30:00",
	}
}

func completeFields() Fields {
	f := prepareFields()
	f["merchant_prepare_id"] = "prepare_id_54321"
	f["action"] = "1"
	f["sign_time"] = "2025-08-10 12:35:00"
	return f
}

func TestSignatureVerifier_KnownVectors(t *testing.T) {
	v := newClickVerifier("test_secret")

	t.Run("prepare omits the prepare id", func(t *testing.T) {
		if !v.Verify(model.ProviderClick, model.ActionPrepare, prepareFields(), "5c6cfb0735b6b50cb0b79a55bf0621c4") {
			t.Fatal("expected known prepare vector to verify")
		}
	})

	t.Run("complete includes the prepare id", func(t *testing.T) {
		if !v.Verify(model.ProviderClick, model.ActionComplete, completeFields(), "2b1e7d786d4a26b95b87ab7290f7c2db") {
			t.Fatal("expected known complete vector to verify")
		}
	})

	t.Run("upper-case hex is accepted", func(t *testing.T) {
		if !v.Verify(model.ProviderClick, model.ActionPrepare, prepareFields(), strings.ToUpper("5c6cfb0735b6b50cb0b79a55bf0621c4")) {
			t.Fatal("expected upper-case signature to verify")
		}
	})

	t.Run("prepare id is ignored on prepare", func(t *testing.T) {
		f := prepareFields()
		f["merchant_prepare_id"] = "anything"
		if !v.Verify(model.ProviderClick, model.ActionPrepare, f, "5c6cfb0735b6b50cb0b79a55bf0621c4") {
			t.Fatal("expected prepare signature to ignore merchant_prepare_id")
		}
	})
}

func TestSignatureVerifier_SingleBitTamper(t *testing.T) {
	v := newClickVerifier("test_secret")
	cases := []struct {
		action model.Action
		fields func() Fields
	}{
		{model.ActionPrepare, prepareFields},
		{model.ActionComplete, completeFields},
	}
	for _, c := range cases {
		sig, err := v.Sign(model.ProviderClick, c.action, c.fields())
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		for name := range c.fields() {
			if name == "merchant_prepare_id" && c.action == model.ActionPrepare {
				continue
			}
			t.Run(string(c.action)+"/"+name, func(t *testing.T) {
				f := c.fields()
				b := []byte(f[name])
				b[0] ^= 0x01
				f[name] = string(b)
				if v.Verify(model.ProviderClick, c.action, f, sig) {
					t.Errorf("expected verification to fail after flipping a bit in %s", name)
				}
			})
		}
		t.Run(string(c.action)+"/signature", func(t *testing.T) {
			b := []byte(sig)
			if b[0] == '0' {
				b[0] = '1'
			} else {
				b[0] = '0'
			}
			if v.Verify(model.ProviderClick, c.action, c.fields(), string(b)) {
				t.Error("expected verification to fail for a tampered signature")
			}
		})
	}
}

func TestSignatureVerifier_Malformed(t *testing.T) {
	v := newClickVerifier("test_secret")
	sig, _ := v.Sign(model.ProviderClick, model.ActionPrepare, prepareFields())

	t.Run("missing field", func(t *testing.T) {
		f := prepareFields()
		delete(f, "sign_time")
		if v.Verify(model.ProviderClick, model.ActionPrepare, f, sig) {
			t.Error("expected false for missing field")
		}
	})

	t.Run("complete without prepare id", func(t *testing.T) {
		f := completeFields()
		delete(f, "merchant_prepare_id")
		if v.Verify(model.ProviderClick, model.ActionComplete, f, sig) {
			t.Error("expected false for missing prepare id")
		}
	})

	t.Run("empty merchant_trans_id is still signable", func(t *testing.T) {
		f := prepareFields()
		f["merchant_trans_id"] = ""
		s, err := v.Sign(model.ProviderClick, model.ActionPrepare, f)
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		if !v.Verify(model.ProviderClick, model.ActionPrepare, f, s) {
			t.Error("expected probe request with empty merchant_trans_id to verify")
		}
	})

	for _, bad := range []string{"", "zz", "not-hex-at-all", sig[:10], sig + "00"} {
		if v.Verify(model.ProviderClick, model.ActionPrepare, prepareFields(), bad) {
			t.Errorf("expected false for malformed signature %q", bad)
		}
	}

	if v.Verify("unknown", model.ActionPrepare, prepareFields(), sig) {
		t.Error("expected false for unknown provider")
	}
}

func TestSignatureVerifier_IndependentConfigurations(t *testing.T) {
	test := newClickVerifier("test_secret")
	prod := newClickVerifier("live_secret")
	sig, _ := test.Sign(model.ProviderClick, model.ActionPrepare, prepareFields())
	if !test.Verify(model.ProviderClick, model.ActionPrepare, prepareFields(), sig) {
		t.Fatal("expected test verifier to accept its own signature")
	}
	if prod.Verify(model.ProviderClick, model.ActionPrepare, prepareFields(), sig) {
		t.Fatal("expected production verifier to reject a test signature")
	}
}
