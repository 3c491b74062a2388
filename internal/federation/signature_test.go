package federation

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"
)

func signedTestRequest(t *testing.T, body []byte) (*http.Request, string, string) {
	t.Helper()

	publicPEM, privatePEM, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPost, "https://b.example/inbox", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = req.URL.Host
	if err := SignRequest(req, body, "https://a.example/users/alice#main-key", privatePEM); err != nil {
		t.Fatal(err)
	}
	return req, publicPEM, privatePEM
}

func TestSignVerifyRoundTrip(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req, publicPEM, _ := signedTestRequest(t, body)

	if req.Header.Get("Digest") == "" {
		t.Fatal("signing must add a Digest header")
	}
	sig := req.Header.Get("Signature")
	if !strings.Contains(sig, `keyId="https://a.example/users/alice#main-key"`) {
		t.Errorf("Signature header missing keyId: %s", sig)
	}
	if !strings.Contains(sig, "(request-target)") {
		t.Errorf("Signature header must cover (request-target): %s", sig)
	}

	if err := VerifyRequest(req, body, publicPEM); err != nil {
		t.Fatalf("verification of a freshly signed request failed: %v", err)
	}
}

func TestVerifyDigestMismatchFailsClosed(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req, publicPEM, _ := signedTestRequest(t, body)

	err := VerifyRequest(req, []byte(`{"type":"Delete"}`), publicPEM)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("digest mismatch must fail with ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyMissingRequestTargetFailsClosed(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req, publicPEM, _ := signedTestRequest(t, body)

	// Rewrite the headers list to drop (request-target). The signature no
	// longer matches either, but coverage is checked first and must be the
	// reported failure.
	sig := req.Header.Get("Signature")
	sig = strings.Replace(sig, `headers="(request-target) host date digest"`, `headers="host date digest"`, 1)
	req.Header.Set("Signature", sig)

	err := VerifyRequest(req, body, publicPEM)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("missing (request-target) coverage must fail closed, got %v", err)
	}
	if !strings.Contains(err.Error(), "(request-target)") {
		t.Errorf("error should name the missing header, got %v", err)
	}
}

func TestVerifyWrongKeyFails(t *testing.T) {
	body := []byte(`{"type":"Follow"}`)
	req, _, _ := signedTestRequest(t, body)

	otherPublic, _, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	if err := VerifyRequest(req, body, otherPublic); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("verification with the wrong key must fail, got %v", err)
	}
}

func TestVerifyBodyWithoutDigestFailsClosed(t *testing.T) {
	if err := VerifyDigest([]byte("body"), ""); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("body without Digest header must fail closed, got %v", err)
	}
	if err := VerifyDigest(nil, ""); err != nil {
		t.Fatalf("empty body without digest is fine, got %v", err)
	}
}

func TestKeyIDFromRequest(t *testing.T) {
	body := []byte(`{}`)
	req, _, _ := signedTestRequest(t, body)

	keyID, err := KeyIDFromRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if keyID != "https://a.example/users/alice#main-key" {
		t.Errorf("keyID = %q", keyID)
	}

	unsigned, _ := http.NewRequest(http.MethodGet, "https://b.example/", nil)
	if _, err := KeyIDFromRequest(unsigned); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("missing Signature header must fail, got %v", err)
	}
}

func TestKeypairPEMRoundTrip(t *testing.T) {
	publicPEM, privatePEM, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	priv, err := ParsePrivateKeyPEM(privatePEM)
	if err != nil {
		t.Fatalf("parsing generated private key: %v", err)
	}
	pub, err := ParsePublicKeyPEM(publicPEM)
	if err != nil {
		t.Fatalf("parsing generated public key: %v", err)
	}
	if priv.PublicKey.N.Cmp(pub.N) != 0 {
		t.Fatal("public key does not match private key")
	}

	if _, err := ParsePrivateKeyPEM("not a key"); err == nil {
		t.Error("garbage private key must not parse")
	}
	if _, err := ParsePublicKeyPEM("not a key"); err == nil {
		t.Error("garbage public key must not parse")
	}
}
