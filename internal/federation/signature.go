package federation

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-fed/httpsig"
)

// ErrInvalidSignature is returned when an inbound request fails HTTP
// signature or digest verification. The inbox handler surfaces it as 401 so
// the peer retries with a fresh signature.
var ErrInvalidSignature = errors.New("federation: invalid http signature")

// signedHeaders is the header list bound into outbound signatures, in signing
// order. Verification requires inbound signatures to cover at least
// (request-target), host, and date; digest is additionally required on
// requests that carry a body.
var signedHeaders = []string{httpsig.RequestTarget, "host", "date", "digest"}

// SignRequest signs an outbound request with the local actor's RSA key using
// draft-cavage HTTP signatures. It sets Date, Host, and Digest, then attaches
// the Signature header.
func SignRequest(req *http.Request, body []byte, keyID, privateKeyPEM string) error {
	privKey, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return fmt.Errorf("parsing signing key: %w", err)
	}

	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		signedHeaders,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("signing request: %w", err)
	}
	return nil
}

// KeyIDFromRequest extracts the keyId from the Signature header without
// verifying anything, so the caller can resolve the signing actor first.
func KeyIDFromRequest(req *http.Request) (string, error) {
	fields, err := parseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return "", err
	}
	keyID := fields["keyId"]
	if keyID == "" {
		return "", fmt.Errorf("%w: missing keyId", ErrInvalidSignature)
	}
	return keyID, nil
}

// VerifyRequest verifies the HTTP signature of an inbound request against a
// PEM public key, and that the Digest header matches the body when present.
// Signatures that do not cover (request-target), host, and date fail closed,
// as do requests with a body but no digest coverage.
func VerifyRequest(req *http.Request, body []byte, publicKeyPEM string) error {
	fields, err := parseSignatureHeader(req.Header.Get("Signature"))
	if err != nil {
		return err
	}

	covered := strings.Fields(strings.ToLower(fields["headers"]))
	if fields["headers"] == "" {
		// Per draft-cavage the default coverage is the Date header alone,
		// which leaves the request line unauthenticated.
		covered = []string{"date"}
	}
	required := []string{httpsig.RequestTarget, "host", "date"}
	if len(body) > 0 {
		required = append(required, "digest")
	}
	for _, name := range required {
		if !containsString(covered, name) {
			return fmt.Errorf("%w: signature does not cover %s", ErrInvalidSignature, name)
		}
	}

	if err := VerifyDigest(body, req.Header.Get("Digest")); err != nil {
		return err
	}

	pubKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// VerifyDigest checks that the Digest header matches the SHA-256 hash of the
// body. A present-but-wrong digest fails closed; an absent digest on a
// request with a body also fails closed, because the signature then covers
// nothing that binds the body.
func VerifyDigest(body []byte, digestHeader string) error {
	if digestHeader == "" {
		if len(body) == 0 {
			return nil
		}
		return fmt.Errorf("%w: missing Digest header", ErrInvalidSignature)
	}
	const prefix = "SHA-256="
	if !strings.HasPrefix(digestHeader, prefix) {
		return fmt.Errorf("%w: unsupported digest algorithm in %q", ErrInvalidSignature, digestHeader)
	}
	sum := sha256.Sum256(body)
	want := base64.StdEncoding.EncodeToString(sum[:])
	if digestHeader[len(prefix):] != want {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}
	return nil
}

// parseSignatureHeader splits the Signature header into its key="value"
// fields. Values are used verbatim; whitespace normalization here is the top
// source of interop failures.
func parseSignatureHeader(header string) (map[string]string, error) {
	if header == "" {
		return nil, fmt.Errorf("%w: missing Signature header", ErrInvalidSignature)
	}
	fields := make(map[string]string)
	for _, part := range splitSignatureFields(header) {
		eq := strings.IndexByte(part, '=')
		if eq < 1 {
			continue
		}
		name := strings.TrimSpace(part[:eq])
		value := strings.TrimSpace(part[eq+1:])
		value = strings.TrimPrefix(value, `"`)
		value = strings.TrimSuffix(value, `"`)
		fields[name] = value
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: malformed Signature header", ErrInvalidSignature)
	}
	return fields, nil
}

// splitSignatureFields splits on commas outside quoted strings. The base64
// signature value cannot contain commas, but header lists can contain spaces.
func splitSignatureFields(header string) []string {
	var parts []string
	var b strings.Builder
	inQuotes := false
	for _, r := range header {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			b.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		parts = append(parts, b.String())
	}
	return parts
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// GenerateKeypair creates a new RSA-2048 key pair PEM-encoded for storage:
// PKCS#8 private key, PKIX public key.
func GenerateKeypair() (publicPEM, privatePEM string, err error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", fmt.Errorf("generating RSA key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", "", fmt.Errorf("marshaling private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("marshaling public key: %w", err)
	}

	privatePEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	publicPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return publicPEM, privatePEM, nil
}

// ParsePrivateKeyPEM parses an RSA private key in PKCS#8 or PKCS#1 form.
func ParsePrivateKeyPEM(pemStr string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is %T, want RSA", key)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// ParsePublicKeyPEM parses an RSA public key in PKIX or PKCS#1 form.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block in public key")
	}
	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key is %T, want RSA", key)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	return key, nil
}
