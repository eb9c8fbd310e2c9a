package keypool

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
)

func testRSAPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// TestDecodePrivateKey accepts base64-wrapped PEM and raw PEM, and rejects
// garbage.
func TestDecodePrivateKey(t *testing.T) {
	pemText := testRSAPEM(t)

	got, err := decodePrivateKey(base64.StdEncoding.EncodeToString([]byte(pemText)))
	if err != nil {
		t.Fatalf("decode base64 PEM: %v", err)
	}
	if got != pemText {
		t.Fatal("base64 round trip altered the PEM")
	}

	if _, err := decodePrivateKey(pemText); err != nil {
		t.Fatalf("decode raw PEM: %v", err)
	}

	if _, err := decodePrivateKey("not-a-key"); err == nil {
		t.Fatal("want error for garbage input")
	}
}

// TestSignServiceAccountJWT produces a three-part RS256 token with the right
// header.
func TestSignServiceAccountJWT(t *testing.T) {
	pemText := testRSAPEM(t)

	token, err := signServiceAccountJWT("svc@proj.iam.gserviceaccount.com", pemText, gcpTokenURL)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d parts, want 3", len(parts))
	}
	header, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if string(header) != `{"alg":"RS256","typ":"JWT"}` {
		t.Fatalf("header = %s", header)
	}
}
