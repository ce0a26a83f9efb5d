package hasher_test

import (
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/artpar/tenantmeter/adapters/hasher"
)

func TestNewBcrypt_CostFallback(t *testing.T) {
	tests := []struct {
		name string
		cost int
		want int
	}{
		{"valid", 10, 10},
		{"too low", 1, bcrypt.DefaultCost},
		{"too high", 100, bcrypt.DefaultCost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := hasher.NewBcrypt(tt.cost).Cost(); got != tt.want {
				t.Errorf("Cost() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestBcrypt_HashAndCompare(t *testing.T) {
	h := hasher.NewBcrypt(bcrypt.MinCost)
	secret := "tm_" + strings.Repeat("ab", 32)

	hash, err := h.Hash(secret)
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}
	if len(hash) == 0 || hash[0] != '$' {
		t.Fatalf("hash = %q, want bcrypt format", hash)
	}
	if string(hash) == secret {
		t.Error("hash should not equal the secret")
	}
	if !h.Compare(hash, secret) {
		t.Error("Compare() should match the original secret")
	}
	if h.Compare(hash, secret+"x") {
		t.Error("Compare() should reject a different secret")
	}
	if h.Compare([]byte("not a hash"), secret) {
		t.Error("Compare() should reject a malformed hash")
	}
}

func TestBcrypt_SaltsEachHash(t *testing.T) {
	h := hasher.NewBcrypt(bcrypt.MinCost)
	a, _ := h.Hash("same")
	b, _ := h.Hash("same")
	if string(a) == string(b) {
		t.Error("hashes of the same secret should differ")
	}
}

func TestBcrypt_RejectsOverlongSecret(t *testing.T) {
	h := hasher.NewBcrypt(bcrypt.MinCost)
	if _, err := h.Hash(strings.Repeat("a", 73)); err == nil {
		t.Error("expected error for secret over 72 bytes")
	}
}

func TestPlain(t *testing.T) {
	var h hasher.Plain
	hash, err := h.Hash("secret")
	if err != nil {
		t.Fatal(err)
	}
	if !h.Compare(hash, "secret") || h.Compare(hash, "other") {
		t.Error("Plain should compare by equality")
	}
}
