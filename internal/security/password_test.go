package security

import "testing"

func TestHashPasswordAndCheckPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected a non-empty hash")
	}
	if !CheckPassword(hash, "correct horse battery staple") {
		t.Fatalf("expected the original password to check out")
	}
}

func TestCheckPasswordRejectsWrongPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	if CheckPassword(hash, "wrong password") {
		t.Fatalf("expected a mismatched password to fail")
	}
}

func TestHashPasswordProducesDistinctHashesForSamePassword(t *testing.T) {
	a, err := HashPassword("same password")
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	b, err := HashPassword("same password")
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if a == b {
		t.Fatalf("expected bcrypt salting to produce distinct hashes")
	}
	if !CheckPassword(a, "same password") || !CheckPassword(b, "same password") {
		t.Fatalf("expected both hashes to independently verify")
	}
}

func TestCheckPasswordRejectsMalformedHash(t *testing.T) {
	if CheckPassword("not-a-bcrypt-hash", "anything") {
		t.Fatalf("expected a malformed hash to fail verification, not panic or succeed")
	}
}
