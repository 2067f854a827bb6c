package security

import (
	"chatty/tools/errs"
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-0123456789")

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions(testSecret)
	tok, exp, err := Generate(opts, "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(exp) < 6*24*time.Hour {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := Verify(opts, tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID() != "user-1" {
		t.Fatalf("sub = %q", claims.UserID())
	}
}

func TestVerifyRejectsWrongSecretAndGarbage(t *testing.T) {
	tok, _, err := Generate(DefaultOptions(testSecret), "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(DefaultOptions([]byte("other-secret")), tok); !errors.Is(err, errs.ErrTokenInvalid) {
		t.Fatalf("wrong secret: want TokenInvalid, got %v", err)
	}
	if _, err := Verify(DefaultOptions(testSecret), "not.a.jwt"); !errors.Is(err, errs.ErrTokenInvalid) {
		t.Fatalf("garbage: want TokenInvalid, got %v", err)
	}
	if _, err := Verify(DefaultOptions(testSecret), ""); !errors.Is(err, errs.ErrTokenInvalid) {
		t.Fatalf("empty: want TokenInvalid, got %v", err)
	}
}

func TestVerifyExpired(t *testing.T) {
	opts := DefaultOptions(testSecret)
	opts.TTL = time.Nanosecond
	tok, _, err := Generate(opts, "user-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := Verify(opts, tok); !errors.Is(err, errs.ErrTokenExpired) {
		t.Fatalf("want TokenExpired, got %v", err)
	}
}

func TestGenerateRejectsEmptyUser(t *testing.T) {
	if _, _, err := Generate(DefaultOptions(testSecret), ""); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("want ArgsError, got %v", err)
	}
}

func TestPasswordHashing(t *testing.T) {
	if _, err := HashPassword("12345"); !errors.Is(err, errs.ErrArgs) {
		t.Fatalf("short password: want ArgsError, got %v", err)
	}
	h, err := HashPassword("secret-pw")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ok, err := CheckPassword(h, "secret-pw")
	if err != nil || !ok {
		t.Fatalf("check correct: ok=%v err=%v", ok, err)
	}
	ok, err = CheckPassword(h, "wrong-pw")
	if err != nil || ok {
		t.Fatalf("check wrong: ok=%v err=%v", ok, err)
	}
}
