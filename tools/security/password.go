package security

import (
	"chatty/tools/errs"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const MinPasswordLen = 6

// HashPassword bcrypt-hashes a plaintext password (cost 10).
func HashPassword(plain string) (string, error) {
	if len(plain) < MinPasswordLen {
		return "", errs.ErrArgs.WrapMsg("Password must be at least 6 characters")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", errs.WrapMsg(err, "bcrypt hash")
	}
	return string(b), nil
}

// CheckPassword reports whether plain matches the stored hash.
func CheckPassword(hash, plain string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, errs.WrapMsg(err, "bcrypt compare")
}
