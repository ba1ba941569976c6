package auth

import "github.com/alexedwards/argon2id"

// Argon2Hasher implements PasswordHasher using Argon2id with the library's
// recommended parameters.
type Argon2Hasher struct {
	params *argon2id.Params
}

// NewArgon2Hasher returns an Argon2Hasher using argon2id's default
// parameters (64MB memory, 1 iteration, 4 threads).
func NewArgon2Hasher() *Argon2Hasher {
	return &Argon2Hasher{params: argon2id.DefaultParams}
}

func (h *Argon2Hasher) Hash(password string) (string, error) {
	return argon2id.CreateHash(password, h.params)
}

func (h *Argon2Hasher) Verify(hash, password string) (bool, error) {
	return argon2id.ComparePasswordAndHash(password, hash)
}
