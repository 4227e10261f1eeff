package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized reports a credential or token mismatch.
var ErrUnauthorized = errors.New("unauthorized")

// RoleAdmin is the only role the system grants.
const RoleAdmin = "admin"

// User is the identity returned by a successful verification.
type User struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Verifier checks an email/password pair.
type Verifier interface {
	Verify(email, password string) (User, error)
}

// Admin is one configured operator. Exactly one of Password or
// PasswordHash (bcrypt) must be set.
type Admin struct {
	Email        string
	Name         string
	Password     string
	PasswordHash string
}

type account struct {
	user  User
	plain []byte
	hash  []byte
}

// StaticVerifier verifies against an in-memory admin list.
type StaticVerifier struct {
	accounts atomic.Pointer[map[string]account]
}

func NewStaticVerifier(admins []Admin) (*StaticVerifier, error) {
	v := &StaticVerifier{}
	if err := v.Replace(admins); err != nil {
		return nil, err
	}
	return v, nil
}

// Replace swaps the admin list. On error the previous list stays active.
func (v *StaticVerifier) Replace(admins []Admin) error {
	m, err := buildAccounts(admins)
	if err != nil {
		return err
	}
	v.accounts.Store(&m)
	return nil
}

// Len returns the number of configured admins.
func (v *StaticVerifier) Len() int {
	m := v.accounts.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

func (v *StaticVerifier) Verify(email, password string) (User, error) {
	m := v.accounts.Load()
	if m == nil {
		return User{}, ErrUnauthorized
	}
	acc, ok := (*m)[normalizeEmail(email)]
	if !ok {
		return User{}, ErrUnauthorized
	}
	if acc.hash != nil {
		if bcrypt.CompareHashAndPassword(acc.hash, []byte(password)) != nil {
			return User{}, ErrUnauthorized
		}
		return acc.user, nil
	}
	if subtle.ConstantTimeCompare(acc.plain, []byte(password)) != 1 {
		return User{}, ErrUnauthorized
	}
	return acc.user, nil
}

// ValidateAdmins checks an admin list without installing it.
func ValidateAdmins(admins []Admin) error {
	_, err := buildAccounts(admins)
	return err
}

func buildAccounts(admins []Admin) (map[string]account, error) {
	m := make(map[string]account, len(admins))
	for i, a := range admins {
		key := normalizeEmail(a.Email)
		if key == "" {
			return nil, fmt.Errorf("admins[%d]: email required", i)
		}
		if _, dup := m[key]; dup {
			return nil, fmt.Errorf("admins[%d]: duplicate email %q", i, a.Email)
		}
		acc := account{user: User{Email: strings.TrimSpace(a.Email), Name: strings.TrimSpace(a.Name), Role: RoleAdmin}}
		switch {
		case a.PasswordHash != "" && a.Password != "":
			return nil, fmt.Errorf("admins[%d]: set password or password_hash, not both", i)
		case a.PasswordHash != "":
			if _, err := bcrypt.Cost([]byte(a.PasswordHash)); err != nil {
				return nil, fmt.Errorf("admins[%d]: invalid password_hash: %w", i, err)
			}
			acc.hash = []byte(a.PasswordHash)
		case a.Password != "":
			acc.plain = []byte(a.Password)
		default:
			return nil, fmt.Errorf("admins[%d]: password required", i)
		}
		m[key] = acc
	}
	return m, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
