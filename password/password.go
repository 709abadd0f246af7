// password/password.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package password stores and checks the password that a backup
// destination is bound to. Only an argon2id hash in PHC string form is
// ever persisted.
package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	u "github.com/mmp/snapsafe/util"
	"golang.org/x/crypto/argon2"
)

var (
	ErrIncorrectPassword = errors.New("incorrect password")
	ErrMalformedHash     = errors.New("malformed password hash")
)

// Hashing parameters for new records. Verification uses whatever
// parameters a record was created with.
const (
	hashTime    = 2
	hashMemory  = 19 * 1024
	hashThreads = 1
	hashLen     = 32
	saltLen     = 16
)

// Password is the persisted record of a password.
type Password struct {
	Hash string `json:"hash"`
}

// New validates plaintext against policy and returns its hashed record.
// A nil policy accepts any password.
func New(plaintext string, policy *Policy) (Password, error) {
	if policy != nil {
		if err := policy.Validate(plaintext); err != nil {
			return Password{}, err
		}
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return Password{}, u.WrapError(u.KindPassword, err, "generate salt")
	}
	p := params{memory: hashMemory, time: hashTime, threads: hashThreads, keyLen: hashLen}
	return Password{Hash: p.encode(salt, idKey(plaintext, salt, p))}, nil
}

// Verify reports whether candidate matches the record. An error is
// returned only if the record itself can't be parsed.
func (p Password) Verify(candidate string) (bool, error) {
	prm, salt, hash, err := decode(p.Hash)
	if err != nil {
		return false, err
	}
	prm.keyLen = uint32(len(hash))
	got := idKey(candidate, salt, prm)
	return subtle.ConstantTimeCompare(got, hash) == 1, nil
}

// Check is like Verify but returns ErrIncorrectPassword on a mismatch.
func (p Password) Check(candidate string) error {
	ok, err := p.Verify(candidate)
	if err != nil {
		return err
	} else if !ok {
		return u.WrapError(u.KindPassword, ErrIncorrectPassword, "")
	}
	return nil
}

func (p Password) IsSet() bool {
	return p.Hash != ""
}

///////////////////////////////////////////////////////////////////////////
// PHC strings

type params struct {
	memory  uint32
	time    uint32
	threads uint8
	keyLen  uint32
}

func idKey(pw string, salt []byte, p params) []byte {
	if p.keyLen == 0 {
		p.keyLen = hashLen
	}
	return argon2.IDKey([]byte(pw), salt, p.time, p.memory, p.threads, p.keyLen)
}

// Returns $argon2id$v=19$m=...,t=...,p=...$<salt>$<hash>
func (p params) encode(salt, hash []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s", argon2.Version,
		p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
}

func decode(phc string) (params, []byte, []byte, error) {
	var p params
	malformed := func(why string) (params, []byte, []byte, error) {
		return p, nil, nil, u.WrapError(u.KindPassword, ErrMalformedHash, why)
	}

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	fields := strings.Split(phc, "$")
	if len(fields) != 6 || fields[0] != "" {
		return malformed("wrong number of fields")
	}
	if fields[1] != "argon2id" {
		return malformed("unsupported algorithm " + fields[1])
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return malformed("unsupported version " + fields[2])
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return malformed("bad parameters " + fields[3])
	}
	if p.memory == 0 || p.time == 0 || p.threads == 0 {
		return malformed("bad parameters " + fields[3])
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return malformed("bad salt")
	}
	hash, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil || len(hash) == 0 {
		return malformed("bad hash")
	}
	return p, salt, hash, nil
}

///////////////////////////////////////////////////////////////////////////
// Policy

// Policy describes the rules a new password must satisfy.
type Policy struct {
	MinLen, MaxLen int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	RequireSymbol  bool
}

// DefaultPolicy requires 8 to 16 characters with at least one each of
// upper- and lowercase letters, digits, and symbols.
func DefaultPolicy() *Policy {
	return &Policy{
		MinLen:        8,
		MaxLen:        16,
		RequireUpper:  true,
		RequireLower:  true,
		RequireDigit:  true,
		RequireSymbol: true,
	}
}

// PolicyError lists the rules a rejected password didn't meet.
type PolicyError struct {
	Unmet []string
}

func (e *PolicyError) Error() string {
	return "password does not meet policy: " + strings.Join(e.Unmet, "; ")
}

// Validate returns a *PolicyError (wrapped as a Password error) if pw
// breaks any of the policy's rules.
func (p *Policy) Validate(pw string) error {
	var upper, lower, digit, symbol bool
	n := 0
	for _, r := range pw {
		n++
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	var unmet []string
	if n < p.MinLen || (p.MaxLen > 0 && n > p.MaxLen) {
		if p.MaxLen > 0 {
			unmet = append(unmet, fmt.Sprintf("it must be %d to %d characters long", p.MinLen, p.MaxLen))
		} else {
			unmet = append(unmet, fmt.Sprintf("it must be at least %d characters long", p.MinLen))
		}
	}
	if p.RequireUpper && !upper {
		unmet = append(unmet, "it needs an uppercase letter")
	}
	if p.RequireLower && !lower {
		unmet = append(unmet, "it needs a lowercase letter")
	}
	if p.RequireDigit && !digit {
		unmet = append(unmet, "it needs at least 1 digit")
	}
	if p.RequireSymbol && !symbol {
		unmet = append(unmet, "it needs at least 1 symbol")
	}

	if len(unmet) > 0 {
		return u.WrapError(u.KindPassword, &PolicyError{Unmet: unmet}, "")
	}
	return nil
}
