package project

import (
	"errors"
	"fmt"

	"github.com/Tyrowin/gosession/internal/kdf"
	"github.com/Tyrowin/gosession/internal/protocol"
)

// CredentialKey is the settings key holding credential material.
const CredentialKey = "hash"

// CredentialMode describes what a login to a project requires.
type CredentialMode int

const (
	// CredentialNone means no credential is required.
	CredentialNone CredentialMode = iota
	// CredentialMigrate means the first supplied password is hashed and
	// stored as the verifier.
	CredentialMigrate
	// CredentialVerifier means the password is checked against a stored
	// verifier.
	CredentialVerifier
	// CredentialInvalid is credential material of an unsupported type.
	CredentialInvalid
)

func credentialMode(v any) CredentialMode {
	switch c := v.(type) {
	case nil:
		return CredentialNone
	case bool:
		if c {
			return CredentialMigrate
		}
		return CredentialNone
	case string:
		if c == "" {
			return CredentialNone
		}
		return CredentialVerifier
	default:
		return CredentialInvalid
	}
}

// CredentialMode reports the current credential mode.
func (p *Project) CredentialMode() CredentialMode {
	p.credMu.Lock()
	defer p.credMu.Unlock()
	return credentialMode(p.settings[CredentialKey])
}

// AuthError is a failed login. Code is a protocol error code.
type AuthError struct {
	Code    int
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

var errUnsupportedCredential = errors.New("unsupported credential material")

// Authenticate checks pwd against the project's credential. In migrate
// mode the password is hashed and the settings are rewritten to hold the
// verifier; concurrent logins during migration wait for it and are then
// verified against the stored result.
func (p *Project) Authenticate(h kdf.Hasher, pwd string, hasPwd bool) error {
	p.credMu.Lock()
	material := p.settings[CredentialKey]
	mode := credentialMode(material)

	if mode == CredentialMigrate {
		defer p.credMu.Unlock()
		if !hasPwd {
			return &AuthError{Code: protocol.CodeHashFailed, Message: "Unable to hash password", Err: errors.New("no password supplied")}
		}
		verifier, err := h.Hash(pwd)
		if err != nil {
			return &AuthError{Code: protocol.CodeHashFailed, Message: "Unable to hash password", Err: err}
		}
		p.settings[CredentialKey] = verifier
		return nil
	}
	p.credMu.Unlock()

	switch mode {
	case CredentialNone:
		return nil
	case CredentialInvalid:
		return &AuthError{Code: protocol.CodeCredentialMismatch, Message: "Password was incorrect", Err: errUnsupportedCredential}
	}

	if !hasPwd {
		return &AuthError{Code: protocol.CodeCredentialRequired, Message: "A password is required"}
	}
	ok, err := h.Verify(pwd, material.(string))
	if err != nil {
		return &AuthError{Code: protocol.CodeCredentialMismatch, Message: "Password was incorrect", Err: err}
	}
	if !ok {
		return &AuthError{Code: protocol.CodeCredentialMismatch, Message: "Password was incorrect"}
	}
	return nil
}
