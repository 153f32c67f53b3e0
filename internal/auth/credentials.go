// ABOUTME: Exchange credential bearer tokens of the form {apiKey}.{apiSecret}
// ABOUTME: CredentialVerifier accepts them as principals named by the API key

package auth

import (
	"fmt"
	"strings"
)

// minCredentialPartLen is the shortest accepted API key or secret.
const minCredentialPartLen = 10

// Credentials is an exchange API key pair.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Token returns the bearer token form of c.
func (c Credentials) Token() string {
	return c.APIKey + "." + c.APISecret
}

// ParseCredentials parses a credential token. A leading "Bearer " is ignored.
func ParseCredentials(token string) (Credentials, error) {
	token = strings.TrimSpace(token)
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}

	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Credentials{}, fmt.Errorf("%w: expected apiKey.apiSecret", ErrInvalidToken)
	}
	key, secret := strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if len(key) < minCredentialPartLen || len(secret) < minCredentialPartLen {
		return Credentials{}, fmt.Errorf("%w: api key and secret must each be at least %d characters", ErrInvalidToken, minCredentialPartLen)
	}
	return Credentials{APIKey: key, APISecret: secret}, nil
}

// GenerateCredentialToken validates the pair and returns its token.
func GenerateCredentialToken(apiKey, apiSecret string) (string, error) {
	c := Credentials{APIKey: strings.TrimSpace(apiKey), APISecret: strings.TrimSpace(apiSecret)}
	if _, err := ParseCredentials(c.Token()); err != nil {
		return "", err
	}
	return c.Token(), nil
}

// CredentialVerifier accepts well-formed credential tokens. When allowed
// keys are configured, only those API keys are accepted.
type CredentialVerifier struct {
	allowed map[string]struct{}
}

// NewCredentialVerifier creates a verifier. No keys means any well-formed
// token is accepted.
func NewCredentialVerifier(allowedKeys ...string) *CredentialVerifier {
	v := &CredentialVerifier{}
	if len(allowedKeys) > 0 {
		v.allowed = make(map[string]struct{}, len(allowedKeys))
		for _, k := range allowedKeys {
			v.allowed[k] = struct{}{}
		}
	}
	return v
}

// Verify returns the API key as the principal ID.
func (v *CredentialVerifier) Verify(tokenString string) (string, error) {
	creds, err := ParseCredentials(tokenString)
	if err != nil {
		return "", err
	}
	if v.allowed != nil {
		if _, ok := v.allowed[creds.APIKey]; !ok {
			return "", fmt.Errorf("%w: unknown api key", ErrInvalidToken)
		}
	}
	return creds.APIKey, nil
}
