// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package secrets encrypts module environment variables at rest.
//
// The scheme is Fernet: authenticated symmetric encryption keyed by a
// URL-safe base64 32-byte value read from ENV_ENCRYPTION_KEY at process
// start. Absence of the key aborts startup; a row that fails to decrypt is
// surfaced as errdefs.ErrDecryption.
package secrets

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fernet/fernet-go"

	"github.com/kilnworks/kiln/pkg/errdefs"
)

// KeyEnvVar names the environment variable holding the encryption key.
const KeyEnvVar = "ENV_ENCRYPTION_KEY"

// Codec encrypts and decrypts JSON-serialized string maps.
type Codec struct {
	key *fernet.Key
}

// NewCodec creates a Codec from a URL-safe base64 key string.
func NewCodec(key string) (*Codec, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	return &Codec{key: k}, nil
}

// NewCodecFromEnv creates a Codec from ENV_ENCRYPTION_KEY.
// A missing key is an error; callers treat it as fatal at startup.
func NewCodecFromEnv() (*Codec, error) {
	raw := os.Getenv(KeyEnvVar)
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", KeyEnvVar)
	}
	return NewCodec(raw)
}

// GenerateKey returns a fresh URL-safe base64 key, for provisioning.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return k.Encode(), nil
}

// EncryptMap serializes and encrypts a string map. The ciphertext is a
// UTF-8 token suitable for a TEXT column.
func (c *Codec) EncryptMap(values map[string]string) (string, error) {
	if values == nil {
		values = map[string]string{}
	}
	plain, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("failed to serialize env vars: %w", err)
	}
	tok, err := fernet.EncryptAndSign(plain, c.key)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt env vars: %w", err)
	}
	return string(tok), nil
}

// DecryptMap reverses EncryptMap. Verification failure (wrong key, corrupt
// row) yields errdefs.ErrDecryption.
func (c *Codec) DecryptMap(token string) (map[string]string, error) {
	plain := fernet.VerifyAndDecrypt([]byte(token), 0, []*fernet.Key{c.key})
	if plain == nil {
		return nil, errdefs.WithDetail(errdefs.ErrDecryption, "env var ciphertext failed verification")
	}
	var values map[string]string
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrDecryption, "env var plaintext is not a string map")
	}
	return values, nil
}
