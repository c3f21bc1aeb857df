// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secretenv encrypts and decrypts an application's
// secure_environment values at rest, using filippo.io/age with an
// X25519 identity owned by the daemon instance. Values are kept as
// age ciphertext everywhere except inside the executor's Spawn, which
// is the only place they are decrypted before landing in a child
// process's environment.
package secretenv

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"

	"filippo.io/age"
)

// Keyring holds the daemon's secret-environment identity and the
// matching recipient used to encrypt new values.
type Keyring struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewKeyring generates a fresh X25519 identity, used when no persisted
// identity is configured yet.
func NewKeyring() (*Keyring, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("secretenv: %w", err)
	}
	return &Keyring{identity: id, recipient: id.Recipient()}, nil
}

// KeyringFromIdentity parses a persisted age identity string (the
// "AGE-SECRET-KEY-..." encoding written to the daemon's config/keys
// file) into a Keyring.
func KeyringFromIdentity(identityStr string) (*Keyring, error) {
	id, err := age.ParseX25519Identity(identityStr)
	if err != nil {
		return nil, fmt.Errorf("secretenv: %w", err)
	}
	return &Keyring{identity: id, recipient: id.Recipient()}, nil
}

// IdentityString returns the persistable encoding of the identity.
func (k *Keyring) IdentityString() string {
	return k.identity.String()
}

// Encrypt seals plaintext into a base64-encoded age ciphertext blob
// suitable for storing in an Application's secure_environment map.
func (k *Keyring) Encrypt(plaintext string) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, k.recipient)
	if err != nil {
		return "", fmt.Errorf("secretenv: %w", err)
	}
	if _, err := io.WriteString(w, plaintext); err != nil {
		return "", fmt.Errorf("secretenv: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("secretenv: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Decrypt reverses Encrypt. It implements appmesh.SecureDecryptor.
func (k *Keyring) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secretenv: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), k.identity)
	if err != nil {
		return "", fmt.Errorf("secretenv: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("secretenv: %w", err)
	}
	return string(out), nil
}
