/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package server

import (
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"
	"github.com/tdrn-org/idpstub/internal/server/crypto"
)

var ErrUnsupportedAlgorithm = errors.New("unsupported signature key algorithm")

// SigningKey is the single key pair a provider instance signs tokens with.
type SigningKey struct {
	ID        string
	Algorithm jose.SignatureAlgorithm
	key       *crypto.AsymetricKey
}

func GenerateSigningKey(keyID string, algorithm jose.SignatureAlgorithm) (*SigningKey, error) {
	var keyType crypto.AsymetricKeyType
	switch algorithm {
	case jose.RS256, jose.PS256:
		keyType = crypto.AsymetricKeyTypeRSA2048
	case jose.ES256:
		keyType = crypto.AsymetricKeyTypeECDSAP256
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algorithm)
	}
	key, err := crypto.NewAsymetricKey(keyType)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key (cause: %w)", err)
	}
	signingKey := &SigningKey{
		ID:        keyID,
		Algorithm: algorithm,
		key:       key,
	}
	return signingKey, nil
}

func (k *SigningKey) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       k.key.PublicKey(),
		KeyID:     k.ID,
		Algorithm: string(k.Algorithm),
		Use:       "sig",
	}
}

func (k *SigningKey) KeySet() *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{k.PublicJWK()},
	}
}

func (k *SigningKey) newSigner() (jose.Signer, error) {
	signingKey := jose.SigningKey{
		Algorithm: k.Algorithm,
		Key: jose.JSONWebKey{
			Key:       k.key.PrivateKey(),
			KeyID:     k.ID,
			Algorithm: string(k.Algorithm),
			Use:       "sig",
		},
	}
	signer, err := jose.NewSigner(signingKey, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer (cause: %w)", err)
	}
	return signer, nil
}
