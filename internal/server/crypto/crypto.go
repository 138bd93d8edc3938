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

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
)

type AsymetricKeyType string

const (
	AsymetricKeyTypeRSA2048   AsymetricKeyType = "RSA-2048"
	AsymetricKeyTypeECDSAP256 AsymetricKeyType = "ECDSA-P256"
)

type AsymetricKey struct {
	keyType    AsymetricKeyType
	privateKey crypto.Signer
	publicKey  crypto.PublicKey
}

func NewAsymetricKey(keyType AsymetricKeyType) (*AsymetricKey, error) {
	var privateKey crypto.Signer
	var publicKey crypto.PublicKey
	var err error
	switch keyType {
	case AsymetricKeyTypeRSA2048:
		privateKey, publicKey, err = GenerateRSAKeys(2048)
	case AsymetricKeyTypeECDSAP256:
		privateKey, publicKey, err = GenerateECDSAKeys(elliptic.P256())
	default:
		err = fmt.Errorf("unrecognized asymetric key type: '%s'", string(keyType))
	}
	if err != nil {
		return nil, err
	}
	key := &AsymetricKey{
		keyType:    keyType,
		privateKey: privateKey,
		publicKey:  publicKey,
	}
	return key, nil
}

func (k *AsymetricKey) KeyType() AsymetricKeyType {
	return k.keyType
}

func (k *AsymetricKey) PrivateKey() crypto.Signer {
	return k.privateKey
}

func (k *AsymetricKey) PublicKey() crypto.PublicKey {
	return k.publicKey
}

func GenerateRSAKeys(bits int) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate RSA key (cause: %w)", err)
	}
	return privateKey, &privateKey.PublicKey, nil
}

func GenerateECDSAKeys(c elliptic.Curve) (*ecdsa.PrivateKey, *ecdsa.PublicKey, error) {
	privateKey, err := ecdsa.GenerateKey(c, rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ECDSA key (cause: %w)", err)
	}
	return privateKey, &privateKey.PublicKey, nil
}

func ReadRandomBytes(bytes []byte) error {
	_, err := io.ReadFull(rand.Reader, bytes)
	if err != nil {
		return fmt.Errorf("failed generate random bytes (cause: %w)", err)
	}
	return nil
}

func GenerateRandomBytes(size int) ([]byte, error) {
	bytes := make([]byte, size)
	err := ReadRandomBytes(bytes)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// CodeSize is the number of random bytes backing an opaque code.
const CodeSize = 32

// GenerateCode returns CodeSize random bytes in unpadded base64url form.
func GenerateCode() (string, error) {
	bytes, err := GenerateRandomBytes(CodeSize)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
