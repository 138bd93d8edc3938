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
	"log/slog"

	"github.com/jellydator/ttlcache/v3"
	"github.com/tdrn-org/idpstub/internal/server/crypto"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
)

// AuthorizationRecord captures an authorize request together with the user
// active at that time.
type AuthorizationRecord struct {
	RedirectURI         string
	State               string
	HasState            bool
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	ClientID            string
	User                *userstore.TestUser
}

// CodeLedger maps issued authorization codes to their records. Codes do not
// expire and are removed on their first consumption.
type CodeLedger struct {
	codes  *ttlcache.Cache[string, *AuthorizationRecord]
	logger *slog.Logger
}

func NewCodeLedger(logger *slog.Logger) *CodeLedger {
	codes := ttlcache.New(
		ttlcache.WithTTL[string, *AuthorizationRecord](ttlcache.NoTTL),
		ttlcache.WithDisableTouchOnHit[string, *AuthorizationRecord](),
	)
	return &CodeLedger{
		codes:  codes,
		logger: logger,
	}
}

// Issue stores the record under a fresh code and returns the code.
func (l *CodeLedger) Issue(record *AuthorizationRecord) (string, error) {
	code, err := crypto.GenerateCode()
	if err != nil {
		return "", err
	}
	l.codes.Set(code, record, ttlcache.NoTTL)
	l.logger.Debug("authorization code issued", slog.String("sub", record.User.Subject), slog.String("client_id", record.ClientID))
	return code, nil
}

// Consume atomically removes and returns the record for the given code.
// Only one caller can ever obtain a given record.
func (l *CodeLedger) Consume(code string) (*AuthorizationRecord, bool) {
	item, found := l.codes.GetAndDelete(code)
	if !found {
		return nil, false
	}
	return item.Value(), true
}

func (l *CodeLedger) Len() int {
	return l.codes.Len()
}

func (l *CodeLedger) Clear() {
	l.logger.Debug("clearing authorization codes", slog.Int("count", l.codes.Len()))
	l.codes.DeleteAll()
}
