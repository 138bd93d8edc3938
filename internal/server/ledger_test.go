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

package server_test

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tdrn-org/idpstub/internal/server"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
)

func TestCodeLedger(t *testing.T) {
	ledger := server.NewCodeLedger(slog.Default())
	record := &server.AuthorizationRecord{
		RedirectURI: "https://app.test/cb",
		User:        userstore.DefaultTestUser(),
	}
	code1, err := ledger.Issue(record)
	require.NoError(t, err)
	code2, err := ledger.Issue(record)
	require.NoError(t, err)
	require.NotEqual(t, code1, code2)
	require.Equal(t, 2, ledger.Len())

	consumed, found := ledger.Consume(code1)
	require.True(t, found)
	require.Same(t, record, consumed)
	_, found = ledger.Consume(code1)
	require.False(t, found)
	require.Equal(t, 1, ledger.Len())

	_, found = ledger.Consume("unknown")
	require.False(t, found)

	ledger.Clear()
	require.Equal(t, 0, ledger.Len())
	_, found = ledger.Consume(code2)
	require.False(t, found)
}

func TestCodeLedgerConcurrentConsume(t *testing.T) {
	ledger := server.NewCodeLedger(slog.Default())
	code, err := ledger.Issue(&server.AuthorizationRecord{User: userstore.DefaultTestUser()})
	require.NoError(t, err)
	var consumed atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, found := ledger.Consume(code)
			if found {
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), consumed.Load())
}
