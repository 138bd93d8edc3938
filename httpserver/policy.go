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

package httpserver

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"slices"

	"github.com/tdrn-org/idpstub/internal/trace"
)

// AccessPolicy decides whether a client address may use the server.
type AccessPolicy interface {
	Allow(remote netip.Addr) bool
}

type AccessPolicyFunc func(remote netip.Addr) bool

func (f AccessPolicyFunc) Allow(remote netip.Addr) bool {
	return f(remote)
}

// AccessPolicyHandler rejects requests denied by policy with 403. A nil
// policy admits every request.
func AccessPolicyHandler(handler http.Handler, policy AccessPolicy) http.Handler {
	if policy == nil {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteIP := trace.GetHttpRequestRemoteIP(r)
		remote, err := netip.ParseAddr(remoteIP)
		if err != nil || !policy.Allow(remote.Unmap()) {
			slog.Warn("access denied", slog.String("remote", remoteIP), slog.String("path", r.URL.Path))
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func ParseNetworks(cidrs ...string) ([]netip.Prefix, error) {
	networks := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		network, err := netip.ParsePrefix(cidr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse network: '%s' (cause: %w)", cidr, err)
		}
		networks = append(networks, network.Masked())
	}
	return networks, nil
}

// AllowNetworks returns a policy admitting only the given networks. An
// empty list yields no policy, meaning every client is admitted.
func AllowNetworks(networks []netip.Prefix) AccessPolicy {
	if len(networks) == 0 {
		return nil
	}
	return AccessPolicyFunc(func(remote netip.Addr) bool {
		return slices.ContainsFunc(networks, func(network netip.Prefix) bool {
			return network.Contains(remote)
		})
	})
}
