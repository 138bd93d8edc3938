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

package trace

import (
	"net"
	"net/http"
	"strings"
)

var remoteIPHeaders = []string{
	"True-Client-IP",
	"X-Real-IP",
	"X-Forwarded-For",
}

// GetHttpRequestRemoteIP determines the client address of a request. Proxy
// headers take precedence over the connection's remote address; for lists
// the first entry is used.
func GetHttpRequestRemoteIP(r *http.Request) string {
	for _, remoteIPHeader := range remoteIPHeaders {
		remoteIP, _, _ := strings.Cut(r.Header.Get(remoteIPHeader), ",")
		remoteIP = strings.TrimSpace(remoteIP)
		if remoteIP != "" {
			return remoteIP
		}
	}
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return remoteIP
}
