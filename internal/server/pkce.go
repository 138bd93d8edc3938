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
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

// VerifyPKCE checks the code verifier against the challenge recorded at
// authorize time. Records without challenge always pass. An empty method
// means plain, unknown methods never pass.
func VerifyPKCE(record *AuthorizationRecord, codeVerifier string) bool {
	if record.CodeChallenge == "" {
		return true
	}
	if codeVerifier == "" {
		return false
	}
	method := oidc.CodeChallengeMethod(record.CodeChallengeMethod)
	switch method {
	case "":
		method = oidc.CodeChallengeMethodPlain
	case oidc.CodeChallengeMethodPlain, oidc.CodeChallengeMethodS256:
	default:
		return false
	}
	return oidc.VerifyCodeChallenge(&oidc.CodeChallenge{Challenge: record.CodeChallenge, Method: method}, codeVerifier)
}
