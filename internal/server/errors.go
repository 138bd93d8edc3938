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
	"net/http"
)

// ProtocolError is an error reported to the client with a fixed status and
// its code as plaintext body.
type ProtocolError struct {
	Code   string
	Status int
}

func (e *ProtocolError) Error() string {
	return e.Code
}

var (
	ErrMissingRedirectURI       = &ProtocolError{Code: "MissingRedirectUri", Status: http.StatusBadRequest}
	ErrInvalidOrUnknownCode     = &ProtocolError{Code: "InvalidOrUnknownCode", Status: http.StatusBadRequest}
	ErrPKCEVerificationFailed   = &ProtocolError{Code: "PkceVerificationFailed", Status: http.StatusBadRequest}
	ErrInvalidClientCredentials = &ProtocolError{Code: "InvalidClientCredentials", Status: http.StatusUnauthorized}
	ErrUnhandledRoute           = &ProtocolError{Code: "UnhandledRoute", Status: http.StatusNotFound}
	ErrInternalStubError        = &ProtocolError{Code: "InternalStubError", Status: http.StatusInternalServerError}
)

// AsProtocolError maps any error to the protocol error to report. Errors
// outside the taxonomy become ErrInternalStubError.
func AsProtocolError(err error) *ProtocolError {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr
	}
	return ErrInternalStubError
}
