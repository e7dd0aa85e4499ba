// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package httputil

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/matrix-org/util"
)

// CheckHomeserverToken validates the hs_token the homeserver presents
// on application-service requests, accepting both the Authorization
// header and the legacy access_token query parameter. A nil return
// means the request is authorized.
func CheckHomeserverToken(req *http.Request, hsToken string) *util.JSONResponse {
	token := ""
	if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token = strings.TrimPrefix(auth, "Bearer ")
	} else {
		token = req.URL.Query().Get("access_token")
	}
	if token == "" {
		return &util.JSONResponse{
			Code: http.StatusUnauthorized,
			JSON: spec.MissingToken("Missing homeserver token"),
		}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(hsToken)) != 1 {
		return &util.JSONResponse{
			Code: http.StatusForbidden,
			JSON: spec.UnknownToken("Bad homeserver token"),
		}
	}
	return nil
}
