// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package auth extracts bearer tokens from HTTP requests and guards
// handlers behind a fixed management token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// TokensFromRequest returns the tokens found in the request's
// "Authorization: Bearer ..." header and its "api_token" query
// parameters, with surrounding whitespace removed.
func TokensFromRequest(r *http.Request) []string {
	var tokens []string
	if toks := strings.SplitN(r.Header.Get("Authorization"), " ", 2); len(toks) == 2 && toks[0] == "Bearer" {
		tokens = append(tokens, strings.TrimSpace(toks[1]))
	}
	// Malformed query pairs are skipped.
	for _, token := range r.URL.Query()["api_token"] {
		tokens = append(tokens, strings.TrimSpace(token))
	}
	return tokens
}

// RequireLiteralToken wraps the next handler, rejecting any request
// that doesn't supply the given token. If the given token is empty,
// RequireLiteralToken returns next (i.e., no auth checks are
// performed).
func RequireLiteralToken(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens := TokensFromRequest(r)
		if len(tokens) == 0 {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		for _, t := range tokens {
			if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	})
}
