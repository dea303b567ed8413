// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP surface of the broker.
//
// The routes are:
//   - GET  /auth/{provider}         start a provider flow, or complete it on callback
//   - POST /auth/password           local password sign-in, returns an authorization code
//   - POST /auth/token              exchange an authorization code for tokens
//   - POST /auth/refresh            exchange the refresh cookie for a new access token
//   - POST /auth/logout             end the session behind the refresh cookie
//   - POST /auth/logout/all         end every other session of the caller
//   - POST /auth/impersonate        act as another user
//   - POST /auth/unimpersonate      return to the original user
//   - GET  /auth/session            describe the verified caller
//   - GET  /healthz                 store reachability
//   - GET  /metrics                 Prometheus metrics
//
// Refresh tokens travel only in an HttpOnly cookie. Access tokens are
// returned in JSON bodies and presented as bearer tokens.
package handlers
