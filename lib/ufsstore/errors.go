// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package ufsstore

import "errors"

// Registry error kinds. Callers distinguish them with errors.Is:
// a caller hitting ErrBlockAlreadyExists must release (or use a new
// session) before retrying; ErrAccessTokenUnavailable means the
// per-block concurrency cap is reached and the caller should back
// off, then retry against the in-memory tier once promotion lands.
var (
	ErrBlockAlreadyExists     = errors.New("ufsstore: block already acquired by this session")
	ErrAccessTokenUnavailable = errors.New("ufsstore: block read concurrency cap reached")
	ErrBlockDoesNotExist      = errors.New("ufsstore: no such block for session")
	ErrReaderClosed           = errors.New("ufsstore: block reader closed")
	ErrWriterClosed           = errors.New("ufsstore: block writer closed")
)
