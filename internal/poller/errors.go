// Arenamate - World of Warcraft Match Upload & Analysis Companion
// Copyright 2026 Arenamate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/arenamate/arenamate

package poller

import "errors"

var (
	errEmptyJobID    = errors.New("poller: jobId must not be empty")
	errEmptyMatchKey = errors.New("poller: refusing to track a job without a matchKey")
	errClosed        = errors.New("poller: closed")
)
