// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !pyroscope
// +build !pyroscope

// Package profiling starts continuous profiling in builds tagged
// pyroscope.
package profiling

import "gopkg.in/op/go-logging.v1"

// Start does nothing without the pyroscope build tag.
func Start(log *logging.Logger, node string) error {
	log.Debugf("Profiling is disabled.")
	return nil
}
