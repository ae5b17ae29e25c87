// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"fmt"
	"runtime/debug"
)

// Safe runs fn and returns any panic it raised as an error, so that one bad
// iteration of a worker loop does not take the worker down.
func Safe(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: recovered panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
	return nil
}
