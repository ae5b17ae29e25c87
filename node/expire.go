// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/dhtmail/core/worker"
	"github.com/katzenpost/dhtmail/folder"
)

// expirer periodically drops stored packets older than the packet TTL.
type expirer struct {
	worker.Worker

	log      *logging.Logger
	clock    clock.Clock
	interval time.Duration
	folders  []*folder.Folder
}

func newExpirer(folders []*folder.Folder, interval time.Duration, clk clock.Clock, log *logging.Logger) *expirer {
	e := &expirer{
		log:      log,
		clock:    clk,
		interval: interval,
		folders:  folders,
	}
	e.Go(e.worker)
	return e
}

func (e *expirer) sweep() error {
	var err error
	for _, f := range e.folders {
		err = multierr.Append(err, f.DeleteExpired())
	}
	return err
}

func (e *expirer) worker() {
	for {
		t := e.clock.Timer(e.interval)
		select {
		case <-e.HaltCh():
			t.Stop()
			e.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		}
		e.sweepAndLog()
	}
}

func (e *expirer) sweepAndLog() {
	var err error
	if perr := worker.Safe(func() { err = e.sweep() }); perr != nil {
		e.log.Errorf("Expiration sweep failed: %v", perr)
		return
	}
	for _, err := range multierr.Errors(err) {
		e.log.Warningf("Expiration sweep: %v", err)
	}
}
