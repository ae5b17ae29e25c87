// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package folder

import (
	"fmt"
	"os"

	"github.com/katzenpost/dhtmail/internal/fsutil"
	"github.com/katzenpost/dhtmail/packet"
)

// readLedger returns the content of a ledger file and whether the file
// exists.  A malformed file is replaced by an empty one so the files after
// it stay reachable.
func (f *Folder) readLedger(fn string) (*packet.DeletionInfoPacket, bool, error) {
	b, err := os.ReadFile(fn)
	switch {
	case os.IsNotExist(err):
		return &packet.DeletionInfoPacket{}, false, nil
	case err != nil:
		return nil, false, err
	}
	p, err := packet.Decode(b)
	if err == nil {
		if ledger, ok := p.(*packet.DeletionInfoPacket); ok {
			return ledger, true, nil
		}
		err = fmt.Errorf("%w: %v", ErrWrongType, p.Type())
	}
	f.log.Warningf("%s: discarding malformed ledger file %s: %v", f.hooks.Name, fn, err)
	empty := &packet.DeletionInfoPacket{}
	if err := f.writeLedger(fn, empty); err != nil {
		return nil, false, err
	}
	return empty, true, nil
}

func (f *Folder) writeLedger(fn string, ledger *packet.DeletionInfoPacket) error {
	b, err := ledger.MarshalBinary()
	if err != nil {
		return err
	}
	return fsutil.WriteFile(fn, b, fileMode)
}

// ledgerChain is the ledger files of one key prefix, in order.
type ledgerChain struct {
	paths   []string
	ledgers []*packet.DeletionInfoPacket
	changed map[int]bool
}

func (c *ledgerChain) lookup(key packet.Key) (packet.DeletionRecord, bool) {
	for _, l := range c.ledgers {
		if r, ok := l.Lookup(key); ok {
			return r, true
		}
	}
	return packet.DeletionRecord{}, false
}

// readChain reads every ledger file of key's prefix.
func (f *Folder) readChain(key packet.Key) (*ledgerChain, error) {
	c := &ledgerChain{changed: make(map[int]bool)}
	for seq := 0; ; seq++ {
		fn := f.ledgerPath(key, seq)
		ledger, ok, err := f.readLedger(fn)
		if err != nil {
			return nil, err
		}
		if !ok {
			return c, nil
		}
		c.paths = append(c.paths, fn)
		c.ledgers = append(c.ledgers, ledger)
	}
}

// addToChain appends r to the last file with room, starting a new file
// when every file is full.
func (f *Folder) addToChain(c *ledgerChain, r packet.DeletionRecord) {
	if _, ok := c.lookup(r.Key); ok {
		return
	}
	last := len(c.ledgers) - 1
	if last < 0 || len(c.ledgers[last].Records) >= f.maxLedgerRecords {
		c.paths = append(c.paths, f.ledgerPath(r.Key, len(c.ledgers)))
		c.ledgers = append(c.ledgers, &packet.DeletionInfoPacket{})
		last++
		if last > 0 {
			f.log.Noticef("%s: deletion ledger %s is full, continuing in %s", f.hooks.Name, c.paths[last-1], c.paths[last])
		}
	}
	c.ledgers[last].Add(r)
	c.changed[last] = true
}

func (f *Folder) lookupLedger(key packet.Key) (packet.DeletionRecord, bool) {
	c, err := f.readChain(key)
	if err != nil {
		f.log.Errorf("%s: failed to read deletion ledger: %v", f.hooks.Name, err)
		return packet.DeletionRecord{}, false
	}
	return c.lookup(key)
}

func (f *Folder) addLedgerRecords(records []packet.DeletionRecord) error {
	chains := make(map[byte]*ledgerChain)
	for _, r := range records {
		c, ok := chains[r.Key[0]]
		if !ok {
			var err error
			if c, err = f.readChain(r.Key); err != nil {
				return err
			}
			chains[r.Key[0]] = c
		}
		f.addToChain(c, r)
	}
	for _, c := range chains {
		for i := range c.changed {
			if err := f.writeLedger(c.paths[i], c.ledgers[i]); err != nil {
				return err
			}
		}
	}
	return nil
}
