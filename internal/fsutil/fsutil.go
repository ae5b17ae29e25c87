// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package fsutil provides crash safe file replacement.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile replaces the file at path with data.  The data is written to a
// temporary file which is synced and renamed over path, so a reader sees
// either the old or the new content.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	tmpFn := fmt.Sprintf("%s.tmp", path)
	out, err := os.OpenFile(tmpFn, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err = out.Write(data); err != nil {
		out.Close()
		os.Remove(tmpFn)
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpFn)
		return err
	}
	if err = out.Close(); err != nil {
		os.Remove(tmpFn)
		return err
	}
	if err = os.Rename(tmpFn, path); err != nil {
		os.Remove(tmpFn)
		return err
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	if err = dir.Sync(); err != nil {
		dir.Close()
		return err
	}
	return dir.Close()
}
