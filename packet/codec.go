// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

type encoder struct {
	buf []byte
	err error
}

func newEncoder(t Type, sizeHint int) *encoder {
	e := &encoder{buf: make([]byte, 0, HeaderSize+sizeHint)}
	e.buf = append(e.buf, byte(t), Version)
	return e
}

func (e *encoder) u8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *encoder) u16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *encoder) u32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

func (e *encoder) key(k Key) {
	e.buf = append(e.buf, k[:]...)
}

func (e *encoder) time(t time.Time) {
	e.u64(encodeTime(t))
}

func (e *encoder) count(n int) {
	if n > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: %d entries", ErrTooLarge, n))
		return
	}
	e.u16(uint16(n))
}

func (e *encoder) bytes16(b []byte) {
	if len(b) > math.MaxUint16 {
		e.fail(fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b)))
		return
	}
	e.u16(uint16(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *encoder) finish() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

type decoder struct {
	b   []byte
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b) < n {
		d.err = ErrTruncated
		return nil
	}
	v := d.b[:n]
	d.b = d.b[n:]
	return v
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) key() (k Key) {
	if b := d.take(KeySize); b != nil {
		copy(k[:], b)
	}
	return
}

func (d *decoder) time() time.Time {
	return decodeTime(d.u64())
}

func (d *decoder) bytes16() []byte {
	n := int(d.u16())
	b := d.take(n)
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if len(d.b) != 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, len(d.b))
	}
	return nil
}

func encodeTime(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}

func decodeTime(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(v))
}
