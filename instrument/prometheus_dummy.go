// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

//go:build noprometheus

package instrument

// Init does nothing
func Init(addr string) {}

// PacketStored does nothing
func PacketStored(folder string) {}

// PacketsDeleted does nothing
func PacketsDeleted(folder string, n int) {}

// PacketsExpired does nothing
func PacketsExpired(folder string, n int) {}

// DeleteMismatch does nothing
func DeleteMismatch() {}

// SendQueueLength does nothing
func SendQueueLength(n int) {}

// DatagramSent does nothing
func DatagramSent() {}

// DatagramFailed does nothing
func DatagramFailed() {}

// RelayRequest does nothing
func RelayRequest() {}

// RelayRequestDropped does nothing
func RelayRequestDropped(reason string) {}

// FragmentReceived does nothing
func FragmentReceived() {}

// EmailReceived does nothing
func EmailReceived() {}

// EmailSent does nothing
func EmailSent(status string) {}

// FragmentDelivered does nothing
func FragmentDelivered() {}
