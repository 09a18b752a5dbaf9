// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package iodev declares the character I/O device contract the framed
// transport runs over: a byte-oriented, best-effort-partial-read queue,
// matching the shape of the teacher's own UART drivers.
package iodev

// Device is a single duplex character stream: a UART, a USB CDC-ACM
// endpoint, or, in tests, an in-memory loopback.
type Device interface {
	// CanRead reports whether at least one byte is available without
	// blocking.
	CanRead() bool

	// Read copies up to len(p) already-available bytes into p and
	// returns how many it copied. It does not block waiting for more.
	Read(p []byte) (n int, err error)

	// Write queues p for transmission and returns once it has been
	// queued (not necessarily transmitted).
	Write(p []byte) (n int, err error)

	// Flush blocks until every queued byte has actually been
	// transmitted.
	Flush() error
}
