// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package iodev

import (
	"bytes"
	"sync"
)

// Loopback is an in-memory Device: everything written to it becomes
// available to read back, in order. It is safe for concurrent use.
type Loopback struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *Loopback) CanRead() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Len() > 0
}

func (l *Loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Read(p)
}

func (l *Loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *Loopback) Flush() error {
	return nil
}
