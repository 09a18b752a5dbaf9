// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package proxy declares the contract for the external RPC command
// processor that PROXY requests and proxy-hooked MMIO accesses are
// forwarded to. Its actual command set is host-defined and out of scope
// here: this package only fixes the fixed-size envelope the transport
// exchanges with it.
package proxy

// RequestSize and ReplySize are the fixed payload sizes carried inside a
// transport request/reply frame's opaque body.
const (
	RequestSize = 52
	ReplySize   = 24
)

// Request is the opaque PROXY command payload forwarded verbatim from a
// transport request frame.
type Request struct {
	Opcode uint32
	Args   [6]uint64
}

// Reply is the opaque PROXY command result returned verbatim into a
// transport reply frame.
type Reply struct {
	Status uint32
	Args   [2]uint64
}

// Processor executes one PROXY command, or one proxy-hooked MMIO access
// reshaped into the same envelope.
type Processor interface {
	Process(req Request) (Reply, error)
}
