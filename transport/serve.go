// MMIO-trapping stage-2 translation core
// https://github.com/usbarmory/tamago-hv
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/usbarmory/tamago-hv/abort"
	"github.com/usbarmory/tamago-hv/iodev"
	"github.com/usbarmory/tamago-hv/mem"
	"github.com/usbarmory/tamago-hv/mmio"
	"github.com/usbarmory/tamago-hv/pte"
	"github.com/usbarmory/tamago-hv/proxy"
)

// sentinelBuf is a per-device byte accumulator used while hunting for the
// next frame's sentinel: devices are polled round-robin at startup, and
// bytes that arrive before the sentinel is found are simply dropped, one
// at a time, the way the original protocol resynchronizes after noise.
type sentinelBuf struct {
	dev  iodev.Device
	word [4]byte
	n    int
}

// Transport multiplexes the framed request/reply/event protocol over one
// or more character devices.
type Transport struct {
	Mem   mem.Memory
	Proxy proxy.Processor

	devices []*sentinelBuf
	active  *sentinelBuf
}

// NewTransport constructs a Transport that will speak the protocol over
// devs. At least one device must be supplied.
func NewTransport(mem mem.Memory, p proxy.Processor, devs ...iodev.Device) (*Transport, error) {
	if len(devs) == 0 {
		return nil, errors.New("transport: at least one device is required")
	}
	t := &Transport{Mem: mem, Proxy: p}
	for _, d := range devs {
		t.devices = append(t.devices, &sentinelBuf{dev: d})
	}
	return t, nil
}

// readByte reads a single byte from dev if one is available right now. It
// never blocks: it returns false when the device has nothing to read.
func readByte(dev iodev.Device) (byte, bool) {
	if !dev.CanRead() {
		return 0, false
	}
	var b [1]byte
	n, err := dev.Read(b[:])
	if n == 0 || (err != nil && err != io.EOF) {
		return 0, false
	}
	return b[0], true
}

// readFull blocks until buf is completely filled from dev, matching the
// cooperative, no-timeout blocking semantics of the character I/O devices
// this protocol runs over: a stuck device stalls the caller indefinitely.
func readFull(dev iodev.Device, buf []byte) error {
	got := 0
	for got < len(buf) {
		if !dev.CanRead() {
			continue
		}
		n, err := dev.Read(buf[got:])
		got += n
		if n == 0 && err != nil && err != io.EOF {
			return err
		}
	}
	return nil
}

// syncToSentinel shifts bytes from dev into word until the low 24 bits of
// word, read as a little-endian uint32, carry the frame sentinel. It
// returns false if dev has no more bytes available right now.
func (s *sentinelBuf) syncToSentinel() bool {
	for {
		if s.n == 4 {
			typ := binary.LittleEndian.Uint32(s.word[:])
			if _, ok := frameOpcode(typ); ok {
				return true
			}
			copy(s.word[:3], s.word[1:])
			s.n = 3
		}

		b, ok := readByte(s.dev)
		if !ok {
			return false
		}
		s.word[s.n] = b
		s.n++
	}
}

// readFrame completes a request frame once the sentinel word is in hand.
// It only waits for bytes the device already reports as available: a
// frame split across polling calls is reported as short rather than
// blocking this call indefinitely.
func (s *sentinelBuf) readFrame() ([]byte, bool) {
	frame := make([]byte, reqFrameSize)
	copy(frame, s.word[:4])
	got := 4

	for got < reqFrameSize && s.dev.CanRead() {
		n, err := s.dev.Read(frame[got:])
		got += n
		if n == 0 && err != nil && err != io.EOF {
			return nil, false
		}
	}

	s.n = 0
	return frame, got == reqFrameSize
}

// Startup runs the broadcast-and-poll entry sequence: a BOOT request is
// sent on every device, and devices are polled round-robin until one of
// them yields a frame sentinel. That device becomes the active device for
// the remainder of the session; Startup does not read or checksum the rest
// of the frame, which the next Serve call reads and verifies.
func (t *Transport) Startup() error {
	boot, err := marshalRequest(OpBoot, proxy.Request{})
	if err != nil {
		return err
	}
	for _, s := range t.devices {
		if _, err := s.dev.Write(boot); err != nil {
			return err
		}
	}

	for {
		for _, s := range t.devices {
			if s.syncToSentinel() {
				t.active = s
				return nil
			}
		}
	}
}

// Serve processes at most one request frame from the active device (the
// device that won Startup, or the single device for a single-device
// deployment). It returns nil without handling anything when no sentinel
// is available yet; callers drive the polling loop.
func (t *Transport) Serve() error {
	if t.active == nil {
		if len(t.devices) != 1 {
			return errors.New("transport: Serve called before Startup with multiple devices")
		}
		t.active = t.devices[0]
	}

	s := t.active
	if !s.syncToSentinel() {
		return nil
	}
	frame, ok := s.readFrame()
	if !ok {
		return errors.New("transport: short read assembling request frame")
	}

	op, body, err := unmarshalRequest(frame)
	if err != nil {
		status := StatusXferErr
		if errors.Is(err, errChecksum) {
			status = StatusChecksumErr
		}
		return t.reply(status, proxy.Reply{})
	}

	return t.dispatch(op, body)
}

func (t *Transport) dispatch(op Opcode, body proxy.Request) error {
	switch op {
	case OpNOP:
		return t.reply(StatusOK, proxy.Reply{})

	case OpBoot:
		return t.reply(StatusOK, proxy.Reply{})

	case OpPROXY:
		r, err := t.Proxy.Process(body)
		if err != nil {
			return t.reply(StatusBadCmd, proxy.Reply{})
		}
		return t.reply(StatusOK, r)

	case OpMemRead:
		addr, size := body.Args[0], body.Args[1]
		sum, err := t.Mem.ChecksumRange(addr, size)
		if err != nil {
			return t.reply(StatusXferErr, proxy.Reply{})
		}
		if err := t.reply(StatusOK, proxy.Reply{Args: [2]uint64{uint64(sum), size}}); err != nil {
			return err
		}
		buf := make([]byte, size)
		if err := t.Mem.ReadInto(addr, buf); err != nil {
			return err
		}
		if _, err := t.active.dev.Write(buf); err != nil {
			return err
		}
		return t.active.dev.Flush()

	case OpMemWrite:
		addr, size, wantChecksum := body.Args[0], body.Args[1], uint32(body.Args[2])

		// Probe first and last byte under a skip-on-fault guard before
		// touching the device or memory at all.
		if size == 0 || !t.Mem.Probe(addr, 1) || !t.Mem.Probe(addr+size-1, 1) {
			return t.reply(StatusXferErr, proxy.Reply{})
		}

		buf := make([]byte, size)
		if err := readFull(t.active.dev, buf); err != nil {
			return t.reply(StatusXferErr, proxy.Reply{})
		}

		if got := mmio.ChecksumFinish(mmio.Checksum(mmio.ChecksumSeed, buf)); got != wantChecksum {
			return t.reply(StatusXferErr, proxy.Reply{})
		}

		if err := t.Mem.WriteFrom(addr, buf); err != nil {
			return t.reply(StatusXferErr, proxy.Reply{})
		}
		return t.reply(StatusOK, proxy.Reply{})

	default:
		return t.reply(StatusBadCmd, proxy.Reply{})
	}
}

func (t *Transport) reply(status Status, body proxy.Reply) error {
	frame, err := marshalReply(status, body)
	if err != nil {
		return err
	}
	if _, err := t.active.dev.Write(frame); err != nil {
		return err
	}
	return t.active.dev.Flush()
}

// SendEvent emits an unsolicited event frame on the active device: an
// 8-byte checksummed header (sentinel + EVENT opcode) followed by a
// fixed-size kind-specific body.
func (t *Transport) SendEvent(body []byte) error {
	if len(body) != eventBodySize {
		return errors.New("transport: event body has the wrong size")
	}
	if t.active == nil {
		return errors.New("transport: no active device")
	}

	raw := make([]byte, eventHeaderSize+eventBodySize)
	binary.LittleEndian.PutUint32(raw[0:4], frameType(OpEvent))
	copy(raw[8:], body)
	binary.LittleEndian.PutUint32(raw[4:8], checksum(raw))

	if _, err := t.active.dev.Write(raw); err != nil {
		return err
	}
	return nil
}

// EmitMMIOTrace encodes ev into an event frame and sends it on the active
// device. It implements abort.EventSink.
func (t *Transport) EmitMMIOTrace(ev abort.MMIOTraceEvent) error {
	body := make([]byte, eventBodySize)
	binary.LittleEndian.PutUint64(body[0:8], ev.IPA)
	binary.LittleEndian.PutUint64(body[8:16], ev.Value)
	if ev.Write {
		body[16] = 1
	}
	body[17] = byte(ev.Width)
	return t.SendEvent(body)
}

// Flush blocks until every byte queued on the active device has been
// transmitted.
func (t *Transport) Flush() error {
	if t.active == nil {
		return nil
	}
	return t.active.dev.Flush()
}

// CallProxyHook forwards a proxy-hooked MMIO access to the host, reshaped
// into the same envelope as an explicit PROXY command. It implements
// abort.ProxyCaller, reentering the transport over the framed wire (the
// nested-entry path below) rather than calling the local Processor
// in-process, since a real proxy hook's whole purpose is to solicit a
// decision from the host while the guest is frozen mid-abort.
func (t *Transport) CallProxyHook(ipa uint64, kind pte.Kind, value *uint64, write bool, width mmio.Width) (bool, error) {
	req := proxy.Request{
		Opcode: uint32(OpPROXY),
		Args:   [6]uint64{ipa, *value, boolToU64(write), uint64(width), uint64(kind)},
	}
	reply, err := t.reenter(req)
	if err != nil {
		return false, err
	}
	if !write {
		*value = reply.Args[0]
	}
	return true, nil
}

// reenter performs the "nested entry" exchange: unlike Startup's
// broadcast-and-poll across every device, it sticks to the device already
// latched active, sends req as a BOOT-typed frame (mirroring Startup's own
// use of BOOT to carry an out-of-band envelope), and blocks reading the
// reply from that same device only, failing if the device reports a read
// error.
func (t *Transport) reenter(req proxy.Request) (proxy.Reply, error) {
	if t.active == nil {
		return proxy.Reply{}, errors.New("transport: nested entry before Startup")
	}

	frame, err := marshalRequest(OpBoot, req)
	if err != nil {
		return proxy.Reply{}, err
	}
	if _, err := t.active.dev.Write(frame); err != nil {
		return proxy.Reply{}, err
	}
	if err := t.active.dev.Flush(); err != nil {
		return proxy.Reply{}, err
	}

	reply := make([]byte, replyFrameSize)
	if err := readFull(t.active.dev, reply); err != nil {
		return proxy.Reply{}, fmt.Errorf("transport: nested entry reply: %w", err)
	}

	status, body, err := unmarshalReply(reply)
	if err != nil {
		return proxy.Reply{}, err
	}
	if status != StatusOK {
		return proxy.Reply{}, fmt.Errorf("transport: nested entry reply status %v", status)
	}
	return body, nil
}

func boolToU64(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
