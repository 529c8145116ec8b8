package hostlink

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"ppmboot/ppm"
	"ppmboot/ppmerr"
)

// Opcodes for the pod RPC surface: one per PPM-line primitive, plus the
// two asynchronous event notifications and a bare ack/nak.
const (
	opAck         = 0x00
	opNak         = 0x01
	opConfigureTx = 0x10
	opConfigureRx = 0x11
	opTransmit    = 0x12
	opReceive     = 0x13
	opEventTxDone = 0x80
	opEventRxDone = 0x81
)

// callTimeout bounds how long a single RPC to the pod may take before the
// link gives up and reports an error; the foreground is strictly serial
// (§5) so only one call is ever outstanding.
const callTimeout = 500 * time.Millisecond

// Link implements ppm.Line by issuing the four line primitives as RPC
// calls across a byte-stream link to a companion pod, per the host/pod
// deployment shape (§2). It owns a single read loop that both completes
// outstanding RPC calls and forwards asynchronous tx/rx-done notifications
// to Events().
type Link struct {
	port io.ReadWriteCloser

	seq atomic.Uint32

	mu      sync.Mutex // serializes one RPC call at a time
	replyCh chan frameMsg

	events chan ppm.Event

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type frameMsg struct {
	seq     byte
	payload []byte
}

// NewLink wraps an already-open byte-stream port (typically a
// host/serial.Port) and starts the background frame reader.
func NewLink(port io.ReadWriteCloser) *Link {
	l := &Link{
		port:    port,
		replyCh: make(chan frameMsg, 1),
		events:  make(chan ppm.Event, 8),
		stop:    make(chan struct{}),
	}
	l.seq.Store(uint32(seqBase))
	l.wg.Add(1)
	go l.readLoop()
	return l
}

// readLoop scans the incoming byte stream for sync-terminated frames,
// resynchronizing on a bad CRC or malformed length by dropping one byte
// and continuing, mirroring the teacher's resync-on-corruption behavior.
func (l *Link) readLoop() {
	defer l.wg.Done()
	buf := make([]byte, 0, 256)
	tmp := make([]byte, 256)
	for {
		select {
		case <-l.stop:
			return
		default:
		}
		n, err := l.port.Read(tmp)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		buf = append(buf, tmp[:n]...)

		for {
			// Discard anything before the next sync delimiter.
			for len(buf) > 0 && buf[0] != syncByte {
				buf = buf[1:]
			}
			if len(buf) == 0 {
				break
			}
			end := indexByte(buf[1:], syncByte)
			if end < 0 {
				if len(buf) > maxMessageLen*2 {
					buf = buf[len(buf)-maxMessageLen:]
				}
				break
			}
			body := buf[1 : end+1]
			seq, payload, perr := parseFrame(body)
			if perr != nil {
				// Resync: drop the leading delimiter and let the next
				// iteration search for sync bytes again, rather than
				// trusting this span's boundaries.
				buf = buf[1:]
				continue
			}
			buf = buf[end+2:]
			l.dispatch(seq, payload)
		}
	}
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

// dispatch routes a parsed frame either to the outstanding call's reply
// channel or, for an event opcode, onto Events().
func (l *Link) dispatch(seq byte, payload []byte) {
	if len(payload) == 0 {
		return
	}
	op := payload[0]
	switch op {
	case opEventTxDone:
		l.events <- ppm.Event{Kind: ppm.EventTxDone}
	case opEventRxDone:
		symbols := decodeSymbols(payload[1:])
		l.events <- ppm.Event{Kind: ppm.EventRxDone, Symbols: symbols}
	default:
		select {
		case l.replyCh <- frameMsg{seq: seq, payload: payload}:
		default:
		}
	}
}

func decodeSymbols(data []byte) []int {
	var out []int
	for len(data) > 0 {
		v, rest, err := decodeVLQ(data)
		if err != nil {
			break
		}
		out = append(out, int(v))
		data = rest
	}
	return out
}

// call issues one RPC: it serializes concurrent callers, writes the
// request frame, and blocks for the matching ack/nak or callTimeout.
func (l *Link) call(op byte, args []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := byte(l.seq.Add(1))&seqMask | seqBase
	payload := append([]byte{op}, args...)
	body := buildFrame(seq, payload)
	frame := append([]byte{syncByte}, body...)
	frame = append(frame, syncByte)

	if _, err := l.port.Write(frame); err != nil {
		return nil, ppmerr.Wrap(ppmerr.Internal, err)
	}

	select {
	case reply := <-l.replyCh:
		if len(reply.payload) == 0 || reply.payload[0] == opNak {
			return nil, ppmerr.New(ppmerr.Internal)
		}
		return reply.payload[1:], nil
	case <-time.After(callTimeout):
		return nil, ppmerr.New(ppmerr.Internal)
	case <-l.stop:
		return nil, ppmerr.New(ppmerr.Internal)
	}
}

func (l *Link) ConfigureTx(gpio int, resolutionHz float64, invertOut, openDrainIfShared bool) (ppm.TxHandle, error) {
	var args []byte
	args = encodeVLQ(args, int32(gpio))
	args = encodeVLQ(args, int32(resolutionHz))
	args = append(args, boolByte(invertOut), boolByte(openDrainIfShared))
	reply, err := l.call(opConfigureTx, args)
	if err != nil {
		return 0, err
	}
	h, _, err := decodeVLQUint(reply)
	if err != nil {
		return 0, ppmerr.Wrap(ppmerr.Internal, err)
	}
	return ppm.TxHandle(h), nil
}

func (l *Link) ConfigureRx(gpio int, resolutionHz float64, invertIn bool) (ppm.RxHandle, error) {
	var args []byte
	args = encodeVLQ(args, int32(gpio))
	args = encodeVLQ(args, int32(resolutionHz))
	args = append(args, boolByte(invertIn))
	reply, err := l.call(opConfigureRx, args)
	if err != nil {
		return 0, err
	}
	h, _, err := decodeVLQUint(reply)
	if err != nil {
		return 0, ppmerr.Wrap(ppmerr.Internal, err)
	}
	return ppm.RxHandle(h), nil
}

func (l *Link) Transmit(h ppm.TxHandle, symbols []int, repeatCount int) error {
	var args []byte
	args = encodeVLQUint(args, uint32(h))
	args = encodeVLQ(args, int32(repeatCount))
	args = encodeVLQUint(args, uint32(len(symbols)))
	for _, s := range symbols {
		args = encodeVLQ(args, int32(s))
	}
	_, err := l.call(opTransmit, args)
	return err
}

func (l *Link) Receive(h ppm.RxHandle, minPulseNs, maxPulseNs float64) error {
	var args []byte
	args = encodeVLQUint(args, uint32(h))
	args = encodeVLQ(args, int32(minPulseNs))
	args = encodeVLQ(args, int32(maxPulseNs))
	_, err := l.call(opReceive, args)
	return err
}

func (l *Link) Events() <-chan ppm.Event {
	return l.events
}

func (l *Link) Close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	err := l.port.Close()
	l.wg.Wait()
	return err
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
