package ppm

import (
	"sync"
	"sync/atomic"
	"time"

	"ppmboot/ppmerr"
)

// TxHandle and RxHandle are opaque platform-assigned handles returned by
// Line.ConfigureTx/ConfigureRx.
type TxHandle uint32
type RxHandle uint32

// EventKind distinguishes the two completion notifications a Line delivers
// to its completion context.
type EventKind uint8

const (
	EventTxDone EventKind = iota
	EventRxDone
)

// Event is a single completion notification from the line-completion
// context. For EventRxDone, IsLast reports whether the receive window
// closed on a timeout (true) or because the buffer filled (false); Symbols
// is the filled span of pulse total-durations, in quarter-microseconds.
type Event struct {
	Kind    EventKind
	IsLast  bool
	Symbols []int
}

// Line is the four-primitive PPM-line interface the codec and line driver
// are built on (§6 of the external interfaces). The concrete host-side
// implementation proxies these calls across the pod link (see hostlink);
// the pod's PIO backend in firmware/rp2040 does not implement it. A
// software-only fake satisfying this interface lives in internal/ppmfake
// for testing everything above this boundary without real timing.
type Line interface {
	ConfigureTx(gpio int, resolutionHz float64, invertOut, openDrainIfShared bool) (TxHandle, error)
	ConfigureRx(gpio int, resolutionHz float64, invertIn bool) (RxHandle, error)

	// Transmit starts transmitting symbols (quarter-us pulse durations),
	// repeated repeatCount times, and returns immediately. Completion is
	// reported on Events() as EventTxDone. Must atomically disarm the
	// receiver for the duration of the transmission.
	Transmit(h TxHandle, symbols []int, repeatCount int) error

	// Receive arms the receiver with the given acceptance window and
	// returns immediately; completion is reported on Events() as
	// EventRxDone.
	Receive(h RxHandle, minPulseNs, maxPulseNs float64) error

	// Events delivers line-completion-context notifications in arrival
	// order. Implementations must never block a send on this channel
	// indefinitely; it is buffered deeply enough for normal operation.
	Events() <-chan Event

	Close() error
}

// driverState mirrors the line driver's state machine: Idle -> Transmitting
// -> Receiving -> Receiving (re-armed), exiting to Idle only at shutdown.
type driverState uint32

const (
	stateIdle driverState = iota
	stateTransmitting
	stateReceiving
)

// defaultSymbolBufferCap is the default symbol buffer capacity recorded by
// NewDriver: 10 bytes * 4 symbols/byte. The Driver keeps no receive buffer
// sized from it.
const defaultSymbolBufferCap = 40

// Driver owns a Line and implements the rest of §4.2: half-duplex
// transmit/receive arbitration, re-arming the Line's receiver after every
// completion, decoding completed receive spans, and feeding the bounded
// receive queue. It holds no receive buffers of its own. It is
// constructed once per program invocation and held by the orchestrator for
// its lifetime, per the "global line state, single owned value" design note.
type Driver struct {
	line Line
	tx   TxHandle
	rx   RxHandle

	state   atomic.Uint32
	decoder Decoder

	queue *FrameQueue
	mu    sync.Mutex // serializes queue access between foreground Dequeue and completion goroutine

	txDone     chan struct{}
	frameReady chan struct{}
	stopOnce   sync.Once
	stop       chan struct{}
	wg         sync.WaitGroup

	symbolBufCap int
	rxMinNs      float64
	rxMaxNs      float64
}

// DriverOption configures optional Driver behavior at construction, in the
// functional-options idiom.
type DriverOption func(*Driver)

// WithSymbolBufferCapacity overrides the recorded symbol buffer capacity
// (in symbols, default 40). The value is stored only: the Driver reads it
// nowhere, and receive span length is left to the Line implementation.
func WithSymbolBufferCapacity(n int) DriverOption {
	return func(d *Driver) {
		if n > 0 {
			d.symbolBufCap = n
		}
	}
}

// NewDriver constructs a Driver over an already-configured Line and starts
// its completion-context dispatch goroutine.
func NewDriver(line Line, tx TxHandle, rx RxHandle, opts ...DriverOption) *Driver {
	d := &Driver{
		line:         line,
		tx:           tx,
		rx:           rx,
		queue:        NewFrameQueue(),
		txDone:       make(chan struct{}, 1),
		frameReady:   make(chan struct{}, 1),
		stop:         make(chan struct{}),
		symbolBufCap: defaultSymbolBufferCap,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.state.Store(uint32(stateIdle))
	d.wg.Add(1)
	go d.dispatch()
	return d
}

// dispatch runs in the line-completion context's consuming goroutine: it
// drains Line.Events(), decodes completed receive spans, and pushes decoded
// frames onto the bounded queue (or drops them, per spec, on overflow). It
// never allocates on a steady-state receive path beyond what Decode needs
// for the variable-length output bytes, mirroring the ISR-context
// constraints as closely as a goroutine-based host runtime can.
func (d *Driver) dispatch() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stop:
			return
		case ev, ok := <-d.line.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case EventTxDone:
				d.state.Store(uint32(stateReceiving))
				// Re-arm the receiver before signaling the foreground, per
				// the "atomic re-arm before returning" requirement.
				_ = d.line.Receive(d.rx, d.rxMinNs, d.rxMaxNs)
				select {
				case d.txDone <- struct{}{}:
				default:
				}
			case EventRxDone:
				d.state.Store(uint32(stateReceiving))
				// Always re-arm with a fresh buffer, whether this
				// completion was a timeout or a full capture.
				_ = d.line.Receive(d.rx, d.rxMinNs, d.rxMaxNs)
				if len(ev.Symbols) == 0 {
					continue
				}
				result, err := d.decoder.Decode(ev.Symbols)
				if err != nil {
					// DecodeFraming/DecodeTiming: silently discarded, per
					// the error-handling design — never surfaced upward.
					continue
				}
				frame := framesFromDecode(result)
				d.mu.Lock()
				d.queue.Enqueue(frame)
				d.mu.Unlock()
				select {
				case d.frameReady <- struct{}{}:
				default:
				}
			}
		}
	}
}

func framesFromDecode(r DecodeResult) Frame {
	words := BytesToWords(r.Bytes)
	switch r.Tag {
	case TagSession:
		var sw [SessionWords]uint16
		copy(sw[:], words)
		return NewSessionFrame(sw)
	case TagPage:
		if len(words) == 0 || len(words)-1 > MaxPageWords {
			return Frame{Tag: TagUnknown}
		}
		header := words[0]
		return NewPageFrame(uint8(header>>8), uint8(header), words[1:])
	default:
		return Frame{Tag: r.Tag}
	}
}

// StartTx encodes and transmits a frame and blocks until the line reports
// transmit completion. It does not itself disarm the receiver; that is
// part of the Line's Transmit contract (half-duplex).
func (d *Driver) StartTx(tag FrameTag, payload []byte, repeat int) error {
	enc := Encoder{}
	symbols, err := enc.EncodeDataFrame(tag, payload)
	if err != nil {
		return err
	}
	d.state.Store(uint32(stateTransmitting))
	if err := d.line.Transmit(d.tx, symbols, repeat); err != nil {
		return ppmerr.Wrap(ppmerr.Internal, err)
	}
	return d.AwaitTxDone()
}

// StartTxRaw transmits an already-encoded symbol sequence directly,
// bypassing the frame encoder. Used for the enter-pattern and calibration
// pulses, which carry no frame payload for the codec to encode.
func (d *Driver) StartTxRaw(symbols []int) error {
	d.state.Store(uint32(stateTransmitting))
	if err := d.line.Transmit(d.tx, symbols, 1); err != nil {
		return ppmerr.Wrap(ppmerr.Internal, err)
	}
	return d.AwaitTxDone()
}

// AwaitTxDone blocks until the line-completion context reports the
// outstanding transmit finished and the receiver has been re-armed.
func (d *Driver) AwaitTxDone() error {
	<-d.txDone
	return nil
}

// ArmRx explicitly (re)arms the receiver with a given acceptance window;
// used when entering programming mode, before the first transmit has
// happened.
func (d *Driver) ArmRx(minNs, maxNs float64) error {
	d.rxMinNs, d.rxMaxNs = minNs, maxNs
	d.state.Store(uint32(stateReceiving))
	return d.line.Receive(d.rx, minNs, maxNs)
}

// ReceiveQueue returns the next decoded frame, if any is queued.
func (d *Driver) ReceiveQueue() (Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Dequeue()
}

// WaitFrame blocks until a frame with the given tag is dequeued or timeout
// elapses. Frames of a different tag encountered while waiting are
// discarded — this protocol never interleaves unrelated exchanges, so a
// mistagged arrival indicates line noise or a stale retry, not a frame the
// caller should hold onto.
func (d *Driver) WaitFrame(tag FrameTag, timeout time.Duration) (Frame, bool) {
	deadline := time.After(timeout)
	for {
		if f, ok := d.ReceiveQueue(); ok {
			if f.Tag == tag {
				return f, true
			}
			continue
		}
		select {
		case <-d.frameReady:
			continue
		case <-deadline:
			return Frame{}, false
		}
	}
}

// DroppedFrames reports the cumulative count of frames dropped due to
// receive-queue overflow.
func (d *Driver) DroppedFrames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Dropped()
}

// Close shuts down the completion-context goroutine and the underlying
// Line. Exit to Idle only happens here, per the state machine design.
func (d *Driver) Close() error {
	d.stopOnce.Do(func() { close(d.stop) })
	d.wg.Wait()
	d.state.Store(uint32(stateIdle))
	return d.line.Close()
}
