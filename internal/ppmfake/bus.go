// Package ppmfake provides a software-only implementation of ppm.Line for
// exercising the session engine and orchestrator without real timing
// hardware or a pod link. It is scriptable: a test arranges a sequence of
// reply frames (or silence) to be delivered in response to transmitted
// frames, mirroring the teacher's SliceInputBuffer/FifoBuffer scriptable
// input shape generalized from byte streams to decoded frames.
package ppmfake

import (
	"sync"

	"ppmboot/ppm"
)

// Reply is one scripted response to a transmitted frame: either a frame to
// deliver back, or silence (Frame is the zero value and Silent is true).
type Reply struct {
	Frame  ppm.Frame
	Silent bool
}

// Bus is a fake ppm.Line. Transmitted frames are recorded in TxLog; replies
// are drained from a pre-loaded queue in order, one per Transmit call of
// any kind, whether or not the transmitted frame requests a reply.
type Bus struct {
	mu      sync.Mutex
	events  chan ppm.Event
	replies []Reply
	txLog   []ppm.Frame

	closed bool
}

// NewBus constructs an empty fake bus. Use Script to preload replies before
// driving it through a Driver.
func NewBus() *Bus {
	return &Bus{events: make(chan ppm.Event, 8)}
}

// Script appends replies to be delivered in order as frames are
// transmitted.
func (b *Bus) Script(replies ...Reply) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replies = append(b.replies, replies...)
}

// TxLog returns the frames transmitted so far, in order.
func (b *Bus) TxLog() []ppm.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ppm.Frame, len(b.txLog))
	copy(out, b.txLog)
	return out
}

func (b *Bus) ConfigureTx(gpio int, resolutionHz float64, invertOut, openDrainIfShared bool) (ppm.TxHandle, error) {
	return ppm.TxHandle(1), nil
}

func (b *Bus) ConfigureRx(gpio int, resolutionHz float64, invertIn bool) (ppm.RxHandle, error) {
	return ppm.RxHandle(1), nil
}

// Transmit decodes the symbols it was given back into a frame purely to
// populate TxLog with something inspectable in tests (the fake never
// round-trips through real pulse timing); it then signals completion and,
// if a scripted reply is queued, delivers it as a subsequent receive
// completion.
func (b *Bus) Transmit(h ppm.TxHandle, symbols []int, repeatCount int) error {
	dec := ppm.Decoder{}
	result, err := dec.Decode(symbols)
	frame := ppm.Frame{Tag: ppm.TagUnknown}
	if err == nil {
		words := ppm.BytesToWords(result.Bytes)
		switch result.Tag {
		case ppm.TagSession:
			var sw [ppm.SessionWords]uint16
			copy(sw[:], words)
			frame = ppm.NewSessionFrame(sw)
		case ppm.TagPage:
			if len(words) > 0 {
				frame = ppm.NewPageFrame(uint8(words[0]>>8), uint8(words[0]), words[1:])
			}
		}
	}

	b.mu.Lock()
	b.txLog = append(b.txLog, frame)
	var reply Reply
	hasReply := false
	if len(b.replies) > 0 {
		reply = b.replies[0]
		b.replies = b.replies[1:]
		hasReply = true
	}
	b.mu.Unlock()

	b.events <- ppm.Event{Kind: ppm.EventTxDone}

	if hasReply && !reply.Silent {
		b.deliver(reply.Frame)
	}
	return nil
}

// Receive is a no-op on the fake bus: replies are pushed directly by
// Transmit rather than through a real arm/capture cycle, since there is no
// real timing to simulate.
func (b *Bus) Receive(h ppm.RxHandle, minPulseNs, maxPulseNs float64) error {
	return nil
}

func (b *Bus) Events() <-chan ppm.Event {
	return b.events
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
	return nil
}

// deliver re-encodes frame through the real codec and feeds it back as an
// EventRxDone, so the Driver's normal decode path is exercised end to end
// rather than bypassed.
func (b *Bus) deliver(frame ppm.Frame) {
	enc := ppm.Encoder{}
	var symbols []int
	switch frame.Tag {
	case ppm.TagSession:
		payload := ppm.WordsToBytes(frame.SessionWordsData[:])
		symbols, _ = enc.EncodeDataFrame(ppm.TagSession, payload)
	case ppm.TagPage:
		words := make([]uint16, 1+len(frame.PageData))
		words[0] = frame.PageHeaderWord()
		copy(words[1:], frame.PageData)
		symbols, _ = enc.EncodeDataFrame(ppm.TagPage, ppm.WordsToBytes(words))
	}
	b.events <- ppm.Event{Kind: ppm.EventRxDone, Symbols: symbols}
}
