// Package simtransport is a synthetic, in-process implementation of
// ffado.Transport. It drives a virtual 8kHz cycle clock and loops back
// every transmitted packet as a received one after a fixed delay, so the
// streaming engine can be exercised and tested without real 1394 hardware.
package simtransport

/*------------------------------------------------------------------
 *
 * Purpose:	A loopback Transport collaborator for tests and the
 *		cmd/ffadosim demo harness.
 *
 * Description:	Modeled on the teacher's src/audio.go soundcard-polling
 *		loop (a goroutine-per-device ticker reading/writing fixed-
 *		size blocks), adapted here to the isochronous-cycle timing
 *		domain instead of an audio device's sample clock.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"sync"
	"time"

	ffado "github.com/ffadogo/streaming/src"
)

// cycleDuration is the real-world wall-clock period of one 1394 isochronous
// cycle (125 microseconds, i.e. 8000 cycles/second).
const cycleDuration = time.Second / ffado.CyclesPerSecond

// loopbackDelayCycles is how many cycles after transmission a Transport
// hands a packet back to its registered Receiver, simulating a physical
// round trip.
const loopbackDelayCycles = 4

type pendingPacket struct {
	deliverAtCycle uint64
	payload        []byte
}

// Transport is a synthetic, single-process 1394 transport. It advances a
// virtual cycle counter on a ticker, invokes every registered Transmitter
// once per cycle, and loops the resulting payload back to the matching
// Receiver after loopbackDelayCycles.
type Transport struct {
	mu          sync.Mutex
	cycleCount  uint64
	startedAt   time.Time
	receivers   map[int]ffado.Receiver
	transmitters map[int]ffado.Transmitter
	pending     map[int][]pendingPacket

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs an idle simulated Transport.
func New() *Transport {
	return &Transport{
		receivers:    make(map[int]ffado.Receiver),
		transmitters: make(map[int]ffado.Transmitter),
		pending:      make(map[int][]pendingPacket),
	}
}

// CurrentCycle returns the virtual cycle-timer reading derived from the
// number of ticker cycles counted since Start.
func (t *Transport) CurrentCycle(ctx context.Context) (ffado.CycleTimer, error) {
	t.mu.Lock()
	var count = t.cycleCount
	t.mu.Unlock()

	return cycleTimerFromCount(count), nil
}

func cycleTimerFromCount(count uint64) ffado.CycleTimer {
	var totalCycles = count % uint64(ffado.SecondsWrap*ffado.CyclesPerSecond)

	return ffado.CycleTimer{
		Seconds: uint32(totalCycles / ffado.CyclesPerSecond),
		Cycles:  uint32(totalCycles % ffado.CyclesPerSecond),
		Offset:  0,
	}
}

// RegisterReceiver wires r to receive looped-back packets transmitted on
// channel.
func (t *Transport) RegisterReceiver(channel int, r ffado.Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.receivers[channel] = r

	return nil
}

// RegisterTransmitter wires tx to be polled for a packet once per cycle on
// channel.
func (t *Transport) RegisterTransmitter(channel int, tx ffado.Transmitter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.transmitters[channel] = tx

	return nil
}

// Start begins the cycle ticker goroutine.
func (t *Transport) Start(ctx context.Context) error {
	var runCtx, cancel = context.WithCancel(ctx)

	t.mu.Lock()
	t.cancel = cancel
	t.startedAt = time.Now()
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.run(runCtx)

	return nil
}

// Stop cancels the ticker goroutine and waits for its current cycle to
// finish, per spec.md section 5's "let the in-flight packet complete"
// cancellation contract.
func (t *Transport) Stop() error {
	t.mu.Lock()
	var cancel = t.cancel
	var done = t.done
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()

	if done != nil {
		<-done
	}

	return nil
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)

	var ticker = time.NewTicker(cycleDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.tick(now)
		}
	}
}

func (t *Transport) tick(now time.Time) {
	t.mu.Lock()
	t.cycleCount++
	var count = t.cycleCount
	var cycle = cycleTimerFromCount(count)

	var transmitters = make(map[int]ffado.Transmitter, len(t.transmitters))
	for ch, tx := range t.transmitters {
		transmitters[ch] = tx
	}
	t.mu.Unlock()

	for channel, tx := range transmitters {
		var payload, err = tx.FillPacket(ffado.TransmitRequest{Cycle: cycle})
		if err != nil || payload == nil {
			continue
		}

		t.mu.Lock()
		t.pending[channel] = append(t.pending[channel], pendingPacket{
			deliverAtCycle: count + loopbackDelayCycles,
			payload:        payload,
		})
		t.mu.Unlock()
	}

	t.deliverDue(count, cycle, now)
}

func (t *Transport) deliverDue(count uint64, cycle ffado.CycleTimer, now time.Time) {
	t.mu.Lock()
	var arrivalTicks = cycle.ToTicks()

	var due = make(map[int][]pendingPacket)

	for channel, queue := range t.pending {
		var remaining = queue[:0]

		for _, pkt := range queue {
			if pkt.deliverAtCycle <= count {
				due[channel] = append(due[channel], pkt)
			} else {
				remaining = append(remaining, pkt)
			}
		}

		t.pending[channel] = remaining
	}

	var receivers = make(map[int]ffado.Receiver, len(t.receivers))
	for ch, r := range t.receivers {
		receivers[ch] = r
	}
	t.mu.Unlock()

	for channel, pkts := range due {
		var r, ok = receivers[channel]
		if !ok {
			continue
		}

		for _, pkt := range pkts {
			_ = r.HandlePacket(ffado.ReceivedPacket{
				Payload:      pkt.payload,
				ArrivalTicks: arrivalTicks,
				ArrivalCycle: cycle,
			})
		}
	}
}
