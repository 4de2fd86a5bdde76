package ffado

/*------------------------------------------------------------------
 *
 * Purpose:	Synchronizes several StreamProcessors to a common
 *		timebase and delivers period-aligned data to the client.
 *
 * Description:	Ported from freebobstreaming/freebob_streaming.c's
 *		multi-SP alignment loop, with the cross-thread wakeup
 *		reimplemented as a buffered Go channel the way the
 *		teacher's src/dlq.go replaces a POSIX condition variable
 *		with dlq_wake_up_chan.
 *
 *---------------------------------------------------------------*/

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ffadogo/streaming/internal/dwlog"
)

// ManagerState is the StreamProcessorManager's lifecycle state, spec.md
// section 4.5.
type ManagerState int

const (
	ManagerStopped ManagerState = iota
	ManagerAligning
	ManagerRunning
	ManagerXrunRecovery
)

func (s ManagerState) String() string {
	switch s {
	case ManagerStopped:
		return "stopped"
	case ManagerAligning:
		return "aligning"
	case ManagerRunning:
		return "running"
	case ManagerXrunRecovery:
		return "xrun-recovery"
	default:
		return "unknown"
	}
}

// StreamProcessorManager is the sync core tying every registered
// StreamProcessor to a common sample-accurate timeline.
type StreamProcessorManager struct {
	log *dwlog.Logger

	mu         sync.Mutex
	sps        []*StreamProcessor
	syncMaster *StreamProcessor
	periodSize int
	state      ManagerState
	lastStart  CycleTimer

	// periodCh is posted at every period boundary; xrunCh is posted once
	// per xrun-triggered recovery. Separate channels so a client lagging
	// on period boundaries can never cause an xrun signal to be coalesced
	// away - spec.md section 7 requires exactly one ErrXrun per recovery.
	periodCh chan struct{}
	xrunCh   chan struct{}

	lastBoundaryAt uint64 // sync master's FramesDelivered() at last fired boundary
}

// NewStreamProcessorManager constructs a Manager for the given client
// period size (frames).
func NewStreamProcessorManager(periodSize int, log *dwlog.Logger) *StreamProcessorManager {
	if log == nil {
		log = dwlog.Discard()
	}

	return &StreamProcessorManager{
		log:        log,
		periodSize: periodSize,
		periodCh:   make(chan struct{}, 4),
		xrunCh:     make(chan struct{}, 1),
	}
}

// AddStreamProcessor registers sp with the Manager. isSyncSource marks it as
// eligible to be chosen sync master ahead of the default election order.
func (m *StreamProcessorManager) AddStreamProcessor(sp *StreamProcessor, isSyncSource bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sp.cfg.IsSyncSource = isSyncSource
	sp.xruns = m
	sp.manager = m
	m.sps = append(m.sps, sp)
}

// electSyncMaster implements spec.md section 4.5's election order: a
// designated clock-mastering receive SP, else the first receive SP, else a
// designated transmit SP.
func (m *StreamProcessorManager) electSyncMaster() error {
	for _, sp := range m.sps {
		if sp.cfg.IsSyncSource && sp.cfg.Direction == DirectionCapture {
			m.syncMaster = sp

			return nil
		}
	}

	for _, sp := range m.sps {
		if sp.cfg.Direction == DirectionCapture {
			m.syncMaster = sp

			return nil
		}
	}

	for _, sp := range m.sps {
		if sp.cfg.IsSyncSource {
			m.syncMaster = sp

			return nil
		}
	}

	if len(m.sps) > 0 {
		m.syncMaster = m.sps[0]

		return nil
	}

	return fmt.Errorf("%w: no StreamProcessors registered", ErrConfig)
}

// Start begins the session: it starts every slave SP, then the sync master,
// both at cycle c, and transitions the Manager to Aligning. Alignment itself
// completes asynchronously as packets arrive; call AwaitAlignment to block
// until it has.
func (m *StreamProcessorManager) Start(c CycleTimer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.electSyncMaster(); err != nil {
		return err
	}

	for _, sp := range m.sps {
		if sp == m.syncMaster {
			continue
		}

		if err := sp.Start(c); err != nil {
			return err
		}
	}

	if err := m.syncMaster.Start(c); err != nil {
		return err
	}

	m.lastStart = c
	m.state = ManagerAligning
	m.lastBoundaryAt = 0

	return nil
}

// AwaitAlignment blocks until the sync master reaches its first full period
// and every slave's head timestamp has been aligned to it, per spec.md
// section 4.5's start-up alignment steps (3) and (4).
func (m *StreamProcessorManager) AwaitAlignment(ctx context.Context) error {
	for {
		m.mu.Lock()
		var state = m.state
		m.mu.Unlock()

		if state == ManagerRunning {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}

		m.tryAlign()
	}
}

// tryAlign checks whether the sync master has accumulated one full period
// and, if so, aligns every slave's TimestampedBuffer head timestamp to the
// master's and promotes every SP to Running.
func (m *StreamProcessorManager) tryAlign() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ManagerAligning {
		return
	}

	if m.syncMaster.State() != SPDryRunning && m.syncMaster.State() != SPRunning {
		return
	}

	var masterFill = m.masterProgressLocked()
	if masterFill < m.periodSize {
		return
	}

	var masterHeadTS, _ = m.syncMaster.Buffer.BufferHeadTimestamp()

	for _, sp := range m.sps {
		if sp == m.syncMaster {
			continue
		}

		if sp.State() != SPDryRunning && sp.State() != SPRunning {
			continue
		}

		sp.Buffer.SetHeadTimestamp(masterHeadTS)
		sp.confirmRunning()
	}

	m.syncMaster.confirmRunning()

	m.state = ManagerRunning
	m.lastBoundaryAt = m.syncMaster.framesDelivered.Load()

	m.log.Infof("alignment complete, all %d stream processors running", len(m.sps))
}

// masterProgressLocked returns how many frames of "time" the sync master
// has advanced, independent of direction. Caller must hold m.mu.
func (m *StreamProcessorManager) masterProgressLocked() int {
	return int(m.syncMaster.framesDelivered.Load())
}

// notifyFrameArrival is called by every registered StreamProcessor after
// each successful buffer write/drain. Only the sync master's progress is
// used to fire period boundaries.
func (m *StreamProcessorManager) notifyFrameArrival(sp *StreamProcessor) {
	m.mu.Lock()

	if m.state == ManagerAligning {
		m.mu.Unlock()
		m.tryAlign()

		return
	}

	if m.state != ManagerRunning || sp != m.syncMaster {
		m.mu.Unlock()

		return
	}

	var progress = m.masterProgressLocked()
	var fired = false

	for progress-int(m.lastBoundaryAt) >= m.periodSize {
		m.lastBoundaryAt += uint64(m.periodSize)
		fired = true
	}

	m.mu.Unlock()

	if fired {
		select {
		case m.periodCh <- struct{}{}:
		default:
			m.log.Warnf("period boundary dropped, client is not keeping up")
		}
	}
}

// notifyXrun implements xrunNotifier: spec.md section 4.5's Xrun-Recovery.
func (m *StreamProcessorManager) notifyXrun(sp *StreamProcessor, err error) {
	m.mu.Lock()

	if m.state == ManagerStopped {
		m.mu.Unlock()

		return
	}

	m.log.Errorf("xrun on channel %d (%v), entering recovery", sp.cfg.Channel, err)
	m.state = ManagerXrunRecovery

	var restartCycle = m.lastStart
	m.mu.Unlock()

	for _, s := range m.sps {
		s.Stop()
	}

	for _, s := range m.sps {
		if resetErr := s.Buffer.Reset(); resetErr != nil {
			m.log.Errorf("failed to reset buffer on channel %d during xrun recovery: %v", s.cfg.Channel, resetErr)
		}
	}

	select {
	case m.xrunCh <- struct{}{}:
	default:
		// Already one unconsumed xrun signal pending; recovery already
		// implies "re-align from scratch", so coalescing here (unlike on
		// periodCh) loses no information the client needs.
	}

	if restartErr := m.Start(restartCycle); restartErr != nil {
		m.log.Errorf("failed to restart after xrun: %v", restartErr)
	}
}

// WaitForPeriod blocks until a period boundary, returning the number of
// frames (the configured period size) or ErrXrun exactly once per recovery.
// xrunCh is checked first so a pending xrun is never starved by a backlog
// of period-boundary signals.
func (m *StreamProcessorManager) WaitForPeriod(ctx context.Context) (int, error) {
	select {
	case <-m.xrunCh:
		return -1, ErrXrun
	default:
	}

	select {
	case <-m.xrunCh:
		return -1, ErrXrun
	case <-m.periodCh:
		return m.periodSize, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// TransferDirection selects which half of the session Transfer moves data
// for.
type TransferDirection int

const (
	TransferCapture TransferDirection = iota
	TransferPlayback
)

// Transfer moves one period of data between every registered
// StreamProcessor's TimestampedBuffer and its Ports' external buffers, via
// the AM824 codec.
func (m *StreamProcessorManager) Transfer(direction TransferDirection) error {
	m.mu.Lock()
	var sps = append([]*StreamProcessor(nil), m.sps...)
	var periodSize = m.periodSize
	m.mu.Unlock()

	for _, sp := range sps {
		switch direction {
		case TransferCapture:
			if sp.cfg.Direction != DirectionCapture {
				continue
			}

			if err := sp.TransferIn(periodSize); err != nil {
				return err
			}
		case TransferPlayback:
			if sp.cfg.Direction != DirectionPlayback {
				continue
			}

			var ts = sp.Buffer.TimestampFromTail(-periodSize)
			if err := sp.TransferOut(periodSize, ts); err != nil {
				return err
			}
		}
	}

	return nil
}

// Read copies n frames from a capture Port's int24 audio buffer into buf.
func (m *StreamProcessorManager) Read(p *Port, buf []int32, n int) error {
	if p.Kind != PortAudioInt24 || p.Direction != DirectionCapture {
		return fmt.Errorf("%w: Read requires a capture int24 audio port", ErrConfig)
	}

	if len(buf) < n || len(p.audioInt24) < n {
		return fmt.Errorf("%w: buffer too short", ErrConfig)
	}

	copy(buf[:n], p.audioInt24[:n])

	return nil
}

// Write copies n frames from buf into a playback Port's int24 audio buffer.
func (m *StreamProcessorManager) Write(p *Port, buf []int32, n int) error {
	if p.Kind != PortAudioInt24 || p.Direction != DirectionPlayback {
		return fmt.Errorf("%w: Write requires a playback int24 audio port", ErrConfig)
	}

	if len(buf) < n || len(p.audioInt24) < n {
		return fmt.Errorf("%w: buffer too short", ErrConfig)
	}

	copy(p.audioInt24[:n], buf[:n])

	return nil
}

// Stop halts every registered StreamProcessor and returns the Manager to
// Stopped.
func (m *StreamProcessorManager) Stop() {
	m.mu.Lock()
	m.state = ManagerStopped
	var sps = append([]*StreamProcessor(nil), m.sps...)
	m.mu.Unlock()

	for _, sp := range sps {
		sp.Stop()
	}
}

// State returns the Manager's current lifecycle state.
func (m *StreamProcessorManager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}
