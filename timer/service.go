// Package timer implements the three logical timers the dispatcher relies
// on (spec §4.6): STATS and IPADDR are periodic, REXMIT is a one-shot
// deadline rearmed on every outbound DATA frame. Each timer is backed by a
// goroutine and a single-writer/single-reader atomic flag (spec §5); firing
// also nudges a shared wake channel so the dispatcher's select loop notices
// the flag without polling.
package timer

import (
	"sync/atomic"
	"time"
)

// Periods (spec §3).
const (
	StatsPeriod  = 15 * time.Second
	RexmitDelay  = 100 * time.Millisecond
	IPAddrPeriod = 20 * time.Second
)

// Service owns the three timers and exposes single-writer/single-reader
// atomic flags the dispatcher drains on every wakeup.
type Service struct {
	wake chan struct{}

	statsFlag  atomic.Bool
	ipaddrFlag atomic.Bool
	rexmitFlag atomic.Bool

	rexmitTimer *time.Timer
	stopStats   chan struct{}
	stopIPAddr  chan struct{}
}

// NewService starts the STATS and IPADDR periodic timers immediately
// (spec §3: "STATS and IPADDR are armed permanently"). wake is a
// (possibly shared) channel the dispatcher selects on; sends are
// non-blocking so a slow dispatcher never stalls a timer goroutine.
func NewService(wake chan struct{}) *Service {
	s := &Service{
		wake:       wake,
		stopStats:  make(chan struct{}),
		stopIPAddr: make(chan struct{}),
	}
	s.rexmitTimer = time.NewTimer(time.Hour)
	if !s.rexmitTimer.Stop() {
		<-s.rexmitTimer.C
	}

	go s.periodic(StatsPeriod, &s.statsFlag, s.stopStats)
	go s.periodic(IPAddrPeriod, &s.ipaddrFlag, s.stopIPAddr)
	go s.rexmitLoop()

	return s
}

func (s *Service) periodic(period time.Duration, flag *atomic.Bool, stop chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			flag.Store(true)
			s.nudge()
		case <-stop:
			return
		}
	}
}

func (s *Service) rexmitLoop() {
	for range s.rexmitTimer.C {
		s.rexmitFlag.Store(true)
		s.nudge()
	}
}

func (s *Service) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ArmRexmit (re)arms the one-shot REXMIT deadline, replacing any prior
// arming (spec §4.4: "arm REXMIT to fire in 100 ms, replacing any prior
// arming"). It implements protocol.RexmitTimer.
//
// ArmRexmit/Cancel drain rexmitTimer.C from the dispatcher goroutine while
// rexmitLoop ranges over the same channel; both sides only ever reset the
// flag/channel, never block on it, so a race just means a wakeup is
// occasionally seen a tick late rather than lost or duplicated.
func (s *Service) ArmRexmit() {
	if !s.rexmitTimer.Stop() {
		select {
		case <-s.rexmitTimer.C:
		default:
		}
	}
	s.rexmitTimer.Reset(RexmitDelay)
}

// Cancel clears a pending REXMIT deadline (spec §4.4: "an ACK cancels it").
// It implements protocol.RexmitTimer.
func (s *Service) Cancel() {
	if !s.rexmitTimer.Stop() {
		select {
		case <-s.rexmitTimer.C:
		default:
		}
	}
}

// Arm is an alias for ArmRexmit matching the protocol.RexmitTimer interface.
func (s *Service) Arm() { s.ArmRexmit() }

// TakeStats reports and clears the STATS tick flag.
func (s *Service) TakeStats() bool { return s.statsFlag.Swap(false) }

// TakeIPAddr reports and clears the IPADDR tick flag.
func (s *Service) TakeIPAddr() bool { return s.ipaddrFlag.Swap(false) }

// TakeRexmit reports and clears the REXMIT tick flag.
func (s *Service) TakeRexmit() bool { return s.rexmitFlag.Swap(false) }

// Stop terminates the periodic timer goroutines. The REXMIT timer's
// goroutine is not stopped: it stays blocked on the timer channel, which is
// never closed. Dispatcher shutdown happens via process exit in practice.
func (s *Service) Stop() {
	close(s.stopStats)
	close(s.stopIPAddr)
}
