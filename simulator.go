package main

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// RandomSource yields uniform draws in [0, 1).
type RandomSource interface {
	Float64() float64
}

type SyncPhase string

const (
	SyncStarted   SyncPhase = "started"
	SyncCompleted SyncPhase = "completed"
)

type SyncEvent struct {
	Phase     SyncPhase `json:"phase"`
	Restarted bool      `json:"restarted,omitempty"`
	At        time.Time `json:"at"`
}

type SimulatorOptions struct {
	Clock           clockwork.Clock
	Rand            RandomSource
	Seed            *DeviceMetrics
	SeedMinutes     int
	MinTickInterval time.Duration
	MaxTickInterval time.Duration
	MinuteInterval  time.Duration
	SyncDuration    time.Duration
	Logger          *zap.SugaredLogger
}

func (o *SimulatorOptions) setDefaults() {
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Rand == nil {
		o.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed))
	}
	if o.MinTickInterval <= 0 {
		o.MinTickInterval = 2 * time.Second
	}
	if o.MaxTickInterval < o.MinTickInterval {
		o.MaxTickInterval = o.MinTickInterval + 2*time.Second
	}
	if o.MinuteInterval <= 0 {
		o.MinuteInterval = time.Minute
	}
	if o.SyncDuration <= 0 {
		o.SyncDuration = 3 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
}

// Simulator owns the simulated device record. Every mutation runs under mu;
// readers go through the atomically swapped snapshot and never block.
type Simulator struct {
	opts  SimulatorOptions
	clock clockwork.Clock
	rng   RandomSource
	log   *zap.SugaredLogger

	mu            sync.Mutex
	current       DeviceMetrics
	listeners     []func(DeviceMetrics)
	syncListeners []func(SyncEvent)
	syncTimer     clockwork.Timer
	syncGen       uint64
	started       bool
	stopped       bool
	stopCh        chan struct{}
	wg            sync.WaitGroup

	snapshot atomic.Pointer[DeviceMetrics]
}

func newSimulator(opts SimulatorOptions) *Simulator {
	opts.setDefaults()

	seed := defaultSeedMetrics()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	seed.LastSyncMinutes = max(opts.SeedMinutes, 0)
	seed.LastSyncLabel = lastSyncLabel(seed.LastSyncMinutes)
	seed.SyncLevel = clampFloat(seed.SyncLevel, minSyncLevel, maxSyncLevel)
	seed.NetworkStrengthDbm = clampInt(seed.NetworkStrengthDbm, minNetworkDbm, maxNetworkDbm)
	seed.UpdatedAt = opts.Clock.Now()

	s := &Simulator{
		opts:    opts,
		clock:   opts.Clock,
		rng:     opts.Rand,
		log:     opts.Logger,
		current: seed,
		stopCh:  make(chan struct{}),
	}
	cp := seed
	s.snapshot.Store(&cp)
	return s
}

// Subscribe registers fn for every published snapshot. Listeners run under
// the mutation lock in publish order and must not call back into s, except
// for Snapshot.
func (s *Simulator) Subscribe(fn func(DeviceMetrics)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Simulator) SubscribeSync(fn func(SyncEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncListeners = append(s.syncListeners, fn)
}

func (s *Simulator) Snapshot() DeviceMetrics {
	return *s.snapshot.Load()
}

func (s *Simulator) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	tickTimer := s.clock.NewTimer(s.nextTickIntervalLocked())
	minuteTicker := s.clock.NewTicker(s.opts.MinuteInterval)

	s.wg.Add(1)
	go s.run(tickTimer, minuteTicker)

	s.log.Infow("simulator started",
		"tick_interval_min", s.opts.MinTickInterval,
		"tick_interval_max", s.opts.MaxTickInterval,
		"minute_interval", s.opts.MinuteInterval)
}

// Stop cancels the periodic processes and any pending sync completion. Once
// it returns no further snapshot is published.
func (s *Simulator) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		s.syncTimer = nil
	}
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("simulator stopped")
}

func (s *Simulator) run(tickTimer clockwork.Timer, minuteTicker clockwork.Ticker) {
	defer s.wg.Done()
	defer tickTimer.Stop()
	defer minuteTicker.Stop()

	for {
		select {
		case <-tickTimer.Chan():
			s.tick()
			tickTimer.Reset(s.nextTickInterval())
		case <-minuteTicker.Chan():
			s.minuteTick()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Simulator) nextTickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextTickIntervalLocked()
}

func (s *Simulator) nextTickIntervalLocked() time.Duration {
	spread := s.opts.MaxTickInterval - s.opts.MinTickInterval
	return s.opts.MinTickInterval + time.Duration(s.rng.Float64()*float64(spread))
}

// tick performs one mutation pass. Draw order is fixed so a seeded source
// reproduces the same sequence.
func (s *Simulator) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	next := s.current

	level := next.SyncLevel + (s.rng.Float64()-0.5)*2*maxLevelStep
	next.SyncLevel = roundTo(clampFloat(level, minSyncLevel, maxSyncLevel), 1)

	speed := roundTo(minSyncSpeed+s.rng.Float64()*syncSpeedRange, 1)
	next.SyncSpeedMBps = speed
	next.SyncSpeedLabel = syncSpeedLabel(speed)

	next.Syncing = s.rng.Float64() > syncingThreshold
	next.Online = s.rng.Float64() > offlineThreshold

	strength := float64(next.NetworkStrengthDbm) + (s.rng.Float64()-0.5)*2*maxNetworkStep
	next.NetworkStrengthDbm = int(roundTo(clampFloat(strength, minNetworkDbm, maxNetworkDbm), 0))

	next.HealthMessage = pickHealth(s.rng.Float64())

	s.publishLocked(next)
}

func (s *Simulator) minuteTick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	next := s.current
	next.LastSyncMinutes++
	next.LastSyncLabel = lastSyncLabel(next.LastSyncMinutes)
	s.publishLocked(next)
}

// RequestSync marks the device as syncing and schedules the completion. A
// request made while a window is pending replaces that window.
func (s *Simulator) RequestSync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	restarted := false
	if s.syncTimer != nil {
		s.syncTimer.Stop()
		restarted = true
	}
	s.syncGen++
	gen := s.syncGen

	// The window is armed before any subscriber can observe syncing=true.
	s.syncTimer = s.clock.AfterFunc(s.opts.SyncDuration, func() {
		s.completeSync(gen)
	})

	next := s.current
	next.Syncing = true
	s.publishLocked(next)

	s.log.Debugw("sync requested", "generation", gen, "restarted", restarted)
	s.emitSyncLocked(SyncEvent{Phase: SyncStarted, Restarted: restarted, At: s.clock.Now()})
}

func (s *Simulator) completeSync(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A superseded completion may already be waiting on the lock.
	if s.stopped || gen != s.syncGen {
		return
	}
	s.syncTimer = nil

	next := s.current
	next.Syncing = false
	next.LastSyncMinutes = 0
	next.LastSyncLabel = lastSyncLabel(0)
	s.publishLocked(next)

	s.log.Debugw("sync completed", "generation", gen)
	s.emitSyncLocked(SyncEvent{Phase: SyncCompleted, At: s.clock.Now()})
}

func (s *Simulator) publishLocked(next DeviceMetrics) {
	next.UpdatedAt = s.clock.Now()
	s.current = next

	cp := next
	s.snapshot.Store(&cp)

	for _, fn := range s.listeners {
		fn(next)
	}
}

func (s *Simulator) emitSyncLocked(ev SyncEvent) {
	for _, fn := range s.syncListeners {
		fn(ev)
	}
}
