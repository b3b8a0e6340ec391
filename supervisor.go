package main

import (
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	healthTickInterval = 30 * time.Second
	immediateCrashMax  = 5 * time.Second
	maxRestarts        = 3
)

// Supervisor owns every backend handle. It is the only component that
// spawns or kills processes.
type Supervisor struct {
	requestTimeout time.Duration
	startTime      time.Time

	mu       sync.Mutex
	backends map[string]*backendProcess
	configs  map[string]BackendConfig
	restarts map[string]int
	disabled map[string]string // name -> reason (immediate_crash | restart_exhausted)
	// crashed records uptimes of handles removed by route() after an I/O
	// failure, so the next health tick can classify them.
	crashed map[string]time.Duration

	// onDisabled, when set, is invoked (outside the lock) after a backend is
	// permanently removed.
	onDisabled func(name, reason string)
}

func NewSupervisor(requestTimeout time.Duration) *Supervisor {
	return &Supervisor{
		requestTimeout: requestTimeout,
		startTime:      time.Now(),
		backends:       make(map[string]*backendProcess),
		configs:        make(map[string]BackendConfig),
		restarts:       make(map[string]int),
		disabled:       make(map[string]string),
		crashed:        make(map[string]time.Duration),
	}
}

// StartAll starts every configured backend in parallel. A backend that fails
// to start is logged and dropped; it does not prevent the others.
func (s *Supervisor) StartAll(configs map[string]BackendConfig) {
	var eg errgroup.Group
	for name, config := range configs {
		s.mu.Lock()
		s.configs[name] = config
		s.mu.Unlock()

		nameCopy := name
		configCopy := config
		eg.Go(func() error {
			p, err := startBackend(nameCopy, configCopy)
			if err != nil {
				log.Printf("<%s> failed to start: %v", nameCopy, err)
				s.disable(nameCopy, kindImmediateCrash)
				return nil
			}
			s.mu.Lock()
			s.backends[nameCopy] = p
			s.mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()
}

// Has reports whether name routes to a live backend.
func (s *Supervisor) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.backends[name]
	return ok
}

// Names returns the live backend names, sorted.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.backends))
	for name := range s.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backends)
}

func (s *Supervisor) Uptime() time.Duration {
	return time.Since(s.startTime)
}

func (s *Supervisor) lookup(name string) (*backendProcess, *routeError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.backends[name]
	if !ok {
		return nil, errServerNotFound(name)
	}
	return p, nil
}

// Route writes frame to the named backend and returns its one-line reply.
// An I/O failure removes the handle; the next health tick classifies it.
func (s *Supervisor) Route(name string, frame []byte) ([]byte, error) {
	p, rerr := s.lookup(name)
	if rerr != nil {
		return nil, rerr
	}
	reply, err := p.exchange(frame, s.requestTimeout)
	if err != nil {
		if re := asRouteError(err); re.Kind == kindServerCrash {
			s.removeCrashed(name, p)
		}
		return nil, err
	}
	return reply, nil
}

// Notify writes frame to the named backend without awaiting a reply.
func (s *Supervisor) Notify(name string, frame []byte) error {
	p, rerr := s.lookup(name)
	if rerr != nil {
		return rerr
	}
	if err := p.notify(frame); err != nil {
		s.removeCrashed(name, p)
		return err
	}
	return nil
}

func (s *Supervisor) removeCrashed(name string, p *backendProcess) {
	s.mu.Lock()
	if current, ok := s.backends[name]; ok && current == p {
		delete(s.backends, name)
		s.crashed[name] = p.uptime()
	}
	s.mu.Unlock()
	p.stop()
}

func (s *Supervisor) disable(name, reason string) {
	s.mu.Lock()
	s.disabled[name] = reason
	delete(s.backends, name)
	delete(s.crashed, name)
	s.mu.Unlock()
	if s.onDisabled != nil {
		s.onDisabled(name, reason)
	}
}

// HealthTick classifies exited backends, respawns eligible ones, and resets
// restart counters for healthy ones. Runs every 30 seconds.
func (s *Supervisor) HealthTick() {
	type exit struct {
		name   string
		uptime time.Duration
	}
	var exits []exit

	s.mu.Lock()
	for name, p := range s.backends {
		if _, done := p.tryExitStatus(); done {
			delete(s.backends, name)
			exits = append(exits, exit{name: name, uptime: p.uptime()})
			continue
		}
		s.restarts[name] = 0
	}
	for name, uptime := range s.crashed {
		delete(s.crashed, name)
		exits = append(exits, exit{name: name, uptime: uptime})
	}
	s.mu.Unlock()

	for _, e := range exits {
		s.classifyExit(e.name, e.uptime)
	}
	setBackendsUp(s.Count())
}

func (s *Supervisor) classifyExit(name string, uptime time.Duration) {
	if uptime < immediateCrashMax {
		log.Printf("<%s> crashed immediately (%.1fs uptime), likely a configuration error; not retrying", name, uptime.Seconds())
		recordError(kindImmediateCrash, name)
		s.disable(name, kindImmediateCrash)
		return
	}

	s.mu.Lock()
	s.restarts[name]++
	count := s.restarts[name]
	config, ok := s.configs[name]
	s.mu.Unlock()
	if !ok {
		return
	}

	if count > maxRestarts {
		log.Printf("<%s> crashed %d times, giving up", name, count)
		recordError(kindRestartExhausted, name)
		s.disable(name, kindRestartExhausted)
		return
	}

	log.Printf("<%s> exited after %.1fs, restarting (attempt %d/%d)", name, uptime.Seconds(), count, maxRestarts)
	p, err := startBackend(name, config)
	if err != nil {
		log.Printf("<%s> failed to restart: %v", name, err)
		recordError(kindImmediateCrash, name)
		s.disable(name, kindImmediateCrash)
		return
	}
	s.mu.Lock()
	s.backends[name] = p
	s.mu.Unlock()
	log.Printf("<%s> restarted", name)
}

// StopAll terminates every backend: SIGTERM, short grace, then SIGKILL.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make([]*backendProcess, 0, len(s.backends))
	for name, p := range s.backends {
		procs = append(procs, p)
		delete(s.backends, name)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p *backendProcess) {
			defer wg.Done()
			log.Printf("<%s> stopping", p.name)
			p.stop()
		}(p)
	}
	wg.Wait()
}
