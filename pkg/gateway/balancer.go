package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

// Strategy selects how a backend pool spreads traffic.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastConn  Strategy = "least_conn"
	StrategyWeighted   Strategy = "weighted"
)

// BackendConfig declares one upstream instance.
type BackendConfig struct {
	URL string `yaml:"url"`
	// Weight matters only for the weighted strategy; zero means 1.
	Weight int `yaml:"weight"`
}

// ServiceConfig declares a backend pool.
type ServiceConfig struct {
	Strategy Strategy `yaml:"strategy"`
	// HealthPath, when set, is probed on every check sweep. Pools
	// without it are assumed healthy.
	HealthPath string          `yaml:"health_path"`
	Backends   []BackendConfig `yaml:"backends"`
}

// BalancerConfig tunes the shared health checker.
type BalancerConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	CheckTimeout  time.Duration `yaml:"check_timeout"`
	// FailThreshold consecutive probe failures eject an instance.
	FailThreshold int `yaml:"fail_threshold"`
}

// DefaultBalancerConfig returns the production checker settings.
func DefaultBalancerConfig() BalancerConfig {
	return BalancerConfig{
		CheckInterval: 10 * time.Second,
		CheckTimeout:  2 * time.Second,
		FailThreshold: 3,
	}
}

// Backend is one upstream instance inside a pool.
type Backend struct {
	url    string
	weight int

	healthy  atomic.Bool
	inflight atomic.Int64

	// fails is touched only by the checker goroutine.
	fails int
	// current is the smooth weighted round-robin counter, guarded by
	// the pool mutex.
	current int
}

// URL returns the backend base URL.
func (b *Backend) URL() string { return b.url }

// Release returns the in-flight slot taken by Pick.
func (b *Backend) Release() { b.inflight.Add(-1) }

type pool struct {
	mu         sync.Mutex
	strategy   Strategy
	healthPath string
	backends   []*Backend
	next       int
}

func (p *pool) pick() (*Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	alive := make([]*Backend, 0, len(p.backends))
	for _, b := range p.backends {
		if b.healthy.Load() {
			alive = append(alive, b)
		}
	}
	if len(alive) == 0 {
		return nil, ErrNoBackends
	}

	var chosen *Backend
	switch p.strategy {
	case StrategyLeastConn:
		chosen = alive[0]
		for _, b := range alive[1:] {
			if b.inflight.Load() < chosen.inflight.Load() {
				chosen = b
			}
		}
	case StrategyWeighted:
		total := 0
		for _, b := range alive {
			b.current += b.weight
			total += b.weight
			if chosen == nil || b.current > chosen.current {
				chosen = b
			}
		}
		chosen.current -= total
	default:
		chosen = alive[p.next%len(alive)]
		p.next++
	}

	chosen.inflight.Add(1)
	return chosen, nil
}

// Balancer spreads requests over each service's healthy instances and
// runs the periodic health sweep that ejects and readmits them.
type Balancer struct {
	cfg    BalancerConfig
	http   *resty.Client
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*pool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewBalancer creates an empty balancer.
func NewBalancer(cfg BalancerConfig) *Balancer {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}
	if cfg.FailThreshold <= 0 {
		cfg.FailThreshold = 3
	}
	return &Balancer{
		cfg:      cfg,
		http:     resty.New().SetTimeout(cfg.CheckTimeout),
		logger:   slog.Default().With("component", "gateway.balancer"),
		services: make(map[string]*pool),
		stopCh:   make(chan struct{}),
	}
}

// Register adds or replaces a service pool. All instances start healthy.
func (b *Balancer) Register(service string, cfg ServiceConfig) error {
	if len(cfg.Backends) == 0 {
		return fmt.Errorf("service %s: at least one backend required", service)
	}
	switch cfg.Strategy {
	case "", StrategyRoundRobin, StrategyLeastConn, StrategyWeighted:
	default:
		return fmt.Errorf("service %s: unknown strategy %q", service, cfg.Strategy)
	}

	p := &pool{strategy: cfg.Strategy, healthPath: cfg.HealthPath}
	for _, bc := range cfg.Backends {
		u, err := url.Parse(bc.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("service %s: bad backend url %q", service, bc.URL)
		}
		weight := bc.Weight
		if weight <= 0 {
			weight = 1
		}
		back := &Backend{url: bc.URL, weight: weight}
		back.healthy.Store(true)
		p.backends = append(p.backends, back)
	}

	b.mu.Lock()
	b.services[service] = p
	b.mu.Unlock()
	return nil
}

// Pick selects a healthy instance for the service. Callers must
// Release the returned backend when the request finishes.
func (b *Balancer) Pick(service string) (*Backend, error) {
	b.mu.RLock()
	p := b.services[service]
	b.mu.RUnlock()
	if p == nil {
		return nil, fmt.Errorf("%w: service %s not registered", ErrNoBackends, service)
	}
	return p.pick()
}

// Start launches the health sweep loop.
func (b *Balancer) Start(_ context.Context) error {
	b.wg.Add(1)
	go b.checkLoop()
	b.logger.Info("Balancer started", "check_interval", b.cfg.CheckInterval)
	return nil
}

// Stop halts health checking.
func (b *Balancer) Stop() {
	close(b.stopCh)
	b.wg.Wait()
}

func (b *Balancer) checkLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.CheckNow(context.Background())
		}
	}
}

// CheckNow runs one health sweep over every pool with a health path.
func (b *Balancer) CheckNow(ctx context.Context) {
	b.mu.RLock()
	snapshot := make(map[string]*pool, len(b.services))
	for name, p := range b.services {
		snapshot[name] = p
	}
	b.mu.RUnlock()

	for name, p := range snapshot {
		if p.healthPath == "" {
			continue
		}
		for _, back := range p.backends {
			b.probe(ctx, name, p.healthPath, back)
		}
	}
}

func (b *Balancer) probe(ctx context.Context, service, path string, back *Backend) {
	resp, err := b.http.R().SetContext(ctx).Get(back.url + path)
	if err == nil && resp.IsSuccess() {
		back.fails = 0
		if !back.healthy.Swap(true) {
			b.logger.Info("Backend readmitted", "service", service, "url", back.url)
		}
		return
	}
	back.fails++
	if back.fails >= b.cfg.FailThreshold && back.healthy.Swap(false) {
		b.logger.Warn("Backend ejected",
			"service", service, "url", back.url, "consecutive_failures", back.fails)
	}
}
