package performance

import (
	"context"
	"crypto/tls"
	"math/rand/v2"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// VUScheduler manages the lifecycle of Virtual Users.
//
// It provides:
// - VU pool management (spawning/ stopping VUs)
// - Shared HTTP client configuration
// - Graceful shutdown coordination
//
// The scheduler is used by executors to control VU counts.
type VUScheduler struct {
	// Scenario to execute
	scenario *Scenario

	// Metrics engine
	metrics *metrics.Engine

	// HTTP client configuration
	httpClientConfig HTTPClientConfig

	// Active VUs
	vus   map[int]*VirtualUser
	vusMu sync.RWMutex

	// VU ID counter
	nextVUID atomic.Int32

	// Shared HTTP client (if configured)
	sharedClient *http.Client

	// Shutdown coordination
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownWg   sync.WaitGroup
}

// HTTPClientConfig contains HTTP client configuration.
type HTTPClientConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// DisableCompression disables automatic decompression
	DisableCompression bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// UseSharedClient indicates whether VUs share a single HTTP client
	UseSharedClient bool

	// DiscardResponseBodies is passed on to every spawned VU
	DiscardResponseBodies bool

	// UserAgent is set when a request carries none
	UserAgent string
}

// DefaultHTTPClientConfig returns sensible defaults for load testing.
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     0, // Unlimited
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   false,
		DisableCompression:  false,
		InsecureSkipVerify:  false,
		UseSharedClient:     true, // Shared by default for connection pooling
	}
}

// HTTPClientConfigFromSettings builds the client configuration for a test.
func HTTPClientConfigFromSettings(settings config.GlobalSettings, opts *config.ExecutionOptions) HTTPClientConfig {
	cfg := DefaultHTTPClientConfig()
	cfg.Timeout = settings.Timeout.GetDuration(cfg.Timeout)
	if settings.MaxConnectionsPerHost > 0 {
		cfg.MaxConnsPerHost = settings.MaxConnectionsPerHost
	}
	if settings.MaxIdleConnsPerHost > 0 {
		cfg.MaxIdleConnsPerHost = settings.MaxIdleConnsPerHost
	}
	cfg.InsecureSkipVerify = settings.InsecureSkipVerify
	cfg.UserAgent = settings.UserAgent
	if opts != nil {
		cfg.UseSharedClient = !opts.NoVUConnectionReuse
		cfg.DiscardResponseBodies = opts.DiscardResponseBodies
	}
	return cfg
}

// NewHTTPClient creates an HTTP client with the given settings.
func NewHTTPClient(cfg HTTPClientConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		DisableCompression:  cfg.DisableCompression,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed test targets
	}

	var rt http.RoundTripper = transport
	if cfg.UserAgent != "" {
		rt = &userAgentTransport{next: transport, userAgent: cfg.UserAgent}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   cfg.Timeout,
	}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.next.RoundTrip(req)
}

// NewVUScheduler creates a new VU scheduler.
func NewVUScheduler(scenario *Scenario, metricsEngine *metrics.Engine, httpConfig HTTPClientConfig) *VUScheduler {
	scheduler := &VUScheduler{
		scenario:         scenario,
		metrics:          metricsEngine,
		httpClientConfig: httpConfig,
		vus:              make(map[int]*VirtualUser),
		shutdownCh:       make(chan struct{}),
	}

	// Create shared HTTP client if configured
	if httpConfig.UseSharedClient {
		scheduler.sharedClient = scheduler.createHTTPClient()
	}

	return scheduler
}

func (s *VUScheduler) createHTTPClient() *http.Client {
	return NewHTTPClient(s.httpClientConfig)
}

// SpawnVU creates and returns a new Virtual User.
//
// The VU is registered with the scheduler but not started.
// The caller is responsible for running the VU.
func (s *VUScheduler) SpawnVU() *VirtualUser {
	id := int(s.nextVUID.Add(1))

	// Use shared client or create per-VU client
	var client *http.Client
	if s.httpClientConfig.UseSharedClient {
		client = s.sharedClient
	} else {
		client = s.createHTTPClient()
	}

	vu := NewVirtualUser(id, s.scenario, client, s.metrics)
	vu.DiscardBodies = s.httpClientConfig.DiscardResponseBodies

	s.vusMu.Lock()
	s.vus[id] = vu
	s.vusMu.Unlock()

	return vu
}

// GetVU returns a VU by ID, or nil if not found.
func (s *VUScheduler) GetVU(id int) *VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()
	return s.vus[id]
}

// GetActiveVUs returns all currently active VUs.
func (s *VUScheduler) GetActiveVUs() []*VirtualUser {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	result := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			result = append(result, vu)
		}
	}
	return result
}

// GetActiveVUCount returns the count of non-stopped VUs.
func (s *VUScheduler) GetActiveVUCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if vu.GetState() != VUStateStopped {
			count++
		}
	}
	return count
}

// runnableCount counts VUs that have not been asked to stop.
func (s *VUScheduler) runnableCount() int {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	count := 0
	for _, vu := range s.vus {
		if st := vu.GetState(); st == VUStateIdle || st == VUStateRunning {
			count++
		}
	}
	return count
}

// StopVU requests a specific VU to stop.
func (s *VUScheduler) StopVU(id int) {
	s.vusMu.RLock()
	vu, exists := s.vus[id]
	s.vusMu.RUnlock()

	if exists {
		vu.RequestStop()
	}
}

// StopAllVUs requests all VUs to stop.
func (s *VUScheduler) StopAllVUs() {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	for _, vu := range s.vus {
		vu.RequestStop()
	}
}

// RemoveVU removes a VU from the scheduler.
// The VU should be stopped before calling this.
func (s *VUScheduler) RemoveVU(id int) {
	s.vusMu.Lock()
	defer s.vusMu.Unlock()

	if vu, exists := s.vus[id]; exists {
		vu.MarkStopped()
		delete(s.vus, id)
	}
}

// WaitForAllVUs waits for all VUs to stop with a timeout.
//
// Returns the number of VUs that did not stop within the timeout.
func (s *VUScheduler) WaitForAllVUs(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	s.vusMu.RLock()
	vus := make([]*VirtualUser, 0, len(s.vus))
	for _, vu := range s.vus {
		vus = append(vus, vu)
	}
	s.vusMu.RUnlock()

	notStopped := 0
	for _, vu := range vus {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			// Timeout expired
			notStopped++
			continue
		}

		if !vu.WaitForStop(remaining) {
			notStopped++
		}
	}

	return notStopped
}

// RunVU runs a VU until it's stopped or the context is cancelled.
//
// This is a helper method for executors. It runs iterations continuously
// and handles the VU lifecycle automatically. iterations bounds the number
// of iterations; zero means unbounded.
func (s *VUScheduler) RunVU(ctx context.Context, vu *VirtualUser, pacing *config.ExecutorPacing, iterations int64) {
	defer vu.MarkStopped()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		default:
		}

		// Check if VU was stopped
		if vu.GetState() == VUStateStopping || vu.GetState() == VUStateStopped {
			return
		}

		err := vu.RunIteration(ctx)
		if err != nil {
			if ctx.Err() != nil || vu.GetState() == VUStateStopping {
				return
			}
		}
		if iterations > 0 && vu.GetIteration() >= iterations {
			return
		}

		if delay := PacingDelay(pacing); delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-s.shutdownCh:
				return
			case <-vu.stopCh:
				return
			case <-time.After(delay):
			}
		}
	}
}

// PacingDelay returns the wait before the next iteration.
func PacingDelay(p *config.ExecutorPacing) time.Duration {
	if p == nil {
		return 0
	}
	switch p.Type {
	case "constant":
		return p.Duration
	case "random":
		if p.Max <= p.Min {
			return p.Min
		}
		return p.Min + rand.N(p.Max-p.Min)
	}
	return 0
}

// StartVU runs vu in a new goroutine tracked by Wait and Shutdown.
func (s *VUScheduler) StartVU(ctx context.Context, vu *VirtualUser, pacing *config.ExecutorPacing, iterations int64) {
	s.shutdownWg.Add(1)
	go func() {
		defer s.shutdownWg.Done()
		s.RunVU(ctx, vu, pacing, iterations)
	}()
}

// Wait blocks until every goroutine started through StartVU has returned.
func (s *VUScheduler) Wait() {
	s.shutdownWg.Wait()
}

// Shutdown gracefully shuts down all VUs.
func (s *VUScheduler) Shutdown(timeout time.Duration) {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	// Stop all VUs
	s.StopAllVUs()

	// Wait for VUs to finish with timeout
	done := make(chan struct{})
	go func() {
		s.shutdownWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All VUs stopped
	case <-time.After(timeout):
		// Timeout expired
	}

	// Clean up shared client
	if s.sharedClient != nil {
		s.sharedClient.CloseIdleConnections()
	}
}

// TotalIterations sums the iterations started by every registered VU.
func (s *VUScheduler) TotalIterations() int64 {
	s.vusMu.RLock()
	defer s.vusMu.RUnlock()

	var total int64
	for _, vu := range s.vus {
		total += vu.GetIteration()
	}
	return total
}

// ScaleVUs adjusts the VU count to the target.
//
// This is a helper for ramping executors. It spawns or stops VUs
// as needed to reach the target count.
//
// Parameters:
//   - ctx: Context for spawning new VU goroutines
//   - target: Target number of VUs
//   - onSpawn: Callback when a new VU is spawned; nil starts it with StartVU
//
// Returns:
//   - Current VU count after adjustment
func (s *VUScheduler) ScaleVUs(ctx context.Context, target int, onSpawn func(*VirtualUser)) int {
	current := s.runnableCount()

	if target > current {
		for i := current; i < target; i++ {
			vu := s.SpawnVU()
			if onSpawn != nil {
				onSpawn(vu)
			} else {
				s.StartVU(ctx, vu, nil, 0)
			}
		}
	} else if target < current {
		// Stop excess VUs
		excess := current - target
		stopped := 0

		s.vusMu.RLock()
		for _, vu := range s.vus {
			if stopped >= excess {
				break
			}
			if vu.GetState() != VUStateStopped && vu.GetState() != VUStateStopping {
				vu.RequestStop()
				stopped++
			}
		}
		s.vusMu.RUnlock()
	}

	return s.GetActiveVUCount()
}
