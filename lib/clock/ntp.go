package clock

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
)

const (
	DefaultSyncInterval = 11 * time.Minute
	DefaultConcurring   = 3
	defaultTimeout      = 5 * time.Second
	// maxVariance is the largest disagreement tolerated between samples.
	maxVariance = 10 * time.Second
	// wellSynced is the offset below which a sample earns the full rating.
	wellSynced = 500 * time.Millisecond
	// failedSyncFactor is applied to the rating after every failed cycle.
	failedSyncFactor = 0.5

	maxRTT            = 2 * time.Second
	maxClockOffset    = 24 * time.Hour
	maxRootDispersion = time.Second
	maxRootDelay      = time.Second
)

var (
	ErrNoServers       = errors.New("no NTP servers configured")
	ErrInvalidResponse = errors.New("NTP response failed validation")
	ErrSamplesDisagree = errors.New("NTP samples disagree")
)

// NTPClient queries one NTP server.
type NTPClient interface {
	QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error)
}

// DefaultNTPClient queries the network through beevik/ntp.
type DefaultNTPClient struct{}

func (DefaultNTPClient) QueryWithOptions(host string, options ntp.QueryOptions) (*ntp.Response, error) {
	return ntp.QueryWithOptions(host, options)
}

// SyncConfig configures a Synchronizer.
type SyncConfig struct {
	Servers []string
	// Interval between synchronisations, DefaultSyncInterval when zero.
	Interval time.Duration
	// Concurring is the number of servers that must agree.
	Concurring int
	Timeout    time.Duration
	Client     NTPClient
}

// Synchronizer periodically corrects a Clock from NTP servers. Every
// successful cycle sets the offset to the median of the samples; every
// failed cycle halves the clock rating.
type Synchronizer struct {
	clock *Clock
	cfg   SyncConfig

	mu      sync.Mutex
	next    int
	fails   int
	stop    chan struct{}
	stopped sync.WaitGroup
}

// NewSynchronizer creates a stopped synchronizer for c.
func NewSynchronizer(c *Clock, cfg SyncConfig) *Synchronizer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}
	if cfg.Concurring < 1 {
		cfg.Concurring = DefaultConcurring
	}
	if cfg.Concurring > len(cfg.Servers) && len(cfg.Servers) > 0 {
		cfg.Concurring = len(cfg.Servers)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Client == nil {
		cfg.Client = DefaultNTPClient{}
	}
	return &Synchronizer{clock: c, cfg: cfg}
}

// Start synchronises immediately and then every interval of the base clock.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped.Add(1)
	go s.run(s.stop)
}

func (s *Synchronizer) Stop() {
	s.mu.Lock()
	stop := s.stop
	s.stop = nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	s.stopped.Wait()
}

func (s *Synchronizer) run(stop chan struct{}) {
	defer s.stopped.Done()
	ticker := s.clock.Clock.Ticker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.Sync(); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"at":     "(Synchronizer) run",
				"rating": s.clock.Rating(),
			}).Debug("time synchronisation failed")
		}
		select {
		case <-ticker.C:
		case <-stop:
			return
		}
	}
}

// Sync runs one synchronisation cycle.
func (s *Synchronizer) Sync() error {
	offset, err := s.query()
	if err != nil {
		s.mu.Lock()
		s.fails++
		fails := s.fails
		s.mu.Unlock()
		rating := s.clock.Degrade(failedSyncFactor)
		return oops.In("clock").With("failures", fails).With("rating", rating).Wrapf(err, "synchronise")
	}
	s.mu.Lock()
	s.fails = 0
	s.mu.Unlock()

	rating := 1.0
	if absDuration(offset-s.clock.Offset()) >= wellSynced {
		rating = 0.9
	}
	s.clock.Adjust(offset, rating)
	return nil
}

// query collects Concurring samples that agree and returns their median
// offset relative to the base clock.
func (s *Synchronizer) query() (time.Duration, error) {
	if len(s.cfg.Servers) == 0 {
		return 0, ErrNoServers
	}
	samples := make([]time.Duration, 0, s.cfg.Concurring)
	var lastErr error
	for attempt := 0; attempt < len(s.cfg.Servers) && len(samples) < s.cfg.Concurring; attempt++ {
		server := s.nextServer()
		offset, err := s.sample(server)
		if err != nil {
			lastErr = err
			continue
		}
		if len(samples) > 0 && absDuration(offset-samples[0]) > maxVariance {
			return 0, oops.Wrapf(ErrSamplesDisagree, "%s is %s away from the first sample", server, offset-samples[0])
		}
		samples = append(samples, offset)
	}
	if len(samples) < s.cfg.Concurring {
		if lastErr == nil {
			lastErr = ErrNoServers
		}
		return 0, oops.Wrapf(lastErr, "only %d of %d servers answered", len(samples), s.cfg.Concurring)
	}
	return median(samples), nil
}

func (s *Synchronizer) nextServer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	server := s.cfg.Servers[s.next%len(s.cfg.Servers)]
	s.next++
	return server
}

// sample returns the offset of the base clock reported by server.
func (s *Synchronizer) sample(server string) (time.Duration, error) {
	resp, err := s.cfg.Client.QueryWithOptions(server, ntp.QueryOptions{Timeout: s.cfg.Timeout})
	if err != nil {
		log.WithError(err).WithField("server", server).Debug("NTP query failed")
		return 0, err
	}
	if err := validateResponse(resp); err != nil {
		log.WithError(err).WithField("server", server).Debug("NTP response rejected")
		return 0, err
	}
	return resp.ClockOffset, nil
}

func validateResponse(r *ntp.Response) error {
	if r.Leap == ntp.LeapNotInSync {
		return oops.Wrapf(ErrInvalidResponse, "server clock not synchronised")
	}
	if r.Stratum == 0 || r.Stratum > 15 {
		return oops.Wrapf(ErrInvalidResponse, "stratum %d out of range", r.Stratum)
	}
	if r.RTT < 0 || r.RTT > maxRTT {
		return oops.Wrapf(ErrInvalidResponse, "round trip %s out of range", r.RTT)
	}
	if absDuration(r.ClockOffset) > maxClockOffset {
		return oops.Wrapf(ErrInvalidResponse, "offset %s out of range", r.ClockOffset)
	}
	if r.Time.IsZero() {
		return oops.Wrapf(ErrInvalidResponse, "zero time")
	}
	if r.RootDispersion > maxRootDispersion || r.RootDelay > maxRootDelay {
		return oops.Wrapf(ErrInvalidResponse, "root dispersion %s or delay %s too high", r.RootDispersion, r.RootDelay)
	}
	return nil
}

func median(d []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), d...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
