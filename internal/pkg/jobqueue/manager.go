package jobqueue

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/CreditFox/internal/pkg/cache"
	"github.com/ManuelReschke/CreditFox/internal/pkg/env"
	"github.com/ManuelReschke/CreditFox/internal/pkg/jobs"
	"github.com/ManuelReschke/CreditFox/internal/pkg/metrics"
)

const (
	staleSweepLockKey  = "creditfox:lock:stale_job_sweep"
	expirySweepLockKey = "creditfox:lock:credit_expiry_sweep"
	repollDedupPrefix  = "creditfox:repoll:"

	sweepStale  = "stale_jobs"
	sweepExpiry = "credit_expiry"
)

// StaleSweeper closes or hands back generation jobs nobody is polling.
type StaleSweeper interface {
	SweepStale(ctx context.Context, staleAfter, maxAge time.Duration) (*jobs.SweepResult, error)
}

// CreditExpirer retires credit lots past their expiry.
type CreditExpirer interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// Config holds the background intervals.
type Config struct {
	Workers        int
	SweepInterval  time.Duration
	StaleAfter     time.Duration
	MaxAge         time.Duration
	ExpiryInterval time.Duration
}

// LoadConfig reads the background settings from the environment.
func LoadConfig() Config {
	return Config{
		Workers:        env.GetEnvInt("JOB_QUEUE_WORKERS", 5),
		SweepInterval:  time.Duration(env.GetEnvInt("JOB_SWEEP_INTERVAL_SECONDS", 60)) * time.Second,
		StaleAfter:     time.Duration(env.GetEnvInt("JOB_STALE_AFTER_SECONDS", 120)) * time.Second,
		MaxAge:         time.Duration(env.GetEnvInt("JOB_MAX_AGE_MINUTES", 60)) * time.Minute,
		ExpiryInterval: time.Duration(env.GetEnvInt("LEDGER_EXPIRY_SWEEP_MINUTES", 15)) * time.Minute,
	}
}

// Manager owns the job queue and the periodic sweeps
type Manager struct {
	queue       *Queue
	sweeper     StaleSweeper
	expirer     CreditExpirer
	cfg         Config
	owner       string
	sweepTicker *time.Ticker
	expiryTick  *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewManager wires the queue with the orchestrator's sweep and the ledger's expiry.
func NewManager(cfg Config, queue *Queue, sweeper StaleSweeper, expirer CreditExpirer) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 2 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.ExpiryInterval <= 0 {
		cfg.ExpiryInterval = 15 * time.Minute
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "creditfox"
	}
	owner := fmt.Sprintf("%s:%d", host, os.Getpid())
	return &Manager{
		queue:   queue,
		sweeper: sweeper,
		expirer: expirer,
		cfg:     cfg,
		owner:   owner,
		stopCh:  make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	m.sweepTicker = time.NewTicker(m.cfg.SweepInterval)
	m.wg.Add(1)
	go m.staleSweepWorker()

	m.expiryTick = time.NewTicker(m.cfg.ExpiryInterval)
	m.wg.Add(1)
	go m.expiryWorker()

	log.Infof("[JobQueue Manager] Started (sweep=%s, stale after=%s, max age=%s, expiry=%s)",
		m.cfg.SweepInterval, m.cfg.StaleAfter, m.cfg.MaxAge, m.cfg.ExpiryInterval)
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.sweepTicker != nil {
		m.sweepTicker.Stop()
	}
	if m.expiryTick != nil {
		m.expiryTick.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) staleSweepWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Stale job sweep stopping")
			return
		case <-m.sweepTicker.C:
			if _, err := m.RunStaleSweepOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Stale job sweep error: %v", err)
			}
		}
	}
}

func (m *Manager) expiryWorker() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Credit expiry sweep stopping")
			return
		case <-m.expiryTick.C:
			if _, err := m.RunExpirySweepOnce(context.Background()); err != nil {
				log.Errorf("[JobQueue Manager] Credit expiry sweep error: %v", err)
			}
		}
	}
}

// RunStaleSweepOnce runs one stale-job sweep if no other instance holds the
// sweep lock, and enqueues a re-poll for every job not already queued.
// It returns the number of re-polls enqueued.
func (m *Manager) RunStaleSweepOnce(ctx context.Context) (int, error) {
	release, ok, err := m.lock(ctx, staleSweepLockKey, m.cfg.SweepInterval)
	if err != nil {
		metrics.SweepRuns.WithLabelValues(sweepStale, "error").Inc()
		return 0, err
	}
	if !ok {
		metrics.SweepRuns.WithLabelValues(sweepStale, "skipped").Inc()
		return 0, nil
	}
	defer release()

	res, err := m.sweeper.SweepStale(ctx, m.cfg.StaleAfter, m.cfg.MaxAge)
	if err != nil {
		metrics.SweepRuns.WithLabelValues(sweepStale, "error").Inc()
		return 0, err
	}

	enqueued := 0
	for _, id := range res.Repoll {
		key := repollDedupPrefix + id
		fresh, err := cache.SetIfAbsent(ctx, key, m.owner, m.cfg.StaleAfter)
		if err != nil {
			log.Errorf("[JobQueue Manager] Re-poll de-dup failed for %s: %v", id, err)
			continue
		}
		if !fresh {
			continue
		}
		if _, err := m.queue.EnqueueRepoll(ctx, id); err != nil {
			log.Errorf("[JobQueue Manager] Could not enqueue re-poll for %s: %v", id, err)
			_ = cache.Delete(key)
			continue
		}
		enqueued++
	}

	metrics.SweepRuns.WithLabelValues(sweepStale, "ok").Inc()
	return enqueued, nil
}

// RunExpirySweepOnce retires every credit lot whose expiry has passed.
func (m *Manager) RunExpirySweepOnce(ctx context.Context) (int64, error) {
	release, ok, err := m.lock(ctx, expirySweepLockKey, m.cfg.ExpiryInterval)
	if err != nil {
		metrics.SweepRuns.WithLabelValues(sweepExpiry, "error").Inc()
		return 0, err
	}
	if !ok {
		metrics.SweepRuns.WithLabelValues(sweepExpiry, "skipped").Inc()
		return 0, nil
	}
	defer release()

	expired, err := m.expirer.ExpireDue(ctx, time.Now().UTC())
	if err != nil {
		metrics.SweepRuns.WithLabelValues(sweepExpiry, "error").Inc()
		return expired, err
	}
	if expired > 0 {
		log.Infof("[JobQueue Manager] Expired %d credits", expired)
	}
	metrics.SweepRuns.WithLabelValues(sweepExpiry, "ok").Inc()
	return expired, nil
}

// lock takes a best-effort cross-instance lock. The TTL bounds how long a
// crashed holder can block the next sweep.
func (m *Manager) lock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	ok, err := cache.SetIfAbsent(ctx, key, m.owner, ttl)
	if err != nil || !ok {
		return func() {}, ok, err
	}
	return func() {
		released, err := cache.DeleteIfValue(context.Background(), key, m.owner)
		if err != nil {
			log.Warnf("[JobQueue Manager] Could not release %s: %v", key, err)
			return
		}
		if !released {
			log.Warnf("[JobQueue Manager] Lock %s expired before release and is held by another instance", key)
		}
	}, true, nil
}
