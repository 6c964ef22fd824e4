package r2s3

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type Stats struct {
	QueueDepth          int
	QueueCapacity       int
	EnqueuedTotal       uint64
	QueueSaturatedTotal uint64
	DroppedTotal        uint64
	UploadSuccessTotal  uint64
	UploadFailTotal     uint64
	LastSuccessUnix     int64
	LastErrorUnix       int64
}

// Mirror uploads node artifacts (snapshots, journal segments, replication
// commit messages) to an S3-compatible bucket off the hot path.
type Mirror struct {
	client  *Client
	dataDir string
	prefix  string
	log     zerolog.Logger

	jobs        chan string
	enqueueWait time.Duration
	wg          sync.WaitGroup

	enqueuedTotal       atomic.Uint64
	queueSaturatedTotal atomic.Uint64
	droppedTotal        atomic.Uint64
	uploadSuccessTotal  atomic.Uint64
	uploadFailTotal     atomic.Uint64
	lastSuccessUnix     atomic.Int64
	lastErrorUnix       atomic.Int64
}

func NewMirror(client *Client, dataDir, prefix string, workers, queueCapacity int, enqueueWait time.Duration, log zerolog.Logger) *Mirror {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 2048
	}
	if enqueueWait <= 0 {
		enqueueWait = 25 * time.Millisecond
	}
	m := &Mirror{
		client:      client,
		dataDir:     dataDir,
		prefix:      strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		log:         log.With().Str("component", "mirror").Logger(),
		jobs:        make(chan string, queueCapacity),
		enqueueWait: enqueueWait,
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for localPath := range m.jobs {
				m.uploadOne(localPath)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil || m.client == nil {
		return
	}
	m.enqueuedTotal.Add(1)

	select {
	case m.jobs <- localPath:
		return
	default:
	}

	m.queueSaturatedTotal.Add(1)
	// Keep enqueue bounded to avoid stalling world-tick call sites, but allow
	// a short configurable wait to reduce drop risk under brief bursts.
	timer := time.NewTimer(m.enqueueWait)
	defer timer.Stop()
	select {
	case m.jobs <- localPath:
		return
	case <-timer.C:
		dropped := m.droppedTotal.Add(1)
		m.log.Warn().Str("local", localPath).Int64("wait_ms", m.enqueueWait.Milliseconds()).Uint64("dropped_total", dropped).Msg("mirror queue saturated, dropping upload")
	}
}

func (m *Mirror) Close() {
	if m == nil {
		return
	}
	close(m.jobs)
	m.wg.Wait()
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:          len(m.jobs),
		QueueCapacity:       cap(m.jobs),
		EnqueuedTotal:       m.enqueuedTotal.Load(),
		QueueSaturatedTotal: m.queueSaturatedTotal.Load(),
		DroppedTotal:        m.droppedTotal.Load(),
		UploadSuccessTotal:  m.uploadSuccessTotal.Load(),
		UploadFailTotal:     m.uploadFailTotal.Load(),
		LastSuccessUnix:     m.lastSuccessUnix.Load(),
		LastErrorUnix:       m.lastErrorUnix.Load(),
	}
}

func (m *Mirror) uploadOne(localPath string) {
	key, err := m.objectKey(localPath)
	if err != nil {
		m.log.Warn().Str("local", localPath).Err(err).Msg("mirror skip")
		return
	}

	if err := m.uploadWithRetry(key, localPath); err != nil {
		m.uploadFailTotal.Add(1)
		m.lastErrorUnix.Store(time.Now().UTC().Unix())
		m.log.Warn().Str("key", key).Str("local", localPath).Err(err).Msg("mirror upload failed")
		return
	}
	m.uploadSuccessTotal.Add(1)
	m.lastSuccessUnix.Store(time.Now().UTC().Unix())
	m.log.Debug().Str("key", key).Str("local", localPath).Msg("mirror uploaded")
}

func (m *Mirror) uploadWithRetry(key, localPath string) error {
	const maxAttempts = 4
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err := m.client.PutFile(ctx, key, localPath)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt < maxAttempts {
			backoff := time.Duration(attempt*attempt) * 200 * time.Millisecond
			time.Sleep(backoff)
		}
	}
	return lastErr
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	if localPath == "" {
		return "", fmt.Errorf("empty local path")
	}
	if _, err := os.Stat(localPath); err != nil {
		return "", err
	}

	absBase, err := filepath.Abs(m.dataDir)
	if err != nil {
		return "", err
	}
	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}

	rel, err := filepath.Rel(absBase, absLocal)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path %s is outside data dir %s", absLocal, absBase)
	}

	key := rel
	if m.prefix != "" {
		key = path.Join(m.prefix, key)
	}
	return key, nil
}

