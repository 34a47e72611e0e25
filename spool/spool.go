// Package spool implements the on-disk buffer used by the Collector when
// the broker is unreachable. Batches are written as gzipped JSON segments
// and replayed in FIFO order once the broker recovers.
package spool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/lumina-learning/pulse-core/domain/event"
	"github.com/lumina-learning/pulse-core/infrastructure/errors"
	"github.com/lumina-learning/pulse-core/infrastructure/logging"
)

const (
	segmentExt    = ".json.gz"
	corruptedExt  = ".corrupted"
	expiredExt    = ".expired"
	segmentPrefix = "batch_"
)

// Header is the first object written into every segment's decompressed
// stream, followed by the batch payload.
type Header struct {
	BatchID    string    `json:"batch_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Segment describes a spooled batch discovered on disk.
type Segment struct {
	Path       string
	BatchID    string
	EnqueuedAt time.Time
}

// Config controls spool behavior.
type Config struct {
	Dir    string
	MaxAge time.Duration // segments older than this are sidelined, not deleted
}

// DefaultMaxAge matches spec's default spool retention window.
const DefaultMaxAge = 30 * time.Minute

// Spool is the append-only, time-bounded on-disk buffer of event batches.
type Spool struct {
	cfg    Config
	mu     sync.Mutex // serializes directory scans; file creation itself is lock-free
	logger *logging.Logger
}

// New creates a Spool rooted at cfg.Dir, creating the directory if needed.
func New(cfg Config, logger *logging.Logger) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, errors.MissingParameter("spool_dir")
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Internal("create spool directory", err)
	}
	return &Spool{cfg: cfg, logger: logger}, nil
}

// Write persists a batch as a new segment. Filenames encode
// {batch_id, enqueued_at_ns} so concurrent writers never collide and no
// lock is needed for creation.
func (s *Spool) Write(batch event.EventBatch) (string, error) {
	batchID := batch.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}
	enqueuedAt := time.Now().UTC()

	name := fmt.Sprintf("%s%s_%d%s", segmentPrefix, batchID, enqueuedAt.UnixNano(), segmentExt)
	path := filepath.Join(s.cfg.Dir, name)
	tmpPath := path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", errors.SpoolFull(s.cfg.Dir)
	}

	gz := gzip.NewWriter(f)
	enc := json.NewEncoder(gz)

	writeErr := enc.Encode(Header{BatchID: batchID, EnqueuedAt: enqueuedAt})
	if writeErr == nil {
		writeErr = enc.Encode(batch)
	}
	closeErr := gz.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if syncErr := f.Sync(); writeErr == nil {
		writeErr = syncErr
	}
	f.Close()

	if writeErr != nil {
		os.Remove(tmpPath)
		return "", errors.Internal("write spool segment", writeErr)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", errors.Internal("finalize spool segment", err)
	}

	return path, nil
}

// List returns pending segments (excluding .corrupted/.expired sidelines)
// in FIFO order by enqueued timestamp.
func (s *Spool) List() ([]Segment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, errors.Internal("list spool directory", err)
	}

	segments := make([]Segment, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		batchID, enqueuedNs, ok := parseSegmentName(name)
		if !ok {
			continue
		}
		segments = append(segments, Segment{
			Path:       filepath.Join(s.cfg.Dir, name),
			BatchID:    batchID,
			EnqueuedAt: time.Unix(0, enqueuedNs).UTC(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].EnqueuedAt.Before(segments[j].EnqueuedAt)
	})
	return segments, nil
}

func parseSegmentName(name string) (batchID string, enqueuedNs int64, ok bool) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentExt)
	idx := strings.LastIndex(trimmed, "_")
	if idx < 0 {
		return "", 0, false
	}
	batchID = trimmed[:idx]
	ns, err := strconv.ParseInt(trimmed[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return batchID, ns, true
}

// Read decompresses a segment and returns its header and batch.
func (s *Spool) Read(path string) (Header, event.EventBatch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, event.EventBatch{}, errors.Internal("read spool segment", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return Header{}, event.EventBatch{}, errors.IntegrityViolation(fmt.Sprintf("corrupt gzip stream: %v", err))
	}
	defer gz.Close()

	dec := json.NewDecoder(gz)
	var header Header
	if err := dec.Decode(&header); err != nil {
		return Header{}, event.EventBatch{}, errors.IntegrityViolation(fmt.Sprintf("corrupt segment header: %v", err))
	}
	var batch event.EventBatch
	if err := dec.Decode(&batch); err != nil {
		return Header{}, event.EventBatch{}, errors.IntegrityViolation(fmt.Sprintf("corrupt segment body: %v", err))
	}

	return header, batch, nil
}

// Delete removes a segment after every event in it has been acknowledged
// by the broker.
func (s *Spool) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Internal("delete spool segment", err)
	}
	return nil
}

// Sideline renames a segment to a .corrupted or .expired sidecar rather
// than deleting it, preserving it for operator inspection.
func (s *Spool) Sideline(path string, reason SidelineReason) error {
	ext := corruptedExt
	if reason == SidelineExpired {
		ext = expiredExt
	}
	dest := path + ext
	if err := os.Rename(path, dest); err != nil {
		return errors.Internal("sideline spool segment", err)
	}
	if s.logger != nil {
		s.logger.WithFields(map[string]interface{}{
			"segment": path,
			"reason":  string(reason),
		}).Warn("spool segment sidelined")
	}
	return nil
}

// SidelineReason distinguishes why a segment was pulled out of the replay path.
type SidelineReason string

const (
	SidelineCorrupted SidelineReason = "corrupted"
	SidelineExpired    SidelineReason = "expired"
)

// IsExpired reports whether a segment has aged past the configured max age.
func (s *Spool) IsExpired(seg Segment, now time.Time) bool {
	return now.Sub(seg.EnqueuedAt) > s.cfg.MaxAge
}

// Claim attempts a lock-free claim of a segment for exclusive processing by
// renaming it to an in-progress name; a rename failure means another
// sweeper instance already claimed it.
func (s *Spool) Claim(path string) (string, error) {
	claimed := path + ".processing"
	if err := os.Rename(path, claimed); err != nil {
		return "", err
	}
	return claimed, nil
}

// Release renames a claimed-but-failed segment back to its original name
// so a later sweep pass can retry it.
func (s *Spool) Release(claimedPath string) error {
	original := strings.TrimSuffix(claimedPath, ".processing")
	return os.Rename(claimedPath, original)
}

// Publisher is the narrow interface the sweeper needs from BrokerClient.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	HealthCheck(ctx context.Context) error
}

// Sweeper replays spooled segments onto the broker in FIFO order once it
// becomes healthy again.
type Sweeper struct {
	spool     *Spool
	publisher Publisher
	topic     string
	interval  time.Duration
	logger    *logging.Logger

	count int64 // current pending segment count, for BufferEventsCount metric
	mu    sync.Mutex
}

// NewSweeper constructs a background sweeper for spool segments.
func NewSweeper(sp *Spool, publisher Publisher, topic string, interval time.Duration, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{spool: sp, publisher: publisher, topic: topic, interval: interval, logger: logger}
}

// Run polls the spool directory and retries pending segments until ctx is
// cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	if err := sw.publisher.HealthCheck(ctx); err != nil {
		return
	}

	segments, err := sw.spool.List()
	if err != nil {
		if sw.logger != nil {
			sw.logger.WithError(err).Error("sweep: list spool segments failed")
		}
		return
	}

	sw.mu.Lock()
	sw.count = int64(len(segments))
	sw.mu.Unlock()

	now := time.Now().UTC()
	for _, seg := range segments {
		if sw.spool.IsExpired(seg, now) {
			if err := sw.spool.Sideline(seg.Path, SidelineExpired); err != nil && sw.logger != nil {
				sw.logger.WithError(err).Error("sweep: sideline expired segment failed")
			}
			continue
		}

		claimed, err := sw.spool.Claim(seg.Path)
		if err != nil {
			continue // another sweeper claimed it first
		}

		header, batch, readErr := sw.spool.Read(claimed)
		if readErr != nil {
			if err := sw.spool.Sideline(claimed, SidelineCorrupted); err != nil && sw.logger != nil {
				sw.logger.WithError(err).Error("sweep: sideline corrupted segment failed")
			}
			continue
		}

		if sw.publishBatch(ctx, batch) {
			if err := sw.spool.Delete(claimed); err != nil && sw.logger != nil {
				sw.logger.WithError(err).Error("sweep: delete acknowledged segment failed")
			}
		} else {
			if err := sw.spool.Release(claimed); err != nil && sw.logger != nil {
				sw.logger.WithError(err).Error("sweep: release segment failed")
			}
			_ = header
			break // stop this pass, broker likely unhealthy again
		}
	}
}

func (sw *Sweeper) publishBatch(ctx context.Context, batch event.EventBatch) bool {
	for i := range batch.Events {
		ev := batch.Events[i]
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if err := sw.publisher.Publish(ctx, sw.topic, ev.LearnerID, raw); err != nil {
			return false
		}
	}
	return true
}

// PendingCount returns the last observed spool depth, for metrics.
func (sw *Sweeper) PendingCount() int64 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.count
}
