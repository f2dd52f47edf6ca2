package environment

import (
	"context"
	"io"
	"log"
	"sync"
	"time"
)

// AsyncSaver writes snapshots on a single background goroutine. It keeps at
// most one pending snapshot: a newer Save replaces one that has not started.
type AsyncSaver struct {
	store   Store
	log     *log.Logger
	timeout time.Duration

	// OnSaved, if set, is called from the worker after every successful write.
	OnSaved func(Metrics)

	pending chan Metrics
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once

	mu         sync.Mutex
	saved      uint64
	failed     uint64
	superseded uint64
}

func NewAsyncSaver(store Store, logger *log.Logger) *AsyncSaver {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &AsyncSaver{
		store:   store,
		log:     logger,
		timeout: 10 * time.Second,
		pending: make(chan Metrics, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *AsyncSaver) Save(m Metrics) {
	select {
	case s.pending <- m:
		return
	default:
	}
	// Replace the queued snapshot.
	select {
	case <-s.pending:
		s.mu.Lock()
		s.superseded++
		s.mu.Unlock()
	default:
	}
	select {
	case s.pending <- m:
	default:
	}
}

// Close drains the pending snapshot and stops the worker.
func (s *AsyncSaver) Close() {
	s.once.Do(func() { close(s.stop) })
	<-s.done
}

// Counts returns saved, failed and superseded totals.
func (s *AsyncSaver) Counts() (saved, failed, superseded uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved, s.failed, s.superseded
}

func (s *AsyncSaver) loop() {
	defer close(s.done)
	for {
		select {
		case m := <-s.pending:
			s.write(m)
		case <-s.stop:
			select {
			case m := <-s.pending:
				s.write(m)
			default:
			}
			return
		}
	}
}

func (s *AsyncSaver) write(m Metrics) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err := s.store.SaveMetrics(ctx, m)
	s.mu.Lock()
	if err != nil {
		s.failed++
	} else {
		s.saved++
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Printf("environment: async save: %v", err)
		return
	}
	if s.OnSaved != nil {
		s.OnSaved(m)
	}
}
