package capture

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/phillus33/shotrelay/internal/delivery"
)

// SubmitFunc hands a finished capture file to the delivery side.
type SubmitFunc func(path string) error

// WatcherConfig provides configuration options for the Watcher.
type WatcherConfig struct {
	Dir          string
	PollInterval time.Duration
	// Settle is how long a file must go unmodified before it is treated as
	// fully written.
	Settle time.Duration
	Submit SubmitFunc
	Logger *zap.Logger
	Now    func() time.Time
}

// Watcher polls a capture directory and submits every artifact file it
// finds, oldest sequence first. Files present at startup are picked up on
// the first scan, which is how captures left behind by a crash get
// delivered.
type Watcher struct {
	dir          string
	pollInterval time.Duration
	settle       time.Duration
	submit       SubmitFunc
	log          *zap.Logger
	now          func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewWatcher(config WatcherConfig) *Watcher {
	w := &Watcher{
		dir:          config.Dir,
		pollInterval: config.PollInterval,
		settle:       config.Settle,
		submit:       config.Submit,
		log:          config.Logger,
		now:          config.Now,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	if w.log == nil {
		w.log = zap.NewNop()
	}
	if w.now == nil {
		w.now = time.Now
	}
	return w
}

func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	go w.run(ctx)
	return nil
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}
	close(w.stopCh)
	w.running = false
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.Scan()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Scan()
		}
	}
}

// Scan submits every settled artifact currently in the directory and returns
// how many were accepted.
func (w *Watcher) Scan() int {
	pending, err := delivery.Pending(w.dir)
	if err != nil {
		w.log.Error("scan capture directory", zap.String("dir", w.dir), zap.Error(err))
		return 0
	}

	cutoff := w.now().Add(-w.settle)
	submitted := 0
	for _, a := range pending {
		if w.settle > 0 && !settled(a.Path, cutoff) {
			continue
		}
		if err := w.submit(a.Path); err != nil {
			w.log.Error("submit capture", zap.String("artifact", a.Name), zap.Error(err))
			continue
		}
		submitted++
	}
	return submitted
}

func settled(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.ModTime().After(cutoff)
}
