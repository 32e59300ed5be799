// ABOUTME: Cluster instance liveness reporter writing periodic check-ins
// ABOUTME: Peers treat live rows with old check-in times as stale

package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/morrigan-server/morrigan/internal/store"
)

// Record is one server instance's liveness row.
type Record struct {
	ID          string    `json:"id"`
	Components  []string  `json:"components"`
	RuntimeInfo Runtime   `json:"runtimeInfo"`
	Live        bool      `json:"live"`
	CheckInTime time.Time `json:"checkInTime"`
	StopReason  string    `json:"stopReason,omitempty"`
}

// Runtime describes the process hosting the instance.
type Runtime struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	GoVersion string `json:"goVersion"`
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	NumCPU    int    `json:"numCpu"`
}

func currentRuntime() Runtime {
	hostname, _ := os.Hostname()
	return Runtime{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		GoVersion: runtime.Version(),
		Hostname:  hostname,
		PID:       os.Getpid(),
		NumCPU:    runtime.NumCPU(),
	}
}

// ReporterConfig assembles a Reporter.
type ReporterConfig struct {
	// Instances is the shared instance record collection.
	Instances store.Collection

	// InstanceID keys this server's row.
	InstanceID string

	// Components are the loaded component names, recorded for peers.
	Components []string

	// Interval is the check-in cadence.
	Interval time.Duration

	Logger *slog.Logger
}

// Reporter keeps this server's instance row fresh while it runs and
// finalizes it with a stop reason on shutdown.
type Reporter struct {
	instances  store.Collection
	instanceID string
	components []string
	interval   time.Duration
	logger     *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
	finished chan struct{}
}

// NewReporter builds a reporter.
func NewReporter(cfg ReporterConfig) *Reporter {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Reporter{
		instances:  cfg.Instances,
		instanceID: cfg.InstanceID,
		components: cfg.Components,
		interval:   cfg.Interval,
		logger:     cfg.Logger.With("component", "instance", "instance_id", cfg.InstanceID),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
}

// Start writes the first check-in and begins the periodic refresh.
func (r *Reporter) Start(ctx context.Context) error {
	if err := r.checkIn(ctx); err != nil {
		return err
	}

	go func() {
		defer close(r.finished)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				if err := r.checkIn(context.Background()); err != nil {
					r.logger.Warn("instance check-in failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the refresh loop and writes the final row with live=false and
// the stop reason. Safe to call multiple times.
func (r *Reporter) Stop(ctx context.Context, reason string) {
	r.stopOnce.Do(func() {
		close(r.done)
		<-r.finished

		rec := r.record()
		rec.Live = false
		rec.StopReason = reason
		if err := r.upsert(ctx, rec); err != nil {
			r.logger.Warn("final instance record write failed", "error", err)
		}
	})
}

func (r *Reporter) checkIn(ctx context.Context) error {
	return r.upsert(ctx, r.record())
}

func (r *Reporter) record() Record {
	return Record{
		ID:          r.instanceID,
		Components:  r.components,
		RuntimeInfo: currentRuntime(),
		Live:        true,
		CheckInTime: time.Now().UTC(),
	}
}

func (r *Reporter) upsert(ctx context.Context, rec Record) error {
	replaced, err := r.instances.ReplaceOne(ctx, store.Filter{"id": rec.ID}, rec)
	if err != nil {
		return fmt.Errorf("writing instance record: %w", err)
	}
	if !replaced {
		if err := r.instances.InsertOne(ctx, rec); err != nil {
			return fmt.Errorf("writing instance record: %w", err)
		}
	}
	return nil
}

// List returns every instance row in the cluster.
func List(ctx context.Context, instances store.Collection) ([]Record, error) {
	docs, err := instances.Find(ctx, nil)
	if err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(docs))
	for _, raw := range docs {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("decoding instance record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// IsFresh reports whether a live row checked in within the window. Readers
// treat older live rows as stale.
func IsFresh(rec Record, window time.Duration, now time.Time) bool {
	return rec.Live && now.Sub(rec.CheckInTime) <= window
}
