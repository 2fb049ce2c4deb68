package workers

import (
	"context"
	"log/slog"
	"os"
	"room-relay/contract"
	"room-relay/domain/event"
	"runtime"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/shirou/gopsutil/process"
)

// Health is a point in time view of the relay.
type Health struct {
	At          time.Time `json:"at"`
	Rooms       int       `json:"rooms"`
	ActiveRooms int       `json:"activeRooms"`
	Players     int       `json:"players"`
	Listeners   int       `json:"listeners"`
	Goroutines  int       `json:"goroutines"`
	CPU         float64   `json:"cpuPercent"`
	RAM         float32   `json:"ramPercent"`
}

// HealthMonitoringWorker samples the registry and the process at a fixed interval.
type HealthMonitoringWorker struct {
	mu       sync.RWMutex
	log      *slog.Logger
	registry contract.IRoomRegistry
	interval time.Duration
	latest   Health
}

func NewHealthMonitoringWorker(log *slog.Logger, registry contract.IRoomRegistry, interval time.Duration) *HealthMonitoringWorker {
	return &HealthMonitoringWorker{log: log, registry: registry, interval: interval}
}

func (w *HealthMonitoringWorker) Run(ctx context.Context) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		w.log.Warn("Process metrics unavailable", "error", err)
	}

	w.sample(proc)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Context done, stopping health monitoring")
			return nil
		case <-ticker.C:
			h := w.sample(proc)
			w.log.Info("Relay health",
				"rooms", h.Rooms,
				"activeRooms", h.ActiveRooms,
				"players", h.Players,
				"listeners", h.Listeners,
				"goroutines", h.Goroutines,
				"cpu", h.CPU,
				"ram", h.RAM,
			)
		}
	}
}

// Latest returns the last sample, or a fresh one before the first tick.
func (w *HealthMonitoringWorker) Latest() Health {
	w.mu.RLock()
	h := w.latest
	w.mu.RUnlock()
	if h.At.IsZero() {
		return w.sample(nil)
	}
	return h
}

func (w *HealthMonitoringWorker) sample(proc *process.Process) Health {
	active := w.registry.ActiveRooms()
	h := Health{
		At:          time.Now().UTC(),
		Rooms:       w.registry.Len(),
		ActiveRooms: len(active),
		Players:     lo.SumBy(active, func(r event.RoomView) int { return r.Players }),
		Listeners:   w.registry.Notifications().Size(),
		Goroutines:  runtime.NumGoroutine(),
	}
	if proc != nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			h.CPU = cpu
		} else {
			w.log.Debug("Error while finding process cpu usage", "err", err)
		}
		if ram, err := proc.MemoryPercent(); err == nil {
			h.RAM = ram
		} else {
			w.log.Debug("Error while finding process ram usage", "err", err)
		}
	}

	w.mu.Lock()
	w.latest = h
	w.mu.Unlock()
	return h
}
