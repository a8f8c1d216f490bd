// Package jobs runs the maintenance schedule: periodic SQLite WAL
// checkpoints, the end-of-day trading summary, and the system-status
// publisher feeding the dashboard.
package jobs

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/bus"
	"github.com/kestrade/orbweaver/internal/manager"
	"github.com/kestrade/orbweaver/internal/tradedb"
)

const (
	walCheckpointSpec = "0 0 * * * *"        // hourly
	eodSummarySpec    = "0 5 16 * * MON-FRI" // 16:05 exchange time
	statusSpec        = "*/30 * * * * *"
)

// Scheduler owns the cron instance and its jobs.
type Scheduler struct {
	trades *tradedb.Store
	mgr    *manager.Manager
	bus    *bus.Bus
	logger *logrus.Entry

	cron      *cron.Cron
	loc       *time.Location
	startedAt time.Time
	proc      *process.Process
}

// New builds the scheduler with every job registered. Start arms it.
func New(trades *tradedb.Store, mgr *manager.Manager, b *bus.Bus, logger *logrus.Logger) (*Scheduler, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone: %w", err)
	}
	s := &Scheduler{
		trades: trades,
		mgr:    mgr,
		bus:    b,
		logger: logger.WithField("component", "jobs"),
		cron:   cron.New(cron.WithSeconds(), cron.WithLocation(loc)),
		loc:    loc,
	}
	// Process stats are best-effort; status publishing works without them.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = proc
	}

	for _, job := range []struct {
		spec string
		fn   func()
	}{
		{walCheckpointSpec, s.walCheckpoint},
		{eodSummarySpec, s.endOfDaySummary},
		{statusSpec, s.publishStatus},
	} {
		if _, err := s.cron.AddFunc(job.spec, job.fn); err != nil {
			return nil, fmt.Errorf("registering job %q: %w", job.spec, err)
		}
	}
	return s, nil
}

// Start arms the schedule.
func (s *Scheduler) Start() {
	s.startedAt = time.Now()
	s.cron.Start()
	s.logger.Info("maintenance schedule armed")
}

// Stop halts the schedule and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// walCheckpoint moves WAL pages into the main database file without blocking
// writers.
func (s *Scheduler) walCheckpoint() {
	var busy, logFrames, checkpointed int
	row := s.trades.DB().QueryRow(`PRAGMA wal_checkpoint(PASSIVE)`)
	if err := row.Scan(&busy, &logFrames, &checkpointed); err != nil {
		s.logger.Errorf("wal checkpoint: %v", err)
		return
	}
	s.logger.Infof("wal checkpoint: busy=%d log=%d checkpointed=%d", busy, logFrames, checkpointed)
}

// eodStrategySummary is one strategy's slice of the daily report.
type eodStrategySummary struct {
	StrategyID string  `json:"strategy_id"`
	Trades     int     `json:"trades"`
	Wins       int     `json:"wins"`
	NetPnL     float64 `json:"net_pnl"`
}

// endOfDaySummary aggregates today's closed trades per strategy and publishes
// the report.
func (s *Scheduler) endOfDaySummary() {
	now := time.Now().In(s.loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	byStrategy := make(map[string]*eodStrategySummary)
	var order []string
	var totalNet float64
	for _, tr := range s.trades.GetClosedTradesSince(midnight) {
		sum, ok := byStrategy[tr.StrategyID]
		if !ok {
			sum = &eodStrategySummary{StrategyID: tr.StrategyID}
			byStrategy[tr.StrategyID] = sum
			order = append(order, tr.StrategyID)
		}
		sum.Trades++
		if tr.NetPnL > 0 {
			sum.Wins++
		}
		sum.NetPnL += tr.NetPnL
		totalNet += tr.NetPnL
	}

	summaries := make([]eodStrategySummary, 0, len(order))
	for _, id := range order {
		summaries = append(summaries, *byStrategy[id])
	}
	s.logger.Infof("end of day: %d strategies traded, net %.2f", len(summaries), totalNet)
	s.bus.Publish(bus.TopicSystemStatus, map[string]any{
		"type":       "eod_summary",
		"date":       now.Format("2006-01-02"),
		"net_pnl":    totalNet,
		"strategies": summaries,
	})
}

// processStats is the gopsutil slice of the status payload.
type processStats struct {
	RSSBytes   uint64  `json:"rss_bytes"`
	CPUPercent float64 `json:"cpu_percent"`
	UptimeSecs float64 `json:"uptime_secs"`
	Goroutines int     `json:"goroutines"`
}

// statusPayload is the system snapshot plus process stats.
type statusPayload struct {
	manager.SystemStatus
	Process processStats `json:"process"`
}

// publishStatus pushes the full system snapshot onto the bus.
func (s *Scheduler) publishStatus() {
	payload := statusPayload{
		SystemStatus: s.mgr.SystemStatus(),
		Process: processStats{
			UptimeSecs: time.Since(s.startedAt).Seconds(),
			Goroutines: runtime.NumGoroutine(),
		},
	}
	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
			payload.Process.RSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			payload.Process.CPUPercent = cpu
		}
	}
	s.bus.Publish(bus.TopicSystemStatus, payload)
}
