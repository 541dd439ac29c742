// Package jobstatus keeps the process-local outcome of generation jobs.
//
// Records live only in memory: they are lost on restart and are not shared
// between instances. A job id that has no record is reported as processing,
// which cannot be told apart from a job id that never existed.
package jobstatus

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"points-service/internal/metrics"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Record is the last known state of one job.
type Record struct {
	JobID          string     `json:"job_id"`
	UserID         string     `json:"user_id,omitempty"`
	Status         Status     `json:"status"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	PointsDeducted int64      `json:"points_deducted"`
	NewBalance     *int64     `json:"new_balance,omitempty"`
	ResultURL      string     `json:"result_url,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Terminal reports whether the job has reached completed or failed.
func (r Record) Terminal() bool {
	return r.Status == StatusCompleted || r.Status == StatusFailed
}

type Registry struct {
	records   *xsync.Map[string, Record]
	retention time.Duration
	now       func() time.Time
	log       *logrus.Logger
	metrics   *metrics.Metrics
	cron      *cron.Cron
}

// New creates a registry. Terminal records older than retention are removed
// by Sweep; a zero retention keeps every record for the process lifetime.
func New(retention time.Duration, log *logrus.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		records:   xsync.NewMap[string, Record](),
		retention: retention,
		now:       time.Now,
		log:       log,
		metrics:   m,
	}
}

// Put overwrites the record for rec.JobID unconditionally.
func (r *Registry) Put(rec Record) {
	rec.UpdatedAt = r.now()
	r.records.Store(rec.JobID, rec)
	r.metrics.SetRegistrySize(r.records.Size())
}

// Get returns the record for jobID, if any.
func (r *Registry) Get(jobID string) (Record, bool) {
	return r.records.Load(jobID)
}

// Lookup is Get with the absent-means-processing convention applied.
func (r *Registry) Lookup(jobID string) Record {
	if rec, ok := r.records.Load(jobID); ok {
		return rec
	}
	return Record{JobID: jobID, Status: StatusProcessing}
}

func (r *Registry) Len() int {
	return r.records.Size()
}

// Sweep drops terminal records whose last update is older than the
// retention window and returns how many were removed. Processing records
// are never swept.
func (r *Registry) Sweep() int {
	if r.retention <= 0 {
		return 0
	}

	cutoff := r.now().Add(-r.retention)
	removed := 0
	r.records.Range(func(jobID string, _ Record) bool {
		r.records.Compute(jobID, func(old Record, loaded bool) (Record, xsync.ComputeOp) {
			if loaded && old.Terminal() && old.UpdatedAt.Before(cutoff) {
				removed++
				return old, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		return true
	})

	r.metrics.SetRegistrySize(r.records.Size())
	return removed
}

// Start schedules Sweep with a cron spec such as "@every 10m". It is a no-op
// when retention is disabled.
func (r *Registry) Start(spec string) error {
	if r.retention <= 0 {
		r.log.Info("job status retention disabled, records kept for process lifetime")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if removed := r.Sweep(); removed > 0 {
			r.log.WithFields(logrus.Fields{
				"removed":   removed,
				"remaining": r.Len(),
			}).Info("job status records swept")
		}
	}); err != nil {
		return err
	}

	r.cron = c
	c.Start()

	r.log.WithFields(logrus.Fields{
		"spec":      spec,
		"retention": r.retention.String(),
	}).Info("job status sweeper started")
	return nil
}

// Stop halts the sweeper and waits for a running sweep to finish.
func (r *Registry) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	r.cron = nil
}
