package main

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"statuslanes/calsync"
)

// pullSyncer is the part of calsync.Syncer the pull sync drives.
type pullSyncer interface {
	SyncAll(ctx context.Context) (calsync.BatchReport, error)
	SyncDevice(ctx context.Context, deviceID string) (calsync.DeviceReport, error)
}

// CalendarPullSync runs a full device sync on a cron schedule.
type CalendarPullSync struct {
	syncer    pullSyncer
	schedule  cron.Schedule
	cronExpr  string
	deviceIDs []string
	enabled   bool

	cron    *cron.Cron
	running sync.Mutex
}

// NewCalendarPullSync parses cronExpr with the standard five-field parser.
func NewCalendarPullSync(syncer pullSyncer, cronExpr string, deviceIDs []string, enabled bool) (*CalendarPullSync, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid pull sync schedule %q: %w", cronExpr, err)
	}
	return &CalendarPullSync{
		syncer:    syncer,
		schedule:  schedule,
		cronExpr:  cronExpr,
		deviceIDs: deviceIDs,
		enabled:   enabled,
	}, nil
}

// Start schedules the pull sync and runs one pass immediately.
func (p *CalendarPullSync) Start(ctx context.Context) {
	if !p.enabled {
		log.Println("Calendar pull sync disabled")
		return
	}
	p.cron = cron.New()
	p.cron.Schedule(p.schedule, cron.FuncJob(func() { p.runOnce(ctx) }))
	p.cron.Start()
	log.Printf("Pull sync: scheduled cron=%q", p.cronExpr)

	go p.runOnce(ctx)
}

// Stop halts the schedule and waits for a running pass.
func (p *CalendarPullSync) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
}

// Next reports when the schedule fires after t.
func (p *CalendarPullSync) Next(t time.Time) time.Time {
	return p.schedule.Next(t)
}

func (p *CalendarPullSync) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !p.running.TryLock() {
		log.Println("Pull sync: previous pass still running, skipping")
		return
	}
	defer p.running.Unlock()

	if len(p.deviceIDs) > 0 {
		for _, id := range p.deviceIDs {
			if _, err := p.syncer.SyncDevice(ctx, id); err != nil {
				log.Printf("Pull sync: device=%s: %v", id, err)
			}
		}
		return
	}

	report, err := p.syncer.SyncAll(ctx)
	if err != nil {
		log.Printf("Pull sync: batch failed: %v", err)
		return
	}
	for _, d := range report.Devices {
		if d.Error != "" {
			log.Printf("Pull sync: run=%s device=%s: %s", report.RunID, d.DeviceID, d.Error)
		}
	}
}
