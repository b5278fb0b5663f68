package ingest

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sapflow.report/internal/db"
	"github.com/banshee-data/sapflow.report/internal/decoder"
	"github.com/banshee-data/sapflow.report/internal/monitoring"
	"github.com/banshee-data/sapflow.report/internal/sapflow"
	"github.com/banshee-data/sapflow.report/internal/timeutil"
	"github.com/banshee-data/sapflow.report/internal/usage"
)

// Store persists the outputs of a batch. *db.DB implements it.
type Store interface {
	InsertReading(ctx context.Context, runID string, r sapflow.Reading) error
	Readings(ctx context.Context, q db.ReadingsQuery) ([]sapflow.Reading, error)
	SaveUsage(ctx context.Context, deviceID string, totals usage.Totals) error
	RecordRun(ctx context.Context, run db.Run) error
}

// Processor computes readings from uplinks. The zero value is not usable;
// Installation must be set.
type Processor struct {
	Installation sapflow.Installation
	Usage        usage.Options
	// PerDevice additionally aggregates and stores usage per device.
	PerDevice bool
	// Store is optional; nil skips persistence.
	Store Store
	// Clock stamps uplinks that carry no receive time. Nil uses the wall clock.
	Clock timeutil.Clock
	// Concurrency bounds in-flight messages. Zero uses GOMAXPROCS.
	Concurrency int

	// refreshMu serialises RefreshUsage so an older aggregate is never
	// saved over a newer one.
	refreshMu sync.Mutex
}

// ItemResult is the outcome of one message. Exactly one of Reading, Skipped
// or Err describes it.
type ItemResult struct {
	Index      int              `json:"index"`
	DeviceID   string           `json:"device_id,omitempty"`
	Port       int              `json:"port"`
	PacketType string           `json:"packet_type,omitempty"`
	Skipped    bool             `json:"skipped,omitempty"`
	Reading    *sapflow.Reading `json:"reading,omitempty"`
	Err        error            `json:"-"`
	Error      string           `json:"error,omitempty"`
}

func (r *ItemResult) fail(err error) {
	r.Err = err
	r.Error = err.Error()
}

// BatchResult summarises ProcessBatch.
type BatchResult struct {
	RunID        string                  `json:"run_id"`
	StartedAt    time.Time               `json:"started_at"`
	FinishedAt   time.Time               `json:"finished_at"`
	Items        []ItemResult            `json:"items"`
	Readings     []sapflow.Reading       `json:"-"`
	Totals       usage.Totals            `json:"totals"`
	DeviceTotals map[string]usage.Totals `json:"device_totals,omitempty"`
}

// Failures returns the number of items that ended in an error.
func (b BatchResult) Failures() int {
	n := 0
	for _, it := range b.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

func (p *Processor) clock() timeutil.Clock {
	if p.Clock == nil {
		return timeutil.RealClock{}
	}
	return p.Clock
}

func (p *Processor) concurrency() int {
	if p.Concurrency > 0 {
		return p.Concurrency
	}
	return runtime.GOMAXPROCS(0)
}

// ProcessMessage parses and processes one raw message.
func (p *Processor) ProcessMessage(ctx context.Context, raw []byte, runID string) ItemResult {
	up, err := ParseUplink(raw)
	if err != nil {
		res := ItemResult{}
		res.fail(err)
		return res
	}
	return p.ProcessUplink(ctx, up, runID)
}

// ProcessUplink decodes up, computes its reading and stores it. Network
// server codec output is preferred over the raw frame, matching what the
// device operator configured upstream. Non-data packets are skipped.
func (p *Processor) ProcessUplink(ctx context.Context, up Uplink, runID string) ItemResult {
	res := ItemResult{DeviceID: up.DeviceID, Port: up.Port}

	params := up.Decoded
	if params == nil {
		if len(up.Payload) == 0 {
			res.fail(ErrNoPayload)
			return res
		}
		var err error
		if params, err = decoder.Decode(up.Payload, up.Port); err != nil {
			res.fail(err)
			return res
		}
	}

	if v, ok := decoder.Lookup(params, decoder.LabelPacketType); ok {
		res.PacketType, _ = v.(string)
	}
	if res.PacketType != "" && res.PacketType != decoder.PacketData {
		res.Skipped = true
		monitoring.Debugf("skipping %s from %s (eui %s) on port %d", res.PacketType, up.DeviceID, up.DevEUI, up.Port)
		return res
	}

	at := up.ReceivedAt
	if at.IsZero() {
		at = p.clock().Now()
	}
	battery, _ := decoder.LookupFloat(params, decoder.LabelBatteryVoltage)
	inner, _ := decoder.LookupFloat(params, decoder.LabelUncorrectedInner)
	outer, _ := decoder.LookupFloat(params, decoder.LabelUncorrectedOuter)

	reading, err := sapflow.NewReading(p.Installation, up.DeviceID, at, battery, inner, outer)
	if err != nil {
		res.fail(fmt.Errorf("device %s: %w", up.DeviceID, err))
		return res
	}

	if p.Store != nil {
		if err := p.Store.InsertReading(ctx, runID, reading); err != nil {
			res.fail(err)
			return res
		}
	}
	res.Reading = &reading
	return res
}

// ProcessBatch processes messages concurrently. A failing message is
// recorded in its ItemResult and does not stop the others. Usage is
// aggregated only after every message has finished, over the successful
// readings. Totals cover this run only; the stored buckets of every day
// the run touched are recomputed by RefreshUsage. The returned error is
// non-nil only when ctx is cancelled or the batch outputs cannot be stored.
func (p *Processor) ProcessBatch(ctx context.Context, messages [][]byte) (BatchResult, error) {
	clock := p.clock()
	res := BatchResult{
		RunID:     uuid.NewString(),
		StartedAt: clock.Now(),
		Items:     make([]ItemResult, len(messages)),
	}
	log.Printf("run %s: processing %d messages", res.RunID, len(messages))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency())
	for i, msg := range messages {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			item := p.ProcessMessage(gctx, msg, res.RunID)
			item.Index = i
			if item.Err != nil {
				log.Printf("run %s: message %d: %v", res.RunID, i, item.Err)
			}
			res.Items[i] = item
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	for _, it := range res.Items {
		if it.Reading != nil {
			res.Readings = append(res.Readings, *it.Reading)
		}
	}

	var err error
	if res.Totals, err = usage.Aggregate(res.Readings, p.Usage); err != nil {
		return res, err
	}
	if p.PerDevice {
		if res.DeviceTotals, err = usage.AggregateByDevice(res.Readings, p.Usage); err != nil {
			return res, err
		}
	}
	res.FinishedAt = clock.Now()

	if err := p.store(ctx, res); err != nil {
		return res, err
	}
	log.Printf("run %s: %d readings, %d failures, %d hourly buckets", res.RunID, len(res.Readings), res.Failures(), len(res.Totals.Hourly))
	return res, nil
}

func (p *Processor) store(ctx context.Context, res BatchResult) error {
	if p.Store == nil {
		return nil
	}
	if err := p.RefreshUsage(ctx, res.Readings); err != nil {
		return err
	}
	return p.Store.RecordRun(ctx, db.Run{
		ID:             res.RunID,
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
		Messages:       len(res.Items),
		Readings:       len(res.Readings),
		Failures:       res.Failures(),
		SamplesPerHour: res.Totals.SamplesPerHour,
	})
}

// RefreshUsage recomputes the stored usage buckets of every local day that
// readings fall on. Each day is re-aggregated from all stored readings of
// that day, so the buckets agree no matter how many runs or webhook calls
// contributed to it. Per-device buckets are refreshed for the devices in
// readings when PerDevice is set.
func (p *Processor) RefreshUsage(ctx context.Context, readings []sapflow.Reading) error {
	if p.Store == nil || len(readings) == 0 {
		return nil
	}
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	loc := p.Usage.Location
	if loc == nil {
		loc = time.UTC
	}
	days := make(map[time.Time]map[string]bool)
	for _, r := range readings {
		start, _ := usage.DayBounds(r.Time, loc)
		if days[start] == nil {
			days[start] = make(map[string]bool)
		}
		days[start][r.DeviceID] = true
	}
	starts := make([]time.Time, 0, len(days))
	for start := range days {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i].Before(starts[j]) })

	for _, start := range starts {
		_, end := usage.DayBounds(start, loc)
		stored, err := p.Store.Readings(ctx, db.ReadingsQuery{From: start, To: end})
		if err != nil {
			return fmt.Errorf("load readings for %s: %w", usage.DayKey(start, loc), err)
		}
		totals, err := usage.Aggregate(stored, p.Usage)
		if err != nil {
			return err
		}
		if err := p.Store.SaveUsage(ctx, db.AllDevices, totals); err != nil {
			return err
		}
		if !p.PerDevice {
			continue
		}

		byDevice, err := usage.AggregateByDevice(stored, p.Usage)
		if err != nil {
			return err
		}
		for device := range days[start] {
			if device == db.AllDevices {
				continue
			}
			if err := p.Store.SaveUsage(ctx, device, byDevice[device]); err != nil {
				return err
			}
		}
		monitoring.Debugf("refreshed usage for %s: %d stored readings", usage.DayKey(start, loc), len(stored))
	}
	return nil
}
