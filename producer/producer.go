// Package producer generates synthetic vehicle GPS readings and pushes them to
// a Kinesis stream. It feeds the upstream side of the pipeline in demos and
// load tests.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
)

const DefaultRosterSize = 20

// Roster is a fixed set of vehicle ids. It never changes after construction.
type Roster struct {
	ids []string
}

// NewRoster returns n vehicle ids, each the first 8 characters of a random UUID.
func NewRoster(n int) *Roster {
	if n < 1 {
		n = DefaultRosterSize
	}
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()[:8]
	}
	return &Roster{ids: ids}
}

// RosterOf wraps existing ids.
func RosterOf(ids ...string) *Roster {
	if len(ids) == 0 {
		panic("roster needs at least one vehicle")
	}
	return &Roster{ids: append([]string(nil), ids...)}
}

// IDs returns a copy of the vehicle ids.
func (r *Roster) IDs() []string { return append([]string(nil), r.ids...) }

func (r *Roster) Len() int { return len(r.ids) }

func (r *Roster) pick(rng *rand.Rand) string { return r.ids[rng.IntN(len(r.ids))] }

// Reading is one GPS sample.
type Reading struct {
	VehicleID         string   `json:"vehicle_id"`
	Latitude          float64  `json:"latitude"`
	Longitude         float64  `json:"longitude"`
	SpeedKMH          float64  `json:"speed_kmh"`
	Direction         string   `json:"direction"`
	FuelLevel         *float64 `json:"fuel_level"`
	BatteryLevel      float64  `json:"battery_level"`
	SeatBeltStatus    string   `json:"seat_belt_status"`
	CollisionDetected bool     `json:"collision_detected"`
	SuddenBraking     bool     `json:"sudden_braking"`
	Timestamp         string   `json:"timestamp"`
}

var directions = []string{"N", "S", "E", "W", "NE", "NW", "SE", "SW"}

// Generator produces random readings for the vehicles of a roster.
// It is not safe for concurrent use.
type Generator struct {
	roster *Roster
	rng    *rand.Rand
	now    func() time.Time
}

func NewGenerator(roster *Roster, seed uint64) *Generator {
	if roster == nil {
		panic("roster is required")
	}
	return &Generator{
		roster: roster,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		now:    time.Now,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func (g *Generator) uniform(lo, hi float64) float64 {
	return lo + g.rng.Float64()*(hi-lo)
}

// Next returns a new reading. Electric vehicles have no fuel level; collisions
// and sudden braking are rare.
func (g *Generator) Next() Reading {
	r := Reading{
		VehicleID:         g.roster.pick(g.rng),
		Latitude:          round(g.uniform(-90, 90), 6),
		Longitude:         round(g.uniform(-180, 180), 6),
		SpeedKMH:          round(g.uniform(0, 120), 2),
		Direction:         directions[g.rng.IntN(len(directions))],
		BatteryLevel:      round(g.uniform(10, 100), 1),
		SeatBeltStatus:    "Fastened",
		CollisionDetected: g.rng.IntN(6) == 0,
		SuddenBraking:     g.rng.IntN(4) == 0,
		Timestamp:         g.now().Format("2006-01-02 15:04:05"),
	}
	if g.rng.IntN(2) == 0 {
		fuel := round(g.uniform(5, 100), 1)
		r.FuelLevel = &fuel
	}
	if g.rng.IntN(2) == 0 {
		r.SeatBeltStatus = "Unfastened"
	}
	return r
}

type kinesisAPI interface {
	PutRecord(ctx context.Context, params *kinesis.PutRecordInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error)
}

// KinesisStreamer puts readings on a stream, partitioned by vehicle id.
type KinesisStreamer struct {
	client    kinesisAPI
	stream    string
	streamPtr *string
}

func NewKinesisStreamer(client kinesisAPI, stream string) *KinesisStreamer {
	if client == nil {
		panic("kinesis client is required")
	}
	if strings.TrimSpace(stream) == "" {
		panic("stream name is required")
	}
	s := &KinesisStreamer{client: client, stream: stream}
	s.streamPtr = &s.stream
	return s
}

func (s *KinesisStreamer) Push(ctx context.Context, r Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := r.VehicleID
	_, err = s.client.PutRecord(ctx, &kinesis.PutRecordInput{
		StreamName:   s.streamPtr,
		Data:         data,
		PartitionKey: &key,
	})
	if err != nil {
		return fmt.Errorf("put record stream=%q: %w", s.stream, err)
	}
	return nil
}

type pusher interface {
	Push(ctx context.Context, r Reading) error
}

// Producer pushes one reading per interval until its context ends.
type Producer struct {
	gen      *Generator
	push     pusher
	interval time.Duration
	logger   log.Logger
}

func New(gen *Generator, push pusher, interval time.Duration, logger log.Logger) *Producer {
	if gen == nil || push == nil {
		panic("generator and pusher are required")
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Producer{gen: gen, push: push, interval: interval, logger: logger}
}

// Run pushes readings until ctx is done. Push errors are logged and skipped.
// It returns the number of readings pushed successfully.
func (p *Producer) Run(ctx context.Context) (int, error) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	sent := 0
	for {
		r := p.gen.Next()
		if err := p.push.Push(ctx, r); err != nil {
			if ctx.Err() != nil {
				return sent, nil
			}
			level.Error(p.logger).Log("msg", "failed to push reading", "vehicle_id", r.VehicleID, "err", err)
		} else {
			sent++
			level.Debug(p.logger).Log("msg", "pushed reading", "vehicle_id", r.VehicleID, "speed_kmh", r.SpeedKMH)
		}

		select {
		case <-ctx.Done():
			return sent, nil
		case <-t.C:
		}
	}
}
