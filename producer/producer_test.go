package producer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
)

var (
	_ kinesisAPI = (*fakeKinesis)(nil)
	_ pusher     = (*KinesisStreamer)(nil)
)

func TestNewRoster(t *testing.T) {
	r := NewRoster(0)
	if r.Len() != DefaultRosterSize {
		t.Fatalf("Len=%d want %d", r.Len(), DefaultRosterSize)
	}
	seen := map[string]bool{}
	for _, id := range r.IDs() {
		if len(id) != 8 {
			t.Fatalf("id %q should be 8 chars", id)
		}
		seen[id] = true
	}
	if len(seen) < DefaultRosterSize-1 {
		t.Fatalf("ids should be (almost surely) unique, got %d distinct", len(seen))
	}

	ids := r.IDs()
	ids[0] = "mutated"
	if r.IDs()[0] == "mutated" {
		t.Fatalf("roster must not be mutable through IDs")
	}
}

func TestGenerator_Ranges(t *testing.T) {
	roster := RosterOf("aaaa1111", "bbbb2222")
	g := NewGenerator(roster, 42)
	g.now = func() time.Time { return time.Date(2024, 5, 1, 10, 11, 12, 0, time.UTC) }

	fuelSeen, evSeen := false, false
	for i := 0; i < 500; i++ {
		r := g.Next()
		if r.VehicleID != "aaaa1111" && r.VehicleID != "bbbb2222" {
			t.Fatalf("unknown vehicle %q", r.VehicleID)
		}
		if r.Latitude < -90 || r.Latitude > 90 || r.Longitude < -180 || r.Longitude > 180 {
			t.Fatalf("bad position %v,%v", r.Latitude, r.Longitude)
		}
		if r.SpeedKMH < 0 || r.SpeedKMH > 120 || r.BatteryLevel < 10 || r.BatteryLevel > 100 {
			t.Fatalf("bad reading %+v", r)
		}
		if r.FuelLevel != nil {
			fuelSeen = true
			if *r.FuelLevel < 5 || *r.FuelLevel > 100 {
				t.Fatalf("bad fuel %v", *r.FuelLevel)
			}
		} else {
			evSeen = true
		}
		if r.Timestamp != "2024-05-01 10:11:12" {
			t.Fatalf("timestamp=%q", r.Timestamp)
		}
	}
	if !fuelSeen || !evSeen {
		t.Fatalf("expected both fuel and electric vehicles")
	}
}

func TestGenerator_Deterministic(t *testing.T) {
	roster := RosterOf("a", "b", "c")
	a, b := NewGenerator(roster, 7), NewGenerator(roster, 7)
	now := func() time.Time { return time.Unix(0, 0) }
	a.now, b.now = now, now
	for i := 0; i < 10; i++ {
		ra, rb := a.Next(), b.Next()
		ja, _ := json.Marshal(ra)
		jb, _ := json.Marshal(rb)
		if string(ja) != string(jb) {
			t.Fatalf("same seed should produce same readings: %s vs %s", ja, jb)
		}
	}
}

func TestKinesisStreamer_Push(t *testing.T) {
	f := &fakeKinesis{}
	s := NewKinesisStreamer(f, "GPS-Tracking-Data-Stream")

	r := Reading{VehicleID: "abcd1234", SpeedKMH: 50}
	if err := s.Push(context.Background(), r); err != nil {
		t.Fatalf("Push err: %v", err)
	}
	if len(f.inputs) != 1 {
		t.Fatalf("calls=%d", len(f.inputs))
	}
	in := f.inputs[0]
	if aws.ToString(in.StreamName) != "GPS-Tracking-Data-Stream" || aws.ToString(in.PartitionKey) != "abcd1234" {
		t.Fatalf("unexpected input: %+v", in)
	}
	var decoded map[string]any
	if err := json.Unmarshal(in.Data, &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["vehicle_id"] != "abcd1234" || decoded["fuel_level"] != nil {
		t.Fatalf("unexpected payload %v", decoded)
	}

	f.err = errors.New("throughput exceeded")
	if err := s.Push(context.Background(), r); !errors.Is(err, f.err) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestProducer_RunSkipsErrors(t *testing.T) {
	f := &fakeKinesis{failEvery: 2}
	p := New(NewGenerator(RosterOf("v"), 1), NewKinesisStreamer(f, "s"), time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan int, 1)
	go func() {
		n, _ := p.Run(ctx)
		done <- n
	}()

	deadline := time.After(2 * time.Second)
	for f.count() < 6 {
		select {
		case <-deadline:
			t.Fatalf("producer stalled after %d calls", f.count())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	n := <-done
	if n < 2 {
		t.Fatalf("sent=%d, failed pushes must not stop the producer", n)
	}
}

func TestConstructors_Panic(t *testing.T) {
	cases := map[string]func(){
		"empty roster":   func() { RosterOf() },
		"nil roster":     func() { NewGenerator(nil, 1) },
		"nil client":     func() { NewKinesisStreamer(nil, "s") },
		"empty stream":   func() { NewKinesisStreamer(&fakeKinesis{}, "") },
		"nil dependency": func() { New(nil, nil, time.Second, nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatalf("expected panic")
				}
			}()
			fn()
		})
	}
}

//
// Fakes
//

type fakeKinesis struct {
	mu        sync.Mutex
	inputs    []*kinesis.PutRecordInput
	calls     int
	failEvery int
	err       error
}

func (f *fakeKinesis) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeKinesis) PutRecord(_ context.Context, in *kinesis.PutRecordInput, _ ...func(*kinesis.Options)) (*kinesis.PutRecordOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if f.failEvery > 0 && f.calls%f.failEvery == 0 {
		return nil, errors.New("provisioned throughput exceeded")
	}
	f.inputs = append(f.inputs, in)
	return &kinesis.PutRecordOutput{}, nil
}
