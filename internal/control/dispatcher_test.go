package control

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/reeflabs/reefbridge-core/internal/apex"
)

type fakeWriter struct {
	outputCalls  atomic.Int32
	feedCalls    atomic.Int32
	tridentCalls atomic.Int32

	lastDID    string
	lastToken  string
	lastFeedID int
	lastActive bool
	lastAbaddr int
	lastExtra  map[string]any

	err error
}

func (f *fakeWriter) SetOutput(_ context.Context, did, token string) error {
	f.outputCalls.Add(1)
	f.lastDID, f.lastToken = did, token
	return f.err
}

func (f *fakeWriter) SetFeed(_ context.Context, id int, active bool) error {
	f.feedCalls.Add(1)
	f.lastFeedID, f.lastActive = id, active
	return f.err
}

func (f *fakeWriter) PutTridentExtra(_ context.Context, abaddr int, extra map[string]any) error {
	f.tridentCalls.Add(1)
	f.lastAbaddr, f.lastExtra = abaddr, extra
	return f.err
}

func (f *fakeWriter) calls() int32 {
	return f.outputCalls.Load() + f.feedCalls.Load() + f.tridentCalls.Load()
}

type fakeSource struct {
	snap           *apex.Snapshot
	statusRefresh  atomic.Int32
	configRefresh  atomic.Int32
	refreshConfErr error
}

func (f *fakeSource) Snapshot() *apex.Snapshot { return f.snap }
func (f *fakeSource) RequestStatusRefresh()    { f.statusRefresh.Add(1) }
func (f *fakeSource) RefreshConfigNow(context.Context) error {
	f.configRefresh.Add(1)
	return f.refreshConfErr
}

func testSnapshot() *apex.Snapshot {
	return &apex.Snapshot{
		Outputs: []apex.OutputState{
			{DID: "base_Var1", Name: "Return", RawState: "AON", Mode: apex.ModeAuto, Selectable: true},
			{DID: "6_2", Name: "DOS", RawState: "PF1", Selectable: false},
		},
		Trident: &apex.TridentState{Present: true, Abaddr: 7},
	}
}

func TestSetOutputMode(t *testing.T) {
	w := &fakeWriter{}
	src := &fakeSource{snap: testSnapshot()}
	d := New(w, src, false, nil)

	if err := d.SetOutputMode(context.Background(), "output_base_var1", "On"); err != nil {
		t.Fatalf("SetOutputMode() error = %v", err)
	}
	if w.lastDID != "base_Var1" || w.lastToken != "ON" {
		t.Errorf("write = %s %s", w.lastDID, w.lastToken)
	}
	if src.statusRefresh.Load() != 1 {
		t.Error("successful write must request a status refresh")
	}
}

func TestSetOutputMode_Validation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		mode    string
		wantErr error
	}{
		{"unknown entity", "output_nope", "On", ErrUnknownEntity},
		{"invalid mode", "output_base_var1", "Sideways", ErrInvalidCommand},
		{"non-selectable output", "output_6_2", "On", ErrInvalidCommand},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{}
			src := &fakeSource{snap: testSnapshot()}
			d := New(w, src, false, nil)

			err := d.SetOutputMode(context.Background(), tt.key, tt.mode)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if w.calls() != 0 {
				t.Error("validation failures must not reach the network")
			}
			if src.statusRefresh.Load() != 0 {
				t.Error("no refresh on failure")
			}
		})
	}
}

func TestSetOutputMode_NoSnapshot(t *testing.T) {
	w := &fakeWriter{}
	d := New(w, &fakeSource{}, false, nil)
	if err := d.SetOutputMode(context.Background(), "output_base_var1", "On"); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("error = %v, want ErrUnknownEntity", err)
	}
	if w.calls() != 0 {
		t.Error("no network call without a snapshot")
	}
}

func TestReadOnlyBlocksEverything(t *testing.T) {
	w := &fakeWriter{}
	src := &fakeSource{snap: testSnapshot()}
	d := New(w, src, true, nil)
	ctx := context.Background()

	cmds := map[string]func() error{
		"output":      func() error { return d.SetOutputMode(ctx, "output_base_var1", "On") },
		"feed":        func() error { return d.SetFeed(ctx, 1, true) },
		"prime":       func() error { return d.TridentPrimeChannel(ctx, 0) },
		"new reagent": func() error { return d.TridentNewReagent(ctx, 1) },
		"reset waste": func() error { return d.TridentResetWaste(ctx) },
		"waste size":  func() error { return d.TridentSetWasteSize(ctx, 2000) },
	}
	for name, cmd := range cmds {
		if err := cmd(); !errors.Is(err, ErrReadOnly) {
			t.Errorf("%s: error = %v, want ErrReadOnly", name, err)
		}
	}
	if w.calls() != 0 {
		t.Error("read-only mode must never issue a network call")
	}
}

func TestSetFeed(t *testing.T) {
	w := &fakeWriter{}
	src := &fakeSource{snap: testSnapshot()}
	d := New(w, src, false, nil)

	if err := d.SetFeed(context.Background(), 2, true); err != nil {
		t.Fatalf("SetFeed() error = %v", err)
	}
	if w.lastFeedID != 2 || !w.lastActive {
		t.Errorf("feed write = %d %v", w.lastFeedID, w.lastActive)
	}

	for _, id := range []int{0, 5, -1} {
		if err := d.SetFeed(context.Background(), id, true); !errors.Is(err, ErrInvalidCommand) {
			t.Errorf("SetFeed(%d) error = %v, want ErrInvalidCommand", id, err)
		}
	}
}

func TestTridentCommands(t *testing.T) {
	w := &fakeWriter{}
	src := &fakeSource{snap: testSnapshot()}
	d := New(w, src, false, nil)
	ctx := context.Background()

	if err := d.TridentPrimeChannel(ctx, 2); err != nil {
		t.Fatalf("TridentPrimeChannel() error = %v", err)
	}
	if w.lastAbaddr != 7 {
		t.Errorf("abaddr = %d, want 7", w.lastAbaddr)
	}
	prime, ok := w.lastExtra["prime"].([]bool)
	if !ok || len(prime) != 4 || !prime[2] || prime[0] {
		t.Errorf("prime payload = %v", w.lastExtra)
	}

	if err := d.TridentNewReagent(ctx, 0); err != nil {
		t.Fatal(err)
	}
	reagent, ok := w.lastExtra["newReagent"].([]bool)
	if !ok || len(reagent) != 3 || !reagent[0] {
		t.Errorf("newReagent payload = %v", w.lastExtra)
	}

	if err := d.TridentResetWaste(ctx); err != nil {
		t.Fatal(err)
	}
	reset, ok := w.lastExtra["reset"].([]bool)
	if !ok || len(reset) != 5 || !reset[0] || reset[1] {
		t.Errorf("reset payload = %v", w.lastExtra)
	}

	if err := d.TridentPrimeChannel(ctx, 4); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("out-of-range prime error = %v", err)
	}
	if err := d.TridentNewReagent(ctx, 3); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("out-of-range reagent error = %v", err)
	}
}

func TestTridentCommands_NoTrident(t *testing.T) {
	w := &fakeWriter{}
	src := &fakeSource{snap: &apex.Snapshot{}}
	d := New(w, src, false, nil)

	if err := d.TridentResetWaste(context.Background()); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("error = %v, want ErrUnknownEntity", err)
	}
}

func TestTridentSetWasteSize(t *testing.T) {
	w := &fakeWriter{}
	src := &fakeSource{snap: testSnapshot()}
	d := New(w, src, false, nil)

	if err := d.TridentSetWasteSize(context.Background(), 2000); err != nil {
		t.Fatalf("TridentSetWasteSize() error = %v", err)
	}
	if w.lastExtra["wasteSize"] != 2000.0 {
		t.Errorf("wasteSize payload = %v", w.lastExtra)
	}
	if src.configRefresh.Load() != 1 {
		t.Error("waste size change must force a config refresh")
	}

	if err := d.TridentSetWasteSize(context.Background(), 0); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("zero size error = %v", err)
	}
}
