package device

import (
	"errors"
	"testing"

	"github.com/bardlex/kminer/internal/pow"
	kerrors "github.com/bardlex/kminer/pkg/errors"
)

func TestParseSpecs(t *testing.T) {
	tests := []struct {
		name      string
		devices   []string
		workloads []float64
		absolute  bool
		want      []Spec
		wantErr   bool
	}{
		{
			name:    "defaults",
			devices: []string{"cuda:0", "CUDA:1", "sim"},
			want: []Spec{
				{Backend: "cuda", Device: 0},
				{Backend: "cuda", Device: 1},
				{Backend: "sim", Device: 0},
			},
		},
		{
			name:      "single workload applies to all",
			devices:   []string{"opencl:0", "opencl:2"},
			workloads: []float64{8},
			want: []Spec{
				{Backend: "opencl", Device: 0, Workload: 8},
				{Backend: "opencl", Device: 2, Workload: 8},
			},
		},
		{
			name:      "per device absolute",
			devices:   []string{"sim:0", " sim:1 ", ""},
			workloads: []float64{1024, 2048, 0},
			absolute:  true,
			want: []Spec{
				{Backend: "sim", Device: 0, Workload: 1024, Absolute: true},
				{Backend: "sim", Device: 1, Workload: 2048, Absolute: true},
			},
		},
		{name: "bad ordinal", devices: []string{"cuda:x"}, wantErr: true},
		{name: "negative ordinal", devices: []string{"cuda:-1"}, wantErr: true},
		{name: "workload count mismatch", devices: []string{"a", "b", "c"}, workloads: []float64{1, 2}, wantErr: true},
		{name: "negative workload", devices: []string{"sim"}, workloads: []float64{-1}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpecs(tt.devices, tt.workloads, tt.absolute)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("spec %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestSpecSize(t *testing.T) {
	info := Info{ComputeUnits: 4, MaxThreadsPerUnit: 32}

	tests := []struct {
		spec Spec
		want int
	}{
		{Spec{Backend: "sim"}, 16 * 128},
		{Spec{Backend: "cuda"}, 64 * 128},
		{Spec{Backend: "opencl", Workload: 0.5}, 64},
		{Spec{Backend: "sim", Workload: 1000, Absolute: true}, 1000},
		{Spec{Backend: "sim", Workload: 0.1, Absolute: true}, 1},
		{Spec{Backend: "unregistered"}, 128},
	}

	for _, tt := range tests {
		if got := tt.spec.Size(info); got != tt.want {
			t.Errorf("%+v.Size() = %d, want %d", tt.spec, got, tt.want)
		}
	}

	if (Info{}).NativeParallelism() != 1 {
		t.Error("empty info should report parallelism 1")
	}
}

func TestRegistry(t *testing.T) {
	names := Available()
	for _, want := range []string{"cuda", "opencl", "sim"} {
		found := false
		for _, n := range names {
			found = found || n == want
		}
		if !found {
			t.Errorf("backend %q not registered: %v", want, names)
		}
	}

	_, err := Open(Spec{Backend: "vulkan"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Errorf("Open(vulkan) = %v, want ErrUnknownBackend", err)
	}
	if !kerrors.IsType(err, kerrors.ErrorTypeDevice) {
		t.Errorf("expected device error type, got %v", err)
	}

	if _, err := Open(Spec{Backend: SimName, Device: SimDevices}); err == nil {
		t.Error("out of range sim ordinal should fail")
	}

	defer func() {
		if recover() == nil {
			t.Error("duplicate registration should panic")
		}
	}()
	Register(SimName, 1, OpenSim)
}

func openSim(t *testing.T, workload float64) *SimBackend {
	t.Helper()
	b, err := Open(Spec{Backend: SimName, Device: 1, Workload: workload, Absolute: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b.(*SimBackend)
}

func testState(t *testing.T, target pow.Uint256, mask, fixed uint64) *pow.State {
	t.Helper()
	st, err := pow.NewState(1, &pow.PartialShare{
		JobID:      "sim",
		HeaderHash: [4]uint64{9, 8, 7, 6},
		Timestamp:  1,
		Target:     target,
		NonceMask:  mask,
		NonceFixed: fixed,
	})
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func runBatch(t *testing.T, b Backend, st *pow.State) uint64 {
	t.Helper()
	b.LoadConstants(st.Header, st.Matrix, st.Target)
	if err := b.LaunchBatch(st.NonceMask, st.NonceFixed); err != nil {
		t.Fatal(err)
	}
	if err := b.Synchronize(); err != nil {
		t.Fatal(err)
	}
	nonce, err := b.ReadWinningNonce()
	if err != nil {
		t.Fatal(err)
	}
	return nonce
}

func TestSimFindsWinner(t *testing.T) {
	b := openSim(t, 64)
	if b.Workload() != 64 {
		t.Fatalf("Workload() = %d", b.Workload())
	}

	const mask, fixed = 0x0000ffffffffffff, 0x1200000000000000
	st := testState(t, pow.MaxUint256, mask, fixed)

	nonce := runBatch(t, b, st)
	if nonce == 0 {
		t.Fatal("max target batch produced no winner")
	}
	if nonce&^uint64(mask) != fixed {
		t.Errorf("winner %#x escapes the partition", nonce)
	}
	if !st.Check(nonce) {
		t.Error("host re-check rejected the device winner")
	}

	if again, _ := b.ReadWinningNonce(); again != 0 {
		t.Error("winning slot must reset after read")
	}
}

func TestSimNoWinner(t *testing.T) {
	b := openSim(t, 64)
	st := testState(t, pow.Uint256{}, ^uint64(0), 0)

	if nonce := runBatch(t, b, st); nonce != 0 {
		t.Errorf("zero target produced winner %#x", nonce)
	}
	if b.Launches() != 1 {
		t.Errorf("Launches() = %d", b.Launches())
	}
}

func TestSimInterrupt(t *testing.T) {
	b := openSim(t, 1<<20)
	st := testState(t, pow.Uint256{}, ^uint64(0), 0)
	b.LoadConstants(st.Header, st.Matrix, st.Target)

	if err := b.LaunchBatch(st.NonceMask, st.NonceFixed); err != nil {
		t.Fatal(err)
	}
	b.Interrupt()

	if err := b.Synchronize(); !errors.Is(err, ErrInterrupted) {
		t.Errorf("Synchronize() = %v, want ErrInterrupted", err)
	}
	if err := b.LaunchBatch(st.NonceMask, st.NonceFixed); !errors.Is(err, ErrInterrupted) {
		t.Errorf("LaunchBatch() after interrupt = %v", err)
	}
}

func TestSimRequiresConstants(t *testing.T) {
	b := openSim(t, 16)
	if err := b.LaunchBatch(^uint64(0), 0); err == nil {
		t.Error("launch without constants should fail")
	}
}

func TestXoshiro256ss(t *testing.T) {
	x := xoshiro256ss{s: [4]uint64{1, 2, 3, 4}}
	// reference output of xoshiro256** for state {1, 2, 3, 4}
	for i, want := range []uint64{11520, 0, 1509978240} {
		if got := x.next(); got != want {
			t.Errorf("output %d = %d, want %d", i, got, want)
		}
	}

	streams := jumpStreams([4]uint64{1, 2, 3, 4}, 3)
	seen := make(map[uint64]bool)
	for i := range streams {
		v := streams[i].next()
		if seen[v] {
			t.Errorf("streams %d repeats an output of an earlier stream", i)
		}
		seen[v] = true
	}
}
