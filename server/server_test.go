package server

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/chazu/procvm/internal/testutil"
	"github.com/chazu/procvm/journal"
	bc "github.com/chazu/procvm/pkg/bytecode"
	"github.com/chazu/procvm/vm"
)

// ---------------------------------------------------------------------------
// Test infrastructure
// ---------------------------------------------------------------------------

// startServer serves s over an in-memory listener and returns a client
// connected to it.
func startServer(t *testing.T, s *Server) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go s.Serve(lis)
	t.Cleanup(s.Stop)

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func imageBytes(t *testing.T, code []byte) []byte {
	t.Helper()
	data, err := bc.NewImage(code).Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	return data
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestRun_CountDownUp(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	resp, err := c.Run(testContext(t), &RunRequest{Image: imageBytes(t, testutil.CountDownUp())})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !resp.Done {
		t.Errorf("Done = false, want true")
	}
	if resp.Fault != "" {
		t.Errorf("Fault = %q, want none", resp.Fault)
	}
	if resp.RunID == "" {
		t.Error("RunID should be set")
	}
	if resp.Processes != 1 {
		t.Errorf("Processes = %d, want 1", resp.Processes)
	}
	if resp.Current.State != vm.StateTerminated.String() {
		t.Errorf("Current.State = %q, want %q", resp.Current.State, vm.StateTerminated)
	}
	if resp.Current.StackBytes != 1 {
		t.Errorf("Current.StackBytes = %d, want 1", resp.Current.StackBytes)
	}
	if resp.Steps == 0 {
		t.Error("Steps should be counted")
	}
}

func TestRun_RawCode(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	resp, err := c.Run(testContext(t), &RunRequest{Image: testutil.CallCounter(), Raw: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !resp.Done || resp.Fault != "" {
		t.Errorf("Done = %v, Fault = %q; want clean completion", resp.Done, resp.Fault)
	}
	if resp.Current.CallDepth != 0 {
		t.Errorf("Current.CallDepth = %d, want 0", resp.Current.CallDepth)
	}
}

func TestRun_SpawnSnapshot(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	resp, err := c.Run(testContext(t), &RunRequest{
		Image:    imageBytes(t, testutil.SpawnCounter()),
		Snapshot: true,
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Processes != 2 {
		t.Errorf("Processes = %d, want 2", resp.Processes)
	}
	if len(resp.Snapshot) == 0 {
		t.Fatal("Snapshot should be returned")
	}

	snap, err := vm.UnmarshalSnapshot(resp.Snapshot)
	if err != nil {
		t.Fatalf("UnmarshalSnapshot failed: %v", err)
	}
	if got := snap.Memory[testutil.ChildResultAddr]; got != 5 {
		t.Errorf("child result = %d, want 5", got)
	}
}

func TestRun_Source(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	resp, err := c.Run(testContext(t), &RunRequest{Source: "push_u8 2\npush_u8 3\nmul_u8\nhalt\n"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !resp.Done || resp.Steps != 4 {
		t.Errorf("Done = %v, Steps = %d; want true, 4", resp.Done, resp.Steps)
	}
	if resp.Current.StackBytes != 1 {
		t.Errorf("Current.StackBytes = %d, want 1", resp.Current.StackBytes)
	}

	_, err = c.Run(testContext(t), &RunRequest{Source: "frob\n"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Run error = %v, want InvalidArgument", err)
	}
}

func TestRun_FaultIsReported(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	code := testutil.BinaryOp(bc.OpDivU8, bc.U8, 1, 0)
	resp, err := c.Run(testContext(t), &RunRequest{Image: code, Raw: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Done {
		t.Error("Done = true after a fault")
	}
	if resp.FaultKind != vm.FaultDivideByZero.String() {
		t.Errorf("FaultKind = %q, want %q", resp.FaultKind, vm.FaultDivideByZero)
	}
	if !strings.Contains(resp.Fault, "div_u8") {
		t.Errorf("Fault = %q, should name the opcode", resp.Fault)
	}
}

func TestRun_TerminateProcessPolicy(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	code := testutil.BinaryOp(bc.OpDivU8, bc.U8, 1, 0)
	resp, err := c.Run(testContext(t), &RunRequest{Image: code, Raw: true, OnFault: "terminate-process"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !resp.Done {
		t.Error("Done = false, want true under terminate-process")
	}
	if resp.Fault != "" {
		t.Errorf("Fault = %q, want none", resp.Fault)
	}
	if len(resp.Faults) != 1 {
		t.Errorf("len(Faults) = %d, want 1", len(resp.Faults))
	}
}

func TestRun_StepLimit(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.MaxSteps = 1000
	c := startServer(t, New(opts))

	resp, err := c.Run(testContext(t), &RunRequest{Image: testutil.Spin(), Raw: true, MaxSteps: 50})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if resp.Done {
		t.Error("Done = true for a spinning program")
	}
	if resp.Fault != vm.ErrStepLimitExceeded.Error() {
		t.Errorf("Fault = %q, want %q", resp.Fault, vm.ErrStepLimitExceeded)
	}
	if resp.Steps != 50 {
		t.Errorf("Steps = %d, want 50", resp.Steps)
	}
}

func TestRun_DeadlineCancelsSpin(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := c.Run(ctx, &RunRequest{Image: testutil.Spin(), Raw: true})
	if status.Code(err) != codes.DeadlineExceeded {
		t.Fatalf("Run error = %v, want DeadlineExceeded", err)
	}
}

func TestRun_InvalidArguments(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	tests := []struct {
		name string
		req  *RunRequest
	}{
		{"bad image", &RunRequest{Image: []byte("nope")}},
		{"bad policy", &RunRequest{Image: testutil.Spin(), Raw: true, Policy: "lottery"}},
		{"bad fault policy", &RunRequest{Image: testutil.Spin(), Raw: true, OnFault: "retry"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Run(testContext(t), tt.req)
			if status.Code(err) != codes.InvalidArgument {
				t.Errorf("Run error = %v, want InvalidArgument", err)
			}
		})
	}
}

func TestRun_GRPCOptions(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions(), WithGRPCOptions(grpc.MaxRecvMsgSize(256))))

	big := make([]byte, 1024)
	_, err := c.Run(testContext(t), &RunRequest{Image: big, Raw: true})
	if status.Code(err) != codes.ResourceExhausted {
		t.Errorf("Run error = %v, want ResourceExhausted", err)
	}
}

func TestRun_Journal(t *testing.T) {
	j, err := journal.Open(testutil.TempFile(t, "journal.db", nil))
	if err != nil {
		t.Fatalf("journal.Open failed: %v", err)
	}
	defer j.Close()
	c := startServer(t, New(vm.DefaultOptions(), WithJournal(j)))

	code := testutil.CountDownUp()
	resp, err := c.Run(testContext(t), &RunRequest{Image: code, Raw: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	run, err := j.Get(context.Background(), resp.RunID)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", resp.RunID, err)
	}
	if run.Steps != resp.Steps {
		t.Errorf("journal Steps = %d, want %d", run.Steps, resp.Steps)
	}
	if run.ProgramSHA256 != journal.ProgramHash(code) {
		t.Errorf("journal ProgramSHA256 = %q, want %q", run.ProgramSHA256, journal.ProgramHash(code))
	}
}

// ---------------------------------------------------------------------------
// Disassemble
// ---------------------------------------------------------------------------

func TestDisassemble_Image(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	img := bc.NewImage(testutil.CallCounter())
	img.AddLabel(0, "main")
	data, err := img.Serialize()
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}

	resp, err := c.Disassemble(testContext(t), &DisassembleRequest{Image: data, Name: "counter"})
	if err != nil {
		t.Fatalf("Disassemble returned error: %v", err)
	}
	for _, want := range []string{"counter", "main", "call", "ret"} {
		if !strings.Contains(resp.Listing, want) {
			t.Errorf("listing missing %q:\n%s", want, resp.Listing)
		}
	}
}

func TestDisassemble_BadImage(t *testing.T) {
	c := startServer(t, New(vm.DefaultOptions()))

	_, err := c.Disassemble(testContext(t), &DisassembleRequest{Image: []byte{1, 2}})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("Disassemble error = %v, want InvalidArgument", err)
	}
}
