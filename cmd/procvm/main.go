// procvm CLI - assembles, runs, disassembles and serves procvm bytecode images
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/procvm/journal"
	"github.com/chazu/procvm/manifest"
	"github.com/chazu/procvm/pkg/asm"
	"github.com/chazu/procvm/pkg/bytecode"
	"github.com/chazu/procvm/server"
	"github.com/chazu/procvm/vm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// cli holds the parsed command line.
type cli struct {
	configDir   string
	disassemble bool
	raw         bool
	assemble    bool
	output      string
	verbosity   int
	logPath     string
	stats       bool
	serve       bool
	lsp         bool
	addr        string
	snapshot    string
	resume      string
	journal     string
	image       string

	// Overrides, applied only when set on the command line.
	trace    bool
	countOps bool
	maxSteps int64
	policy   string
	onFault  string
	float    string

	set map[string]bool
}

func parseFlags(args []string, stderr io.Writer) (*cli, error) {
	c := &cli{}
	fs := flag.NewFlagSet("procvm", flag.ContinueOnError)
	fs.SetOutput(stderr)

	fs.StringVar(&c.configDir, "config", ".", "Directory to search upwards for "+manifest.FileName)
	fs.BoolVar(&c.disassemble, "d", false, "Disassemble the image instead of running it")
	fs.BoolVar(&c.raw, "raw", false, "Treat the input as raw code rather than an image")
	fs.BoolVar(&c.assemble, "asm", false, "Treat the input as assembly source")
	fs.StringVar(&c.output, "o", "", "Write the loaded image to this file instead of running it")
	fs.IntVar(&c.verbosity, "v", 0, "Log verbosity (higher is more verbose; 2 shows debug and -trace output)")
	fs.StringVar(&c.logPath, "log", "", "Write logs to this file instead of stderr")
	fs.BoolVar(&c.stats, "stats", false, "Print execution statistics")
	fs.BoolVar(&c.serve, "serve", false, "Start the gRPC runner service")
	fs.BoolVar(&c.lsp, "lsp", false, "Start the assembly language server on stdio")
	fs.StringVar(&c.addr, "addr", "", "Runner service address (used with -serve)")
	fs.StringVar(&c.snapshot, "snapshot", "", "Write the final scheduler state to this file")
	fs.StringVar(&c.resume, "resume", "", "Resume from a snapshot written by -snapshot")
	fs.StringVar(&c.journal, "journal", "", "Record the run in this SQLite journal")
	fs.BoolVar(&c.trace, "trace", false, "Log every instruction (needs -v 2)")
	fs.BoolVar(&c.countOps, "count-ops", false, "Count executions per opcode")
	fs.Int64Var(&c.maxSteps, "max-steps", 0, "Stop after this many instructions (0 = unlimited)")
	fs.StringVar(&c.policy, "policy", "", "Scheduler policy: single or queue")
	fs.StringVar(&c.onFault, "on-fault", "", "Fault policy: abort or terminate-process")
	fs.StringVar(&c.float, "float", "", "Float semantics: bits or numeric")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: procvm [options] [image]\n\n")
		fmt.Fprintf(stderr, "Runs a procvm bytecode image. Settings come from %s, then flags.\n\n", manifest.FileName)
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  procvm prog.pvbc                    # Run an image\n")
		fmt.Fprintf(stderr, "  procvm -d prog.pvbc                 # Disassemble it\n")
		fmt.Fprintf(stderr, "  procvm -asm -o prog.pvbc prog.pvasm # Assemble to an image\n")
		fmt.Fprintf(stderr, "  procvm -stats -count-ops prog.pvbc  # Run and print statistics\n")
		fmt.Fprintf(stderr, "  procvm -policy queue prog.pvbc      # Round-robin waiting processes\n")
		fmt.Fprintf(stderr, "  procvm -snapshot out.cbor prog.pvbc # Save the final state\n")
		fmt.Fprintf(stderr, "\nRunner service:\n")
		fmt.Fprintf(stderr, "  procvm -serve                       # Serve on the configured address\n")
		fmt.Fprintf(stderr, "  procvm -serve -addr :7411 -journal runs.db\n")
		fmt.Fprintf(stderr, "\nEditor support:\n")
		fmt.Fprintf(stderr, "  procvm -lsp                         # Assembly diagnostics over stdio\n")
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return nil, fmt.Errorf("expected at most one image, got %d", fs.NArg())
	}

	if c.lsp && fs.NArg() > 0 {
		return nil, fmt.Errorf("-lsp takes no image")
	}

	c.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { c.set[f.Name] = true })
	if fs.NArg() == 1 {
		c.set["image"] = true
		c.image = fs.Arg(0)
	}
	return c, nil
}

// loadConfig finds procvm.toml and layers the command line over it.
func (c *cli) loadConfig() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(c.configDir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = manifest.Default()
	}

	if c.set["image"] {
		m.Program.Image = c.image
	}
	if c.set["trace"] {
		m.VM.Trace = c.trace
	}
	if c.set["count-ops"] {
		m.VM.CountOps = c.countOps
	}
	if c.set["max-steps"] {
		m.VM.MaxSteps = c.maxSteps
	}
	if c.set["policy"] {
		m.Scheduler.Policy = c.policy
	}
	if c.set["on-fault"] {
		m.Scheduler.OnFault = c.onFault
	}
	if c.set["float"] {
		m.Arith.Float = c.float
	}
	if c.set["v"] {
		m.Log.Verbosity = c.verbosity
	}
	if c.set["log"] {
		m.Log.Path = c.logPath
	}
	if c.set["addr"] {
		m.Server.Address = c.addr
	}
	if c.set["journal"] {
		m.Journal.Path = c.journal
	}
	return m, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	m, err := c.loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	opts, err := m.Options()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	configureLogging(m)

	if c.lsp {
		if err := server.NewLSP().Run(); err != nil {
			fmt.Fprintf(stderr, "LSP error: %v\n", err)
			return 1
		}
		return 0
	}

	var j *journal.Journal
	if m.Journal.Path != "" {
		jpath := m.JournalPath()
		if c.set["journal"] {
			jpath = c.journal
		}
		j, err = journal.Open(jpath)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer j.Close()
	}

	if c.serve {
		return serve(ctx, m, opts, j, stderr)
	}

	// A command-line image is relative to the working directory.
	path := m.ImagePath()
	if c.set["image"] {
		path = c.image
	}
	if path == "" {
		fmt.Fprintf(stderr, "Error: no image given and none configured in %s\n", manifest.FileName)
		return 2
	}

	img, err := loadImage(path, c.raw, c.assemble)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if c.output != "" {
		data, err := img.Serialize()
		if err == nil {
			err = os.WriteFile(c.output, data, 0644)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error writing image: %v\n", err)
			return 1
		}
		return 0
	}

	if c.disassemble {
		fmt.Fprint(stdout, img.Disassemble())
		return 0
	}

	return execute(ctx, c, img.Code, opts, j, stdout, stderr)
}

func configureLogging(m *manifest.Manifest) {
	var path *string
	if m.Log.Path != "" {
		p := m.Resolve(m.Log.Path)
		path = &p
	}
	commonlog.Configure(m.Log.Verbosity, path)
}

// loadImage reads a serialized image, assembles source, or wraps raw
// code in an image.
func loadImage(path string, raw, assemble bool) (*bytecode.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if assemble {
		img, err := asm.Assemble(string(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return img, nil
	}
	if raw {
		return bytecode.NewImage(data), nil
	}
	img, err := bytecode.Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

func newScheduler(c *cli, code []byte, opts vm.Options) (*vm.Scheduler, error) {
	if c.resume == "" {
		return vm.NewScheduler(code, opts), nil
	}
	data, err := os.ReadFile(c.resume)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	snap, err := vm.UnmarshalSnapshot(data)
	if err != nil {
		return nil, err
	}
	return vm.RestoreScheduler(code, snap, opts)
}

func execute(ctx context.Context, c *cli, code []byte, opts vm.Options, j *journal.Journal, stdout, stderr io.Writer) int {
	sched, err := newScheduler(c, code, opts)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	started := time.Now()
	runErr := sched.Run(ctx)
	stats := sched.Stats()

	for _, f := range sched.Faults() {
		fmt.Fprintf(stderr, "Fault: %v\n", f)
	}
	if runErr != nil {
		fmt.Fprintf(stderr, "Error: %v\n", runErr)
	}

	if c.snapshot != "" {
		snap := sched.Snapshot()
		data, err := vm.MarshalSnapshot(&snap)
		if err == nil {
			err = os.WriteFile(c.snapshot, data, 0644)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error writing snapshot: %v\n", err)
			return 1
		}
	}

	if j != nil {
		run := journal.Run{
			ProgramSHA256: journal.ProgramHash(code),
			StartedAt:     started,
			Duration:      stats.Duration,
			Steps:         stats.Steps,
			Processes:     stats.Spawns + 1,
		}
		if runErr != nil {
			run.Fault = runErr.Error()
		}
		id, err := j.Record(ctx, run)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if c.stats {
			fmt.Fprintf(stdout, "Run:        %s\n", id)
		}
	}

	if c.stats {
		printStats(stdout, sched, stats)
	}

	if runErr != nil {
		return 1
	}
	return 0
}

func printStats(w io.Writer, sched *vm.Scheduler, stats vm.Stats) {
	cur := sched.Current()
	fmt.Fprintf(w, "Steps:      %d\n", stats.Steps)
	fmt.Fprintf(w, "Processes:  %d\n", stats.Spawns+1)
	fmt.Fprintf(w, "Switches:   %d\n", stats.Switches)
	fmt.Fprintf(w, "Faults:     %d\n", stats.Faults)
	fmt.Fprintf(w, "Peak stack: %d bytes\n", stats.PeakStackBytes)
	fmt.Fprintf(w, "Peak calls: %d\n", stats.PeakCallDepth)
	fmt.Fprintf(w, "Duration:   %s\n", stats.Duration)
	fmt.Fprintf(w, "Current:    process %d %s at %04X\n", cur.ID(), cur.State(), cur.PC())
	if top := stats.TopOps(10); len(top) > 0 {
		fmt.Fprintf(w, "\nTop opcodes:\n")
		for _, oc := range top {
			fmt.Fprintf(w, "  %-10s %d\n", oc.Name, oc.Count)
		}
	}
}

func serve(ctx context.Context, m *manifest.Manifest, opts vm.Options, j *journal.Journal, stderr io.Writer) int {
	var options []server.ServerOption
	if j != nil {
		options = append(options, server.WithJournal(j))
	}
	srv := server.New(opts, options...)

	go func() {
		<-ctx.Done()
		srv.Stop()
	}()

	if err := srv.ListenAndServe(m.Server.Address); err != nil {
		fmt.Fprintf(stderr, "Server error: %v\n", err)
		return 1
	}
	return 0
}
