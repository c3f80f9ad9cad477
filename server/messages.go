package server

// RunRequest asks the server to run a program.
type RunRequest struct {
	// Image is a serialized program image, or raw code when Raw is set.
	Image []byte `cbor:"1,keyasint"`
	Raw   bool   `cbor:"2,keyasint,omitempty"`
	// MaxSteps lowers the server's step limit for this run. Zero keeps it.
	MaxSteps int64 `cbor:"3,keyasint,omitempty"`
	// Policy and OnFault override the server's scheduler settings.
	Policy  string `cbor:"4,keyasint,omitempty"`
	OnFault string `cbor:"5,keyasint,omitempty"`
	// Snapshot asks for the final scheduler state in the response.
	Snapshot bool `cbor:"6,keyasint,omitempty"`
	// Source is assembly text, used when Image is empty.
	Source string `cbor:"7,keyasint,omitempty"`
}

// ProcessState summarizes one process.
type ProcessState struct {
	ID         uint64 `cbor:"1,keyasint"`
	State      string `cbor:"2,keyasint"`
	PC         int    `cbor:"3,keyasint"`
	StackBytes int    `cbor:"4,keyasint"`
	CallDepth  int    `cbor:"5,keyasint"`
}

// RunResponse reports the outcome of a run.
type RunResponse struct {
	RunID     string         `cbor:"1,keyasint"`
	Done      bool           `cbor:"2,keyasint"`
	Steps     int64          `cbor:"3,keyasint"`
	Processes int            `cbor:"4,keyasint"`
	Switches  int            `cbor:"5,keyasint"`
	Current   ProcessState   `cbor:"6,keyasint"`
	Waiting   []ProcessState `cbor:"7,keyasint,omitempty"`
	// Fault describes the error that ended the run, if any.
	Fault     string `cbor:"8,keyasint,omitempty"`
	FaultKind string `cbor:"9,keyasint,omitempty"`
	// Faults lists faults absorbed under the terminate-process policy.
	Faults   []string `cbor:"10,keyasint,omitempty"`
	Snapshot []byte   `cbor:"11,keyasint,omitempty"`
}

// DisassembleRequest asks for a listing of a program.
type DisassembleRequest struct {
	Image []byte `cbor:"1,keyasint"`
	Raw   bool   `cbor:"2,keyasint,omitempty"`
	Name  string `cbor:"3,keyasint,omitempty"`
}

// DisassembleResponse carries the listing.
type DisassembleResponse struct {
	Listing string `cbor:"1,keyasint"`
}
