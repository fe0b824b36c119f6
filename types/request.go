package types

import (
	"fmt"
	"time"
)

// RequestType selects how the test filter is interpreted.
type RequestType string

const (
	RequestTypeAll      RequestType = "all"
	RequestTypeClass    RequestType = "class"
	RequestTypeMethod   RequestType = "method"
	RequestTypeCategory RequestType = "category"
)

// IsValid reports whether the request type is one of the known values.
func (t RequestType) IsValid() bool {
	switch t {
	case RequestTypeAll, RequestTypeClass, RequestTypeMethod, RequestTypeCategory:
		return true
	}
	return false
}

// Platform identifies which editor execution context runs the tests.
// EditMode and PlayMode have different threading rules; only one can be
// active at a time, so Both means two sequential runs.
type Platform string

const (
	PlatformEditMode Platform = "EditMode"
	PlatformPlayMode Platform = "PlayMode"
	PlatformBoth     Platform = "Both"
)

// IsValid reports whether the platform is one of the known values.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformEditMode, PlatformPlayMode, PlatformBoth:
		return true
	}
	return false
}

// Expand returns the concrete execution contexts for a platform, in the
// order they must run.
func (p Platform) Expand() []Platform {
	if p == PlatformBoth {
		return []Platform{PlatformEditMode, PlatformPlayMode}
	}
	return []Platform{p}
}

// RequestStatus is the lifecycle state of a test or refresh request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusRunning   RequestStatus = "running"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo enforces the monotonic state machine:
// pending -> running -> {completed, failed, cancelled}.
// Cancellation is additionally allowed straight from pending.
func (s RequestStatus) CanTransitionTo(next RequestStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// ImportOptions selects how the asset importer performs a refresh pass.
type ImportOptions string

const (
	ImportDefault     ImportOptions = "default"
	ImportSynchronous ImportOptions = "synchronous"
	ImportForceUpdate ImportOptions = "force_update"
)

// IsValid reports whether the import options value is known.
func (o ImportOptions) IsValid() bool {
	switch o {
	case ImportDefault, ImportSynchronous, ImportForceUpdate:
		return true
	}
	return false
}

// RefreshType selects the scope of an asset refresh.
type RefreshType string

const (
	RefreshFull      RefreshType = "full"
	RefreshSelective RefreshType = "selective"
)

// RefreshOutcome distinguishes what actually happened during an import
// pass. The host reports "nothing needed importing" and "import finished"
// separately; Unconfirmed means the pass was issued but the host never
// signalled completion.
type RefreshOutcome string

const (
	RefreshNoOp        RefreshOutcome = "no-op"
	RefreshCompleted   RefreshOutcome = "completed"
	RefreshUnconfirmed RefreshOutcome = "unconfirmed"
)

// TestRequest represents one requested test run, as persisted in the
// test_requests table.
type TestRequest struct {
	ID          int64
	RequestType RequestType
	TestFilter  string
	Platform    Platform
	Status      RequestStatus
	Priority    int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ResultSummary string
	ErrorMessage  string

	TotalTests      int
	PassedTests     int
	FailedTests     int
	SkippedTests    int
	DurationSeconds float64
}

// NewTestRequest carries the driver-supplied fields for an enqueue.
type NewTestRequest struct {
	RequestType RequestType
	TestFilter  string
	Platform    Platform
	Priority    int
}

// Validate checks the enqueue payload against the schema constraints.
func (r NewTestRequest) Validate() error {
	if !r.RequestType.IsValid() {
		return fmt.Errorf("invalid request type %q", r.RequestType)
	}
	if !r.Platform.IsValid() {
		return fmt.Errorf("invalid test platform %q", r.Platform)
	}
	if r.RequestType != RequestTypeAll && r.TestFilter == "" {
		return fmt.Errorf("request type %q requires a test filter", r.RequestType)
	}
	return nil
}

// RefreshRequest represents one requested asset-import pass, as persisted
// in the asset_refresh_requests table. Paths holds the raw JSON array from
// the driver; it is parsed at execution time so that malformed payloads can
// degrade to a full refresh instead of failing the enqueue.
type RefreshRequest struct {
	ID            int64
	RefreshType   RefreshType
	Paths         string
	ImportOptions ImportOptions
	Status        RequestStatus
	Priority      int
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time

	DurationSeconds float64
	ResultMessage   string
	ErrorMessage    string
}

// NewRefreshRequest carries the driver-supplied fields for an enqueue.
type NewRefreshRequest struct {
	RefreshType   RefreshType
	Paths         []string
	ImportOptions ImportOptions
	Priority      int
}

// Validate checks the enqueue payload against the schema constraints.
func (r NewRefreshRequest) Validate() error {
	switch r.RefreshType {
	case RefreshFull, RefreshSelective:
	default:
		return fmt.Errorf("invalid refresh type %q", r.RefreshType)
	}
	if !r.ImportOptions.IsValid() {
		return fmt.Errorf("invalid import options %q", r.ImportOptions)
	}
	return nil
}
