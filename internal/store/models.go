package store

import "time"

// TestStatus is the scheduling state of a link.
type TestStatus string

const (
	TestIdle    TestStatus = "idle"
	TestClaimed TestStatus = "claimed"
	TestTesting TestStatus = "testing"
	TestDone    TestStatus = "done"
	TestFailed  TestStatus = "failed"
)

var testStatusSet = map[TestStatus]struct{}{
	TestIdle:    {},
	TestClaimed: {},
	TestTesting: {},
	TestDone:    {},
	TestFailed:  {},
}

// ParseTestStatus validates a status name.
func ParseTestStatus(value string) (TestStatus, bool) {
	status := TestStatus(value)
	_, ok := testStatusSet[status]
	return status, ok
}

// Leased reports whether the status carries a lease.
func (s TestStatus) Leased() bool {
	return s == TestClaimed || s == TestTesting
}

// Link is one discovered candidate proxy link.
type Link struct {
	ID                  int64
	URL                 string
	Protocol            string
	RepairedURL         string
	OutboundTag         string
	ConfigJSON          string
	ConfigHash          string
	DedupChecked        bool
	IsDuplicate         bool
	DuplicateGroupID    int64 // 0: checked and unique, or not yet checked
	IsInvalid           bool
	ProtocolUnsupported bool
	NeedsReplace        bool
	ParentID            int64
	TestStatus          TestStatus
	TestStartedAt       *time.Time
	LeaseExpiry         *time.Time
	LeaseOwner          string
	BatchID             string
	IsAlive             bool
	LastTestOK          *bool
	LastTestError       string
	LastTestAt          *time.Time
	BoundPort           int
	InboundTag          string
	Egress              Egress
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// LeaseHeld reports whether the link carries an unexpired lease at now.
func (l *Link) LeaseHeld(now time.Time) bool {
	if l == nil || !l.TestStatus.Leased() || l.LeaseExpiry == nil {
		return false
	}
	return l.LeaseExpiry.After(now)
}

// Egress is the exit metadata a prober may report for a live link.
type Egress struct {
	IP         string
	Country    string
	City       string
	Datacenter string
}

// NewLink describes a link to import.
type NewLink struct {
	URL      string
	Protocol string
	ParentID int64
}

// TestResult is the outcome written when a test finishes.
type TestResult struct {
	OK     bool
	Error  string
	Egress Egress
}

// InboundRole distinguishes permanent listeners from per-test listeners.
type InboundRole string

const (
	RolePrimary InboundRole = "primary"
	RoleTest    InboundRole = "test"
)

// Inbound is a listener binding identified by a unique port and tag.
type Inbound struct {
	ID          int64
	Role        InboundRole
	Active      bool
	Port        int
	Tag         string
	LinkID      int64
	OutboundTag string
	Status      string
	LastTestAt  *time.Time
	CreatedAt   time.Time
}

// Summary aggregates link and inbound counts.
type Summary struct {
	Links             int
	PendingConversion int
	Invalid           int
	Unsupported       int
	DedupPending      int
	Primaries         int
	Duplicates        int
	Alive             int
	ByTestStatus      map[TestStatus]int
	InboundsByRole    map[InboundRole]int
}

// DatabaseHealth captures diagnostic information about the database file.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	AppliedVersions  []string
	MissingTables    []string
	IntegrityCheck   bool
	ForeignKeys      bool
	Error            string
}
