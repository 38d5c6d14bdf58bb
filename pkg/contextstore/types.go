// Package contextstore defines the durable model behind analysis sessions:
// user and anonymous contexts, analysis sessions with their query history,
// and recoverable context-state snapshot lineages. The Store interface is
// implemented in memory here and by the postgres and redis sub-packages.
package contextstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"time"
)

// AnonymousUserID is the user identifier carried by anonymous contexts.
const AnonymousUserID = "anonymous"

// Domain is one of the fixed business areas that permissions and data
// access are scoped to.
type Domain string

// Business domains.
const (
	DomainClinical        Domain = "clinical"
	DomainFinancial       Domain = "financial"
	DomainOperational     Domain = "operational"
	DomainCustomerService Domain = "customer-service"
)

// AllDomains lists every domain in canonical order.
var AllDomains = []Domain{DomainClinical, DomainFinancial, DomainOperational, DomainCustomerService}

// Valid reports whether d is a known domain.
func (d Domain) Valid() bool {
	return slices.Contains(AllDomains, d)
}

// ContextStatus is the lifecycle status of a UserContext.
type ContextStatus string

// Context statuses.
const (
	ContextActive    ContextStatus = "active"
	ContextPaused    ContextStatus = "paused"
	ContextCompleted ContextStatus = "completed"
	ContextFailed    ContextStatus = "failed"
	ContextDegraded  ContextStatus = "degraded"
)

// SessionStatus is the lifecycle status of an AnalysisSession.
type SessionStatus string

// Session statuses.
const (
	SessionInitiated  SessionStatus = "initiated"
	SessionActive     SessionStatus = "active"
	SessionWaiting    SessionStatus = "waiting"
	SessionProcessing SessionStatus = "processing"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
)

// Terminal reports whether no operation can move the session out of s.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// DomainPermission holds the access flags for a single domain.
type DomainPermission struct {
	Read   bool `json:"read" yaml:"read"`
	Query  bool `json:"query" yaml:"query"`
	Export bool `json:"export" yaml:"export"`
}

// Permissions is the per-domain permission matrix.
type Permissions struct {
	Clinical        DomainPermission `json:"clinical" yaml:"clinical"`
	Financial       DomainPermission `json:"financial" yaml:"financial"`
	Operational     DomainPermission `json:"operational" yaml:"operational"`
	CustomerService DomainPermission `json:"customer_service" yaml:"customer_service"`
}

// For returns the permission flags for d. Unknown domains get no access.
func (p Permissions) For(d Domain) DomainPermission {
	switch d {
	case DomainClinical:
		return p.Clinical
	case DomainFinancial:
		return p.Financial
	case DomainOperational:
		return p.Operational
	case DomainCustomerService:
		return p.CustomerService
	default:
		return DomainPermission{}
	}
}

// AnonymousPermissions is the restricted matrix given to anonymous contexts:
// read-only operational and customer-service data, nothing clinical or financial.
func AnonymousPermissions() Permissions {
	return Permissions{
		Operational:     DomainPermission{Read: true},
		CustomerService: DomainPermission{Read: true},
	}
}

// Preferences are the presentation preferences of a context.
type Preferences struct {
	Visualization string `json:"visualization"`
	Timezone      string `json:"timezone"`
	Language      string `json:"language"`
	Theme         string `json:"theme"`
}

// DefaultPreferences returns the preferences used for synthesized contexts.
func DefaultPreferences() Preferences {
	return Preferences{
		Visualization: "charts",
		Timezone:      "UTC",
		Language:      "en",
		Theme:         "light",
	}
}

// UserContext is the access envelope of one authenticated or anonymous
// actor for a session. TokenExpiry is always set; anonymous contexts use
// the session TTL in its place.
type UserContext struct {
	UserID          string        `json:"user_id"`
	SessionID       string        `json:"session_id"`
	RoleID          string        `json:"role_id"`
	DepartmentScope []string      `json:"department_scope"`
	Permissions     Permissions   `json:"permissions"`
	Preferences     Preferences   `json:"preferences"`
	LastActivity    time.Time     `json:"last_activity"`
	TokenExpiry     time.Time     `json:"token_expiry"`
	IsAnonymous     bool          `json:"is_anonymous"`
	Status          ContextStatus `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Expired reports whether the token (or anonymous session TTL) has passed at now.
func (uc *UserContext) Expired(now time.Time) bool {
	return !now.Before(uc.TokenExpiry)
}

// Clone returns a deep copy of uc.
func (uc *UserContext) Clone() *UserContext {
	if uc == nil {
		return nil
	}
	out := *uc
	out.DepartmentScope = slices.Clone(uc.DepartmentScope)
	return &out
}

// NewAnonymousContext synthesizes an anonymous context for sessionID that
// expires at expiry.
func NewAnonymousContext(sessionID string, now, expiry time.Time, perms Permissions) *UserContext {
	return &UserContext{
		UserID:          AnonymousUserID,
		SessionID:       sessionID,
		RoleID:          AnonymousUserID,
		DepartmentScope: []string{},
		Permissions:     perms,
		Preferences:     DefaultPreferences(),
		LastActivity:    now,
		TokenExpiry:     expiry,
		IsAnonymous:     true,
		Status:          ContextActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// QueryMetadata describes a query appended to a session's history.
type QueryMetadata struct {
	Domains []Domain       `json:"domains,omitempty"`
	Agent   string         `json:"agent,omitempty"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// QueryRecord is one entry of a session's query history.
type QueryRecord struct {
	ID        string         `json:"id"`
	Query     string         `json:"query"`
	Response  string         `json:"response,omitempty"`
	Metadata  *QueryMetadata `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AnalysisSession is one ongoing conversational analysis. QueryHistory is
// bounded and DomainAccess only grows during the session's life.
type AnalysisSession struct {
	SessionID     string         `json:"session_id"`
	UserID        string         `json:"user_id"`
	StartTime     time.Time      `json:"start_time"`
	LastQueryTime time.Time      `json:"last_query_time"`
	QueryHistory  []QueryRecord  `json:"query_history"`
	ContextState  map[string]any `json:"context_state"`
	DomainAccess  []Domain       `json:"domain_access"`
	Status        SessionStatus  `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *AnalysisSession) Clone() *AnalysisSession {
	if s == nil {
		return nil
	}
	out := *s
	out.QueryHistory = slices.Clone(s.QueryHistory)
	out.ContextState = CloneState(s.ContextState)
	out.DomainAccess = slices.Clone(s.DomainAccess)
	return &out
}

// AppendQuery adds rec to the history, evicting the oldest entries so that
// no more than limit remain. A non-positive limit disables the cap.
func (s *AnalysisSession) AppendQuery(rec QueryRecord, limit int) {
	s.QueryHistory = append(s.QueryHistory, rec)
	if limit > 0 && len(s.QueryHistory) > limit {
		s.QueryHistory = slices.Clone(s.QueryHistory[len(s.QueryHistory)-limit:])
	}
}

// MergeDomains unions domains into DomainAccess, preserving first-seen
// order. It returns the domains that were newly added.
func MergeDomains(existing, domains []Domain) (merged, added []Domain) {
	merged = slices.Clone(existing)
	for _, d := range domains {
		if d == "" || slices.Contains(merged, d) {
			continue
		}
		merged = append(merged, d)
		added = append(added, d)
	}
	return merged, added
}

// Snapshot is one entry of a context-state history stack. Entries are never
// modified after they are pushed.
type Snapshot struct {
	Timestamp time.Time      `json:"timestamp"`
	State     map[string]any `json:"state"`
	Valid     bool           `json:"valid"`
	Checksum  string         `json:"checksum,omitempty"`
}

// NewSnapshot captures state at ts with a checksum of its canonical JSON.
func NewSnapshot(ts time.Time, state map[string]any, valid bool) Snapshot {
	copied := CloneState(state)
	return Snapshot{
		Timestamp: ts,
		State:     copied,
		Valid:     valid,
		Checksum:  Checksum(copied),
	}
}

// Verified reports whether the snapshot is flagged valid and, when it has a
// checksum, whether the checksum still matches its state.
func (s Snapshot) Verified() bool {
	if !s.Valid {
		return false
	}
	return s.Checksum == "" || s.Checksum == Checksum(s.State)
}

// ContextState is the recoverable snapshot lineage of one session.
type ContextState struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	StateData    map[string]any `json:"state_data"`
	HistoryStack []Snapshot     `json:"history_stack"`
	LastUpdate   time.Time      `json:"last_update"`
	IsCorrupted  bool           `json:"is_corrupted"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy of cs.
func (cs *ContextState) Clone() *ContextState {
	if cs == nil {
		return nil
	}
	out := *cs
	out.StateData = CloneState(cs.StateData)
	out.HistoryStack = make([]Snapshot, len(cs.HistoryStack))
	for i, snap := range cs.HistoryStack {
		snap.State = CloneState(snap.State)
		out.HistoryStack[i] = snap
	}
	return &out
}

// RecoveryData is what a store can offer to rebuild a session: the last
// snapshot that is still trustworthy plus which top-level state keys
// survive in it and which are lost.
type RecoveryData struct {
	SessionID           string         `json:"session_id"`
	LastValidState      map[string]any `json:"last_valid_state,omitempty"`
	LastValidAt         time.Time      `json:"last_valid_at"`
	EarliestSnapshotAt  time.Time      `json:"earliest_snapshot_at"`
	RecoverableElements []string       `json:"recoverable_elements"`
	MissingElements     []string       `json:"missing_elements"`
}

// BuildRecoveryData derives RecoveryData from a stored lineage. A nil cs
// yields data without a last valid state.
func BuildRecoveryData(sessionID string, cs *ContextState) *RecoveryData {
	data := &RecoveryData{
		SessionID:           sessionID,
		RecoverableElements: []string{},
		MissingElements:     []string{},
	}
	if cs == nil {
		data.MissingElements = append(data.MissingElements, "context_state")
		return data
	}

	for _, snap := range cs.HistoryStack {
		if snap.Verified() {
			data.EarliestSnapshotAt = snap.Timestamp
			break
		}
	}
	for i := len(cs.HistoryStack) - 1; i >= 0; i-- {
		snap := cs.HistoryStack[i]
		if !snap.Verified() {
			continue
		}
		data.LastValidState = CloneState(snap.State)
		data.LastValidAt = snap.Timestamp
		break
	}

	for _, key := range sortedKeys(cs.StateData) {
		if _, ok := data.LastValidState[key]; ok {
			data.RecoverableElements = append(data.RecoverableElements, key)
		} else {
			data.MissingElements = append(data.MissingElements, key)
		}
	}
	for _, key := range sortedKeys(data.LastValidState) {
		if _, ok := cs.StateData[key]; !ok {
			data.RecoverableElements = append(data.RecoverableElements, key)
		}
	}
	return data
}

// PushSnapshots appends incoming snapshots to a lineage, keeping at most
// limit entries. When incoming is empty a snapshot of state is recorded.
func PushSnapshots(stack, incoming []Snapshot, state map[string]any, ts time.Time, valid bool, limit int) []Snapshot {
	if len(incoming) == 0 {
		incoming = []Snapshot{NewSnapshot(ts, state, valid)}
	}
	stack = append(slices.Clone(stack), incoming...)
	if limit > 0 && len(stack) > limit {
		stack = slices.Clone(stack[len(stack)-limit:])
	}
	return stack
}

// CleanupResult summarizes a durable expired-session sweep.
type CleanupResult struct {
	Cleaned    int
	SessionIDs []string
	Errors     []error
}

// Checksum returns the hex SHA-256 of the canonical JSON encoding of state.
// encoding/json sorts map keys, which makes the encoding stable.
func Checksum(state map[string]any) string {
	data, err := canonicalJSON(state)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalJSON encodes state as it reads back from a JSON store: typed
// values become plain objects and numbers become float64.
func canonicalJSON(state map[string]any) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	var plain any
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, err
	}
	return json.Marshal(plain)
}

// CloneState deep-copies nested maps and slices of a free-form state map.
func CloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneState(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
