package api

import (
	"slices"
	"time"
)

// Status represents the lifecycle state of a single FlowContext.
type Status string

const (
	StatusNew      Status = "NEW"
	StatusReady    Status = "READY"
	StatusRunning  Status = "RUNNING"
	StatusSent     Status = "SENT"
	StatusArchived Status = "ARCHIVED"
	StatusError    Status = "ERROR"
)

var (
	// TerminalStatuses are the statuses a context never leaves.
	TerminalStatuses = []Status{StatusArchived, StatusError}

	// ClaimGuard is the exclusive-status guard used when a processor claims
	// READY contexts. Rows already past READY are skipped.
	ClaimGuard = []Status{StatusRunning, StatusSent, StatusArchived, StatusError}

	// ResumeGuard is the exclusive-status guard used when resuming SENT contexts.
	ResumeGuard = []Status{StatusNew, StatusReady, StatusRunning, StatusArchived, StatusError}
)

// Terminal reports whether s is ARCHIVED or ERROR.
func (s Status) Terminal() bool {
	return slices.Contains(TerminalStatuses, s)
}

// Data is the opaque business payload carried by a context.
type Data map[string]any

// Clone returns a shallow copy of d. Nested values are shared.
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// FlowContext is one datum in transit through a flow graph.
type FlowContext struct {
	ID       string
	TraceID  string
	TransID  string
	StreamID string

	// Position is the id of the node the context currently sits at.
	Position string

	// PrevPosition is the node the context was routed from.
	PrevPosition string

	Status Status

	BatchID   string
	ToBatchID string

	// Sent prevents a parked or asynchronously dispatched context from being
	// pulled again by its node.
	Sent bool

	Data Data
	Meta Meta

	CreateTime time.Time
	UpdateTime time.Time
}

// Meta holds engine-reserved metadata persisted alongside Data.
type Meta struct {
	NodeMetaID string   `json:"nodeMetaId,omitempty"`
	NodeType   NodeType `json:"nodeType,omitempty"`

	// History lists the node ids the context (and its lineage) visited.
	History []string `json:"history,omitempty"`

	Retries  int          `json:"retries,omitempty"`
	RetryLog []RetryEntry `json:"retryLog,omitempty"`

	// Branches is the audit record written by condition nodes.
	Branches []BranchResult `json:"branches,omitempty"`

	Error      *ErrorInfo `json:"error,omitempty"`
	ArchivedAt *time.Time `json:"archivedAt,omitempty"`
}

// RetryEntry records one retry attempt of a context at a node.
type RetryEntry struct {
	NodeID  string    `json:"nodeId"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// BranchResult records the evaluation of one outgoing edge of a condition node.
type BranchResult struct {
	TargetID string    `json:"targetId"`
	Kind     EventKind `json:"kind,omitempty"`
	Rule     string    `json:"rule,omitempty"`
	Matched  bool      `json:"matched"`
	Error    string    `json:"error,omitempty"`
}

// ErrorInfo is the failure payload persisted on an errored context.
type ErrorInfo struct {
	NodeID  string    `json:"nodeId"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
}

// Clone returns a deep-enough copy of c: Data, Meta slices and Meta.Error
// are copied so the clone can be mutated independently.
func (c *FlowContext) Clone() *FlowContext {
	out := *c
	out.Data = c.Data.Clone()
	out.Meta.History = slices.Clone(c.Meta.History)
	out.Meta.RetryLog = slices.Clone(c.Meta.RetryLog)
	out.Meta.Branches = slices.Clone(c.Meta.Branches)
	if c.Meta.Error != nil {
		e := *c.Meta.Error
		out.Meta.Error = &e
	}
	if c.Meta.ArchivedAt != nil {
		t := *c.Meta.ArchivedAt
		out.Meta.ArchivedAt = &t
	}
	return &out
}

// Visit appends nodeID to the context history and stamps the node metadata.
func (c *FlowContext) Visit(nodeID string, typ NodeType) {
	c.Meta.NodeMetaID = nodeID
	c.Meta.NodeType = typ
	if n := len(c.Meta.History); n > 0 && c.Meta.History[n-1] == nodeID {
		return
	}
	c.Meta.History = append(c.Meta.History, nodeID)
}

// ContextIDs returns the ids of ctxs in order.
func ContextIDs(ctxs []*FlowContext) []string {
	ids := make([]string, 0, len(ctxs))
	for _, c := range ctxs {
		ids = append(ids, c.ID)
	}
	return ids
}

// TraceIDs returns the distinct trace ids of ctxs in first-seen order.
func TraceIDs(ctxs []*FlowContext) []string {
	seen := make(map[string]struct{}, len(ctxs))
	var ids []string
	for _, c := range ctxs {
		if _, ok := seen[c.TraceID]; ok {
			continue
		}
		seen[c.TraceID] = struct{}{}
		ids = append(ids, c.TraceID)
	}
	return ids
}

// ContextQuery selects contexts by trace or transaction. TraceID wins when
// both are set.
type ContextQuery struct {
	TraceID string
	TransID string
}

// Page is one page of a paginated context listing.
type Page struct {
	Items []*FlowContext
	Total int
	Page  int
	Limit int
}
