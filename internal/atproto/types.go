// Package atproto mirrors one account's repository: record types, the
// in-memory cache, CAR/firehose decoding, and the dispatch table that ties
// a collection name to its decode/upsert/delete behavior.
package atproto

import "time"

// Fact is a claim the daemon holds: a predicate applied to a tuple of
// arguments, optionally weighted, sourced, and superseding an older fact.
type Fact struct {
	Rkey       string    `json:"-"`
	Predicate  string    `json:"predicate"`
	Args       []string  `json:"args"`
	Confidence *float64  `json:"confidence,omitempty"`
	Source     *string   `json:"source,omitempty"`
	Supersedes *string   `json:"supersedes,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// FactDeclaration declares a predicate's shape without asserting any fact.
type FactDeclaration struct {
	Rkey      string    `json:"-"`
	Predicate string    `json:"predicate"`
	Arity     int       `json:"arity"`
	ArgNames  []string  `json:"argNames,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Rule is a named datalog rule: a head applied when every body literal holds.
type Rule struct {
	Rkey        string    `json:"-"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Head        string    `json:"head"`
	Body        []string  `json:"body"`
	Constraints []string  `json:"constraints,omitempty"`
	Enabled     bool      `json:"enabled"`
	Priority    int       `json:"priority"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ThoughtKind tags a Thought's place in the daemon's reasoning stream.
type ThoughtKind string

const (
	// ThoughtInsight is an observation or inference drawn from current state.
	ThoughtInsight ThoughtKind = "insight"
	// ThoughtQuestion is an open question the daemon wants resolved later.
	ThoughtQuestion ThoughtKind = "question"
	// ThoughtPlan is an intended sequence of actions.
	ThoughtPlan ThoughtKind = "plan"
	// ThoughtReflection is a retrospective note on past actions.
	ThoughtReflection ThoughtKind = "reflection"
	// ThoughtError records a failure worth remembering.
	ThoughtError ThoughtKind = "error"
	// ThoughtResponse records a reply produced for a user or trigger.
	ThoughtResponse ThoughtKind = "response"
	// ThoughtToolCall records an invocation of an external tool.
	ThoughtToolCall ThoughtKind = "tool_call"
)

// Thought is one entry in the append-only stream-of-consciousness log.
type Thought struct {
	Rkey       string      `json:"-"`
	Kind       ThoughtKind `json:"kind"`
	Content    string      `json:"content"`
	Trigger    *string     `json:"trigger,omitempty"`
	DurationMs *int64      `json:"durationMs,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// Note is a titled markdown blob, optionally linked to facts it documents.
type Note struct {
	Rkey          string    `json:"-"`
	Title         string    `json:"title"`
	Content       string    `json:"content"`
	Category      *string   `json:"category,omitempty"`
	RelatedFacts  []string  `json:"relatedFacts,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// JobScheduleKind discriminates a Job's schedule variant.
type JobScheduleKind string

const (
	ScheduleOnce     JobScheduleKind = "once"
	ScheduleInterval JobScheduleKind = "interval"
)

// JobSchedule is a tagged union: Once fires at `At`; Interval reschedules
// every `Seconds` after a successful run.
type JobSchedule struct {
	Kind    JobScheduleKind `json:"kind"`
	At      *time.Time      `json:"at,omitempty"`
	Seconds int64           `json:"seconds,omitempty"`
}

// JobStatusKind discriminates a Job's status variant.
type JobStatusKind string

const (
	JobPending     JobStatusKind = "pending"
	JobRunning     JobStatusKind = "running"
	JobCompleted   JobStatusKind = "completed"
	JobFailed      JobStatusKind = "failed"
	JobInterrupted JobStatusKind = "interrupted"
)

// JobStatus carries the failure detail when Kind is JobFailed.
type JobStatus struct {
	Kind  JobStatusKind `json:"kind"`
	Error string        `json:"error,omitempty"`
}

// Job is a scheduled instruction the scheduler executes on its owner's behalf.
type Job struct {
	Rkey         string      `json:"-"`
	Name         string      `json:"name"`
	Instructions string      `json:"instructions"`
	Schedule     JobSchedule `json:"schedule"`
	Status       JobStatus   `json:"status"`
	LastRun      *time.Time  `json:"lastRun,omitempty"`
	NextRun      *time.Time  `json:"nextRun,omitempty"`
	FailureCount int         `json:"failureCount"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Directive is one fragment of the daemon's operator-set identity: a value,
// interest, belief, or similar, optionally superseding an older fragment.
type Directive struct {
	Rkey       string    `json:"-"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content"`
	Supersedes *string   `json:"supersedes,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ActionKind discriminates a TriggerAction variant.
type ActionKind string

const (
	ActionCreateFact       ActionKind = "create_fact"
	ActionCreateInboxItem  ActionKind = "create_inbox_item"
	ActionDeleteFact       ActionKind = "delete_fact"
)

// TriggerAction is a tagged union of the effects a firing trigger may cause.
// Fields are template strings; `$0`, `$1`, … are substituted from the
// matched result tuple before dispatch.
type TriggerAction struct {
	Kind      ActionKind `json:"kind"`
	Predicate string     `json:"predicate,omitempty"`
	Args      []string   `json:"args,omitempty"`
	Tags      []string   `json:"tags,omitempty"`
	Message   string     `json:"message,omitempty"`
	Rkey      string     `json:"rkey,omitempty"`
}

// Trigger evaluates its condition every cycle and fires Action for every
// result tuple newly satisfying it since the previous cycle.
type Trigger struct {
	Rkey            string        `json:"-"`
	Name            string        `json:"name"`
	Description     string        `json:"description,omitempty"`
	Condition       string        `json:"condition"`
	ConditionRules  []string      `json:"conditionRules,omitempty"`
	Action          TriggerAction `json:"action"`
	Enabled         bool          `json:"enabled"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// CustomTool declares a tool the (out-of-scope) sandbox may expose.
type CustomTool struct {
	Rkey              string    `json:"-"`
	Name              string    `json:"name"`
	Description       string    `json:"description,omitempty"`
	Schema            string    `json:"schema,omitempty"`
	ImplementationRef string    `json:"implementationRef,omitempty"`
	Enabled           bool      `json:"enabled"`
	CreatedAt         time.Time `json:"createdAt"`
}

// ToolApproval grants (or, once expired, revokes) permission to use a tool.
type ToolApproval struct {
	Rkey       string     `json:"-"`
	ToolName   string     `json:"toolName"`
	Scope      string     `json:"scope"`
	GrantedBy  string     `json:"grantedBy"`
	GrantedAt  time.Time  `json:"grantedAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

// Identity is the daemon's singleton self-description; rkey is always "self".
type Identity struct {
	OperatorDID     string    `json:"operatorDid"`
	Values          []string  `json:"values,omitempty"`
	Interests       []string  `json:"interests,omitempty"`
	SelfDescription string    `json:"selfDescription,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastUpdatedAt   time.Time `json:"lastUpdatedAt"`
}

// DaemonState is the singleton record of external cursor positions; rkey is
// always "self".
type DaemonState struct {
	NotificationCursor *string   `json:"notificationCursor,omitempty"`
	DMCursor           *string   `json:"dmCursor,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
}

// Post mirrors a bsky feed post; only fields the trigger/datalog layer cares
// about are kept.
type Post struct {
	Rkey      string    `json:"-"`
	Text      string    `json:"text"`
	ReplyTo   *string   `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Follow mirrors a bsky graph follow record: the repository's owner follows
// Subject.
type Follow struct {
	Rkey      string    `json:"-"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}

// Like mirrors a bsky feed like of SubjectURI/SubjectCID.
type Like struct {
	Rkey        string    `json:"-"`
	SubjectURI  string    `json:"subjectUri"`
	SubjectCID  string    `json:"subjectCid"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Repost mirrors a bsky feed repost of SubjectURI/SubjectCID.
type Repost struct {
	Rkey        string    `json:"-"`
	SubjectURI  string    `json:"subjectUri"`
	SubjectCID  string    `json:"subjectCid"`
	CreatedAt   time.Time `json:"createdAt"`
}

// BlogEntry mirrors a WhiteWind blog entry (com.whtwnd.blog.entry); kept
// verbatim for display, never decomposed into facts.
type BlogEntry struct {
	Rkey      string    `json:"-"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	Theme     *string   `json:"theme,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
