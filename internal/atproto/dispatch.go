package atproto

import "fmt"

// Collection names, all under the daemon's own NSID prefix except the four
// upstream social-graph collections and the supplemented blog collection.
const (
	CollectionFact            = "diy.razorgirl.winter.fact"
	CollectionRule            = "diy.razorgirl.winter.rule"
	CollectionThought         = "diy.razorgirl.winter.thought"
	CollectionNote            = "diy.razorgirl.winter.note"
	CollectionJob             = "diy.razorgirl.winter.job"
	CollectionDirective       = "diy.razorgirl.winter.directive"
	CollectionFactDeclaration = "diy.razorgirl.winter.factDeclaration"
	CollectionTrigger         = "diy.razorgirl.winter.trigger"
	CollectionCustomTool      = "diy.razorgirl.winter.tool"
	CollectionToolApproval    = "diy.razorgirl.winter.toolApproval"
	CollectionIdentity        = "diy.razorgirl.winter.identity"
	CollectionState           = "diy.razorgirl.winter.state"

	CollectionPost      = "app.bsky.feed.post"
	CollectionFollow    = "app.bsky.graph.follow"
	CollectionLike      = "app.bsky.feed.like"
	CollectionRepost    = "app.bsky.feed.repost"
	CollectionBlogEntry = "com.whtwnd.blog.entry"
)

// collectionHandler bundles the create-or-update and delete behavior for one
// tracked collection. Building this table is the Go analogue of the
// original's generative dispatch macro: adding a collection is one entry
// here, not a new switch arm scattered across the codebase.
type collectionHandler struct {
	upsert func(c *RepoCache, rkey, cid string, data []byte) error
	delete func(c *RepoCache, rkey string)
}

var dispatchTable = map[string]collectionHandler{
	CollectionFact: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			f, err := decodeFact(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertFact(rkey, f, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteFact(rkey) },
	},
	CollectionRule: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			r, err := decodeRule(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertRule(rkey, r, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteRule(rkey) },
	},
	CollectionThought: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			t, err := decodeThought(rkey, data)
			if err != nil {
				return err
			}
			c.InsertThought(rkey, t, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteThought(rkey) },
	},
	CollectionNote: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			n, err := decodeNote(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertNote(rkey, n, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteNote(rkey) },
	},
	CollectionJob: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			j, err := decodeJob(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertJob(rkey, j, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteJob(rkey) },
	},
	CollectionDirective: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			d, err := decodeDirective(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertDirective(rkey, d, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteDirective(rkey) },
	},
	CollectionFactDeclaration: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			d, err := decodeFactDeclaration(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertFactDeclaration(rkey, d, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteFactDeclaration(rkey) },
	},
	CollectionTrigger: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			t, err := decodeTrigger(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertTrigger(rkey, t, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteTrigger(rkey) },
	},
	CollectionCustomTool: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			t, err := decodeCustomTool(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertCustomTool(rkey, t, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteCustomTool(rkey) },
	},
	CollectionToolApproval: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			t, err := decodeToolApproval(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertToolApproval(rkey, t, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteToolApproval(rkey) },
	},
	CollectionIdentity: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			id, err := decodeIdentity(data)
			if err != nil {
				return err
			}
			c.SetIdentity(id)
			return nil
		},
		delete: func(c *RepoCache, rkey string) {}, // singletons are never deleted
	},
	CollectionState: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			st, err := decodeDaemonState(data)
			if err != nil {
				return err
			}
			c.SetState(st)
			return nil
		},
		delete: func(c *RepoCache, rkey string) {},
	},
	CollectionPost: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			p, err := decodePost(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertPost(rkey, p, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeletePost(rkey) },
	},
	CollectionFollow: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			f, err := decodeFollow(rkey, data)
			if err != nil {
				return err
			}
			c.InsertFollow(rkey, f, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteFollow(rkey) },
	},
	CollectionLike: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			l, err := decodeLike(rkey, data)
			if err != nil {
				return err
			}
			c.InsertLike(rkey, l, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteLike(rkey) },
	},
	CollectionRepost: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			r, err := decodeRepost(rkey, data)
			if err != nil {
				return err
			}
			c.InsertRepost(rkey, r, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteRepost(rkey) },
	},
	CollectionBlogEntry: {
		upsert: func(c *RepoCache, rkey, cid string, data []byte) error {
			b, err := decodeBlogEntry(rkey, data)
			if err != nil {
				return err
			}
			c.UpsertBlogEntry(rkey, b, cid)
			return nil
		},
		delete: func(c *RepoCache, rkey string) { c.DeleteBlogEntry(rkey) },
	},
}

// IsTrackedCollection reports whether collection has a dispatch entry.
// Unknown collections are silently ignored by the snapshot and firehose
// paths (§6.3).
func IsTrackedCollection(collection string) bool {
	_, ok := dispatchTable[collection]
	return ok
}

// DispatchCreateOrUpdate decodes data and applies it to the cache under
// collection/rkey. It returns nil for an unknown collection (the caller
// should simply skip the record) and a *DecodeError if data fails to decode
// — the caller must isolate that to this one record and continue (§7).
func DispatchCreateOrUpdate(c *RepoCache, collection, rkey, cid string, data []byte) error {
	h, ok := dispatchTable[collection]
	if !ok {
		return nil
	}
	if err := h.upsert(c, rkey, cid, data); err != nil {
		return &DecodeError{Collection: collection, Rkey: rkey, Err: err}
	}
	return nil
}

// DispatchDelete removes collection/rkey from the cache. Unknown collections
// and the Identity/State singletons are no-ops.
func DispatchDelete(c *RepoCache, collection, rkey string) {
	h, ok := dispatchTable[collection]
	if !ok {
		return
	}
	h.delete(c, rkey)
}

func decodeFact(rkey string, data []byte) (Fact, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Fact{}, err
	}
	var confidence *float64
	if v, ok := getNumericAsFloat(m, "confidence"); ok {
		confidence = &v
	}
	return Fact{
		Rkey:       rkey,
		Predicate:  getString(m, "predicate"),
		Args:       getStringSlice(m, "args"),
		Confidence: confidence,
		Source:     getOptString(m, "source"),
		Supersedes: getOptString(m, "supersedes"),
		Tags:       getStringSlice(m, "tags"),
		CreatedAt:  getTime(m, "createdAt"),
		ExpiresAt:  getOptTime(m, "expiresAt"),
	}, nil
}

func decodeRule(rkey string, data []byte) (Rule, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		Rkey:        rkey,
		Name:        getString(m, "name"),
		Description: getString(m, "description"),
		Head:        getString(m, "head"),
		Body:        getStringSlice(m, "body"),
		Constraints: getStringSlice(m, "constraints"),
		Enabled:     getBool(m, "enabled", true),
		Priority:    getIntOrDefault(m, "priority", 0),
		CreatedAt:   getTime(m, "createdAt"),
	}, nil
}

func decodeThought(rkey string, data []byte) (Thought, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Thought{}, err
	}
	kind, err := normalizeThoughtKind(getString(m, "kind"))
	if err != nil {
		return Thought{}, err
	}
	return Thought{
		Rkey:       rkey,
		Kind:       kind,
		Content:    getString(m, "content"),
		Trigger:    getOptString(m, "trigger"),
		DurationMs: getOptInt64(m, "durationMs"),
		CreatedAt:  getTime(m, "createdAt"),
	}, nil
}

// normalizeThoughtKind accepts the original's documented aliases for
// "insight": "observation" and "inference" both mean the same kind.
func normalizeThoughtKind(s string) (ThoughtKind, error) {
	switch s {
	case "insight", "observation", "inference":
		return ThoughtInsight, nil
	case "question":
		return ThoughtQuestion, nil
	case "plan":
		return ThoughtPlan, nil
	case "reflection":
		return ThoughtReflection, nil
	case "error":
		return ThoughtError, nil
	case "response":
		return ThoughtResponse, nil
	case "tool_call", "toolCall":
		return ThoughtToolCall, nil
	default:
		return "", fmt.Errorf("unknown thought kind %q", s)
	}
}

func decodeNote(rkey string, data []byte) (Note, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Note{}, err
	}
	return Note{
		Rkey:          rkey,
		Title:         getString(m, "title"),
		Content:       getString(m, "content"),
		Category:      getOptString(m, "category"),
		RelatedFacts:  getStringSlice(m, "relatedFacts"),
		Tags:          getStringSlice(m, "tags"),
		CreatedAt:     getTime(m, "createdAt"),
		LastUpdatedAt: getTime(m, "lastUpdatedAt"),
	}, nil
}

func decodeJob(rkey string, data []byte) (Job, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Job{}, err
	}
	schedule, err := decodeJobSchedule(m["schedule"])
	if err != nil {
		return Job{}, err
	}
	status, err := decodeJobStatus(m["status"])
	if err != nil {
		return Job{}, err
	}
	return Job{
		Rkey:         rkey,
		Name:         getString(m, "name"),
		Instructions: getString(m, "instructions"),
		Schedule:     schedule,
		Status:       status,
		LastRun:      getOptTime(m, "lastRun"),
		NextRun:      getOptTime(m, "nextRun"),
		FailureCount: getIntOrDefault(m, "failureCount", 0),
		CreatedAt:    getTime(m, "createdAt"),
	}, nil
}

func decodeJobSchedule(raw interface{}) (JobSchedule, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return JobSchedule{}, fmt.Errorf("job schedule: expected map, got %T", raw)
	}
	switch getString(m, "kind") {
	case "once":
		return JobSchedule{Kind: ScheduleOnce, At: getOptTime(m, "at")}, nil
	case "interval":
		return JobSchedule{Kind: ScheduleInterval, Seconds: getInt64OrDefault(m, "seconds", 0)}, nil
	default:
		return JobSchedule{}, fmt.Errorf("job schedule: unknown kind %q", getString(m, "kind"))
	}
}

func decodeJobStatus(raw interface{}) (JobStatus, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return JobStatus{Kind: JobPending}, nil
	}
	switch getString(m, "kind") {
	case "", "pending":
		return JobStatus{Kind: JobPending}, nil
	case "running":
		return JobStatus{Kind: JobRunning}, nil
	case "completed":
		return JobStatus{Kind: JobCompleted}, nil
	case "failed":
		return JobStatus{Kind: JobFailed, Error: getString(m, "error")}, nil
	case "interrupted":
		return JobStatus{Kind: JobInterrupted}, nil
	default:
		return JobStatus{}, fmt.Errorf("job status: unknown kind %q", getString(m, "kind"))
	}
}

func decodeDirective(rkey string, data []byte) (Directive, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Directive{}, err
	}
	return Directive{
		Rkey:       rkey,
		Kind:       getString(m, "kind"),
		Content:    getString(m, "content"),
		Supersedes: getOptString(m, "supersedes"),
		CreatedAt:  getTime(m, "createdAt"),
	}, nil
}

func decodeFactDeclaration(rkey string, data []byte) (FactDeclaration, error) {
	m, err := decodeMap(data)
	if err != nil {
		return FactDeclaration{}, err
	}
	return FactDeclaration{
		Rkey:      rkey,
		Predicate: getString(m, "predicate"),
		Arity:     getIntOrDefault(m, "arity", 0),
		ArgNames:  getStringSlice(m, "argNames"),
		CreatedAt: getTime(m, "createdAt"),
	}, nil
}

func decodeTrigger(rkey string, data []byte) (Trigger, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Trigger{}, err
	}
	action, err := decodeTriggerAction(m["action"])
	if err != nil {
		return Trigger{}, err
	}
	return Trigger{
		Rkey:           rkey,
		Name:           getString(m, "name"),
		Description:    getString(m, "description"),
		Condition:      getString(m, "condition"),
		ConditionRules: getStringSlice(m, "conditionRules"),
		Action:         action,
		Enabled:        getBool(m, "enabled", true),
		CreatedAt:      getTime(m, "createdAt"),
	}, nil
}

func decodeTriggerAction(raw interface{}) (TriggerAction, error) {
	m, ok := raw.(map[string]interface{})
	if !ok {
		return TriggerAction{}, fmt.Errorf("trigger action: expected map, got %T", raw)
	}
	switch getString(m, "kind") {
	case "create_fact", "createFact":
		return TriggerAction{
			Kind:      ActionCreateFact,
			Predicate: getString(m, "predicate"),
			Args:      getStringSlice(m, "args"),
			Tags:      getStringSlice(m, "tags"),
		}, nil
	case "create_inbox_item", "createInboxItem":
		return TriggerAction{Kind: ActionCreateInboxItem, Message: getString(m, "message")}, nil
	case "delete_fact", "deleteFact":
		return TriggerAction{Kind: ActionDeleteFact, Rkey: getString(m, "rkey")}, nil
	default:
		return TriggerAction{}, fmt.Errorf("trigger action: unknown kind %q", getString(m, "kind"))
	}
}

func decodeCustomTool(rkey string, data []byte) (CustomTool, error) {
	m, err := decodeMap(data)
	if err != nil {
		return CustomTool{}, err
	}
	return CustomTool{
		Rkey:              rkey,
		Name:              getString(m, "name"),
		Description:       getString(m, "description"),
		Schema:            getString(m, "schema"),
		ImplementationRef: getString(m, "implementationRef"),
		Enabled:           getBool(m, "enabled", true),
		CreatedAt:         getTime(m, "createdAt"),
	}, nil
}

func decodeToolApproval(rkey string, data []byte) (ToolApproval, error) {
	m, err := decodeMap(data)
	if err != nil {
		return ToolApproval{}, err
	}
	return ToolApproval{
		Rkey:      rkey,
		ToolName:  getString(m, "toolName"),
		Scope:     getString(m, "scope"),
		GrantedBy: getString(m, "grantedBy"),
		GrantedAt: getTime(m, "grantedAt"),
		ExpiresAt: getOptTime(m, "expiresAt"),
	}, nil
}

func decodeIdentity(data []byte) (Identity, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		OperatorDID:     getString(m, "operatorDid"),
		Values:          getStringSlice(m, "values"),
		Interests:       getStringSlice(m, "interests"),
		SelfDescription: getString(m, "selfDescription"),
		CreatedAt:       getTime(m, "createdAt"),
		LastUpdatedAt:   getTime(m, "lastUpdatedAt"),
	}, nil
}

func decodeDaemonState(data []byte) (DaemonState, error) {
	m, err := decodeMap(data)
	if err != nil {
		return DaemonState{}, err
	}
	return DaemonState{
		NotificationCursor: getOptString(m, "notificationCursor"),
		DMCursor:           getOptString(m, "dmCursor"),
		CreatedAt:          getTime(m, "createdAt"),
		LastUpdatedAt:      getTime(m, "lastUpdatedAt"),
	}, nil
}

func decodePost(rkey string, data []byte) (Post, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Post{}, err
	}
	var replyTo *string
	if reply, ok := m["reply"].(map[string]interface{}); ok {
		if parent, ok := reply["parent"].(map[string]interface{}); ok {
			replyTo = getOptString(parent, "uri")
		}
	}
	return Post{
		Rkey:      rkey,
		Text:      getString(m, "text"),
		ReplyTo:   replyTo,
		CreatedAt: getTime(m, "createdAt"),
	}, nil
}

func decodeFollow(rkey string, data []byte) (Follow, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Follow{}, err
	}
	return Follow{Rkey: rkey, Subject: getString(m, "subject"), CreatedAt: getTime(m, "createdAt")}, nil
}

func decodeLike(rkey string, data []byte) (Like, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Like{}, err
	}
	subject, _ := m["subject"].(map[string]interface{})
	return Like{
		Rkey:       rkey,
		SubjectURI: getString(subject, "uri"),
		SubjectCID: getString(subject, "cid"),
		CreatedAt:  getTime(m, "createdAt"),
	}, nil
}

func decodeRepost(rkey string, data []byte) (Repost, error) {
	m, err := decodeMap(data)
	if err != nil {
		return Repost{}, err
	}
	subject, _ := m["subject"].(map[string]interface{})
	return Repost{
		Rkey:       rkey,
		SubjectURI: getString(subject, "uri"),
		SubjectCID: getString(subject, "cid"),
		CreatedAt:  getTime(m, "createdAt"),
	}, nil
}

func decodeBlogEntry(rkey string, data []byte) (BlogEntry, error) {
	m, err := decodeMap(data)
	if err != nil {
		return BlogEntry{}, err
	}
	return BlogEntry{
		Rkey:      rkey,
		Title:     getString(m, "title"),
		Content:   getString(m, "content"),
		Theme:     getOptString(m, "theme"),
		CreatedAt: getTime(m, "createdAt"),
	}, nil
}
