package atproto

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
)

const shardCount = 16

// Entry pairs a cached record with the CID of the block it was decoded from.
type Entry[T any] struct {
	Rkey  string
	Value T
	CID   string
}

type shard[T any] struct {
	mu sync.RWMutex
	m  map[string]Entry[T]
}

// family is a thread-safe, sharded mirror of one record collection. Shard
// selection is by FNV hash of the rkey so hot rkeys never contend with cold
// ones, the Go analogue of the original's DashMap-backed per-collection
// store.
type family[T any] struct {
	shards [shardCount]*shard[T]
}

func newFamily[T any]() *family[T] {
	f := &family[T]{}
	for i := range f.shards {
		f.shards[i] = &shard[T]{m: make(map[string]Entry[T])}
	}
	return f
}

func shardFor(rkey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(rkey))
	return int(h.Sum32() % shardCount)
}

// Get returns the live entry for rkey, if any.
func (f *family[T]) Get(rkey string) (Entry[T], bool) {
	s := f.shards[shardFor(rkey)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[rkey]
	return e, ok
}

// Upsert inserts or replaces rkey's entry and reports whether it was newly
// created (false means an existing rkey was overwritten). Equal (value, cid)
// upserts of the same rkey are idempotent by construction: overwriting with
// an identical entry changes nothing observable.
func (f *family[T]) Upsert(rkey string, value T, cid string) bool {
	s := f.shards[shardFor(rkey)]
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.m[rkey]
	s.m[rkey] = Entry[T]{Rkey: rkey, Value: value, CID: cid}
	return !existed
}

// Delete removes rkey's entry, reporting whether it was present.
func (f *family[T]) Delete(rkey string) bool {
	s := f.shards[shardFor(rkey)]
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.m[rkey]
	delete(s.m, rkey)
	return existed
}

// List returns every live entry, in no particular order.
func (f *family[T]) List() []Entry[T] {
	out := make([]Entry[T], 0)
	for _, s := range f.shards {
		s.mu.RLock()
		for _, e := range s.m {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the number of live entries.
func (f *family[T]) Count() int {
	n := 0
	for _, s := range f.shards {
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// SortDesc sorts entries by rkey descending — since rkeys are TIDs, this is
// most-recent-first.
func SortDesc[T any](entries []Entry[T]) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Rkey > entries[j].Rkey })
}

// UpdateKind discriminates the kinds of events the cache broadcasts.
type UpdateKind string

const (
	UpdateCreated         UpdateKind = "created"
	UpdateUpdated         UpdateKind = "updated"
	UpdateDeleted         UpdateKind = "deleted"
	UpdateIdentityChanged UpdateKind = "identity_changed"
	UpdateStateChanged    UpdateKind = "state_changed"
	// UpdateSynchronized marks the end of a catch-up window: subscribers
	// should rebuild derived state wholesale rather than patch incrementally.
	UpdateSynchronized UpdateKind = "synchronized"
	// UpdateLagged tells a subscriber it missed events and must not trust
	// incremental state; it should treat this like UpdateSynchronized.
	UpdateLagged UpdateKind = "lagged"
)

// Update is one broadcast notification of a cache mutation.
type Update struct {
	Kind       UpdateKind
	Collection string
	Rkey       string
}

type subscriber struct {
	id     uint64
	ch     chan Update
	lagged atomic.Bool
}

// FirehoseCommit is one firehose #commit event, queued verbatim while the
// cache is in the Syncing state and replayed once a snapshot lands.
type FirehoseCommit struct {
	Seq int64
	Repo string
	Rev  string
	Ops  []CommitOp
}

// CommitOp is one write within a FirehoseCommit.
type CommitOp struct {
	Action     string // "create", "update", or "delete"
	Collection string
	Rkey       string
	CID        string
	Record     []byte // raw CBOR; nil for delete
}

type pendingQueue struct {
	mu    sync.Mutex
	items []FirehoseCommit
	max   int
}

func newPendingQueue(max int) *pendingQueue {
	return &pendingQueue{max: max}
}

func (q *pendingQueue) push(c FirehoseCommit) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.max {
		// Drop the oldest, never the newest (I5).
		q.items = q.items[1:]
	}
	q.items = append(q.items, c)
}

func (q *pendingQueue) drain() []FirehoseCommit {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

func (q *pendingQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}

func (q *pendingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DefaultMaxPendingEvents bounds the Syncing-state commit queue (I5).
const DefaultMaxPendingEvents = 10000

// syncState tracks where a RepoCache is in the snapshot/firehose
// reconciliation lifecycle. Tools consult this to decide whether to trust
// the cache or fall back to a direct HTTP read.
type syncState int

const (
	syncStateDisconnected syncState = iota
	syncStateSyncing
	syncStateLive
)

func (s syncState) String() string {
	switch s {
	case syncStateDisconnected:
		return "disconnected"
	case syncStateSyncing:
		return "syncing"
	case syncStateLive:
		return "live"
	default:
		return "unknown"
	}
}

// RepoCache is the in-process mirror of one account's repository: every
// tracked collection, the Identity/DaemonState singletons, the firehose
// sequence counter, and the pending-commit queue used while reconciling a
// snapshot with a live stream.
type RepoCache struct {
	facts         *family[Fact]
	rules         *family[Rule]
	thoughts      *family[Thought]
	notes         *family[Note]
	jobs          *family[Job]
	directives    *family[Directive]
	factDecls     *family[FactDeclaration]
	triggers      *family[Trigger]
	customTools   *family[CustomTool]
	toolApprovals *family[ToolApproval]
	posts         *family[Post]
	follows       *family[Follow]
	likes         *family[Like]
	reposts       *family[Repost]
	blogEntries   *family[BlogEntry]

	singletonMu sync.RWMutex
	identity    *Identity
	state       *DaemonState

	pending *pendingQueue

	firehoseSeq atomic.Int64
	suppressed  atomic.Bool

	stateMu   sync.RWMutex
	syncState syncState

	subsMu    sync.Mutex
	subs      []*subscriber
	nextSubID uint64
}

// NewRepoCache constructs an empty cache with the given pending-queue bound
// (pass DefaultMaxPendingEvents unless a test needs a smaller one).
func NewRepoCache(maxPendingEvents int) *RepoCache {
	return &RepoCache{
		facts:         newFamily[Fact](),
		rules:         newFamily[Rule](),
		thoughts:      newFamily[Thought](),
		notes:         newFamily[Note](),
		jobs:          newFamily[Job](),
		directives:    newFamily[Directive](),
		factDecls:     newFamily[FactDeclaration](),
		triggers:      newFamily[Trigger](),
		customTools:   newFamily[CustomTool](),
		toolApprovals: newFamily[ToolApproval](),
		posts:         newFamily[Post](),
		follows:       newFamily[Follow](),
		likes:         newFamily[Like](),
		reposts:       newFamily[Repost](),
		blogEntries:   newFamily[BlogEntry](),
		pending:       newPendingQueue(maxPendingEvents),
	}
}

func upsertInto[T any](c *RepoCache, fam *family[T], collection, rkey string, value T, cid string) {
	created := fam.Upsert(rkey, value, cid)
	kind := UpdateUpdated
	if created {
		kind = UpdateCreated
	}
	c.broadcast(Update{Kind: kind, Collection: collection, Rkey: rkey})
}

func deleteFrom[T any](c *RepoCache, fam *family[T], collection, rkey string) {
	if fam.Delete(rkey) {
		c.broadcast(Update{Kind: UpdateDeleted, Collection: collection, Rkey: rkey})
	}
}

// Facts
func (c *RepoCache) GetFact(rkey string) (Entry[Fact], bool)  { return c.facts.Get(rkey) }
func (c *RepoCache) ListFacts() []Entry[Fact]                 { return c.facts.List() }
func (c *RepoCache) CountFacts() int                          { return c.facts.Count() }
func (c *RepoCache) UpsertFact(rkey string, v Fact, cid string) {
	upsertInto(c, c.facts, CollectionFact, rkey, v, cid)
}
func (c *RepoCache) DeleteFact(rkey string) { deleteFrom(c, c.facts, CollectionFact, rkey) }

// Rules
func (c *RepoCache) GetRule(rkey string) (Entry[Rule], bool) { return c.rules.Get(rkey) }
func (c *RepoCache) ListRules() []Entry[Rule]                { return c.rules.List() }
func (c *RepoCache) UpsertRule(rkey string, v Rule, cid string) {
	upsertInto(c, c.rules, CollectionRule, rkey, v, cid)
}
func (c *RepoCache) DeleteRule(rkey string) { deleteFrom(c, c.rules, CollectionRule, rkey) }

// Thoughts (insert+delete only; List callers sort with SortDesc for recency)
func (c *RepoCache) GetThought(rkey string) (Entry[Thought], bool) { return c.thoughts.Get(rkey) }
func (c *RepoCache) ListThoughts() []Entry[Thought]                { return c.thoughts.List() }
func (c *RepoCache) InsertThought(rkey string, v Thought, cid string) {
	upsertInto(c, c.thoughts, CollectionThought, rkey, v, cid)
}
func (c *RepoCache) DeleteThought(rkey string) { deleteFrom(c, c.thoughts, CollectionThought, rkey) }

// Notes
func (c *RepoCache) GetNote(rkey string) (Entry[Note], bool) { return c.notes.Get(rkey) }
func (c *RepoCache) ListNotes() []Entry[Note]                { return c.notes.List() }
func (c *RepoCache) UpsertNote(rkey string, v Note, cid string) {
	upsertInto(c, c.notes, CollectionNote, rkey, v, cid)
}
func (c *RepoCache) DeleteNote(rkey string) { deleteFrom(c, c.notes, CollectionNote, rkey) }

// Jobs
func (c *RepoCache) GetJob(rkey string) (Entry[Job], bool) { return c.jobs.Get(rkey) }
func (c *RepoCache) ListJobs() []Entry[Job]                { return c.jobs.List() }
func (c *RepoCache) UpsertJob(rkey string, v Job, cid string) {
	upsertInto(c, c.jobs, CollectionJob, rkey, v, cid)
}
func (c *RepoCache) DeleteJob(rkey string) { deleteFrom(c, c.jobs, CollectionJob, rkey) }

// Directives
func (c *RepoCache) GetDirective(rkey string) (Entry[Directive], bool) { return c.directives.Get(rkey) }
func (c *RepoCache) ListDirectives() []Entry[Directive]                { return c.directives.List() }
func (c *RepoCache) UpsertDirective(rkey string, v Directive, cid string) {
	upsertInto(c, c.directives, CollectionDirective, rkey, v, cid)
}
func (c *RepoCache) DeleteDirective(rkey string) { deleteFrom(c, c.directives, CollectionDirective, rkey) }

// FactDeclarations
func (c *RepoCache) GetFactDeclaration(rkey string) (Entry[FactDeclaration], bool) {
	return c.factDecls.Get(rkey)
}
func (c *RepoCache) ListFactDeclarations() []Entry[FactDeclaration] { return c.factDecls.List() }
func (c *RepoCache) UpsertFactDeclaration(rkey string, v FactDeclaration, cid string) {
	upsertInto(c, c.factDecls, CollectionFactDeclaration, rkey, v, cid)
}
func (c *RepoCache) DeleteFactDeclaration(rkey string) {
	deleteFrom(c, c.factDecls, CollectionFactDeclaration, rkey)
}

// Triggers
func (c *RepoCache) GetTrigger(rkey string) (Entry[Trigger], bool) { return c.triggers.Get(rkey) }
func (c *RepoCache) ListTriggers() []Entry[Trigger]                { return c.triggers.List() }
func (c *RepoCache) UpsertTrigger(rkey string, v Trigger, cid string) {
	upsertInto(c, c.triggers, CollectionTrigger, rkey, v, cid)
}
func (c *RepoCache) DeleteTrigger(rkey string) { deleteFrom(c, c.triggers, CollectionTrigger, rkey) }

// CustomTools
func (c *RepoCache) GetCustomTool(rkey string) (Entry[CustomTool], bool) { return c.customTools.Get(rkey) }
func (c *RepoCache) ListCustomTools() []Entry[CustomTool]                { return c.customTools.List() }
func (c *RepoCache) UpsertCustomTool(rkey string, v CustomTool, cid string) {
	upsertInto(c, c.customTools, CollectionCustomTool, rkey, v, cid)
}
func (c *RepoCache) DeleteCustomTool(rkey string) { deleteFrom(c, c.customTools, CollectionCustomTool, rkey) }

// ToolApprovals
func (c *RepoCache) GetToolApproval(rkey string) (Entry[ToolApproval], bool) {
	return c.toolApprovals.Get(rkey)
}
func (c *RepoCache) ListToolApprovals() []Entry[ToolApproval] { return c.toolApprovals.List() }
func (c *RepoCache) UpsertToolApproval(rkey string, v ToolApproval, cid string) {
	upsertInto(c, c.toolApprovals, CollectionToolApproval, rkey, v, cid)
}
func (c *RepoCache) DeleteToolApproval(rkey string) {
	deleteFrom(c, c.toolApprovals, CollectionToolApproval, rkey)
}

// Posts (update allowed, per original)
func (c *RepoCache) GetPost(rkey string) (Entry[Post], bool) { return c.posts.Get(rkey) }
func (c *RepoCache) ListPosts() []Entry[Post]                { return c.posts.List() }
func (c *RepoCache) UpsertPost(rkey string, v Post, cid string) {
	upsertInto(c, c.posts, CollectionPost, rkey, v, cid)
}
func (c *RepoCache) DeletePost(rkey string) { deleteFrom(c, c.posts, CollectionPost, rkey) }

// Follows, Likes, Reposts (insert+delete only)
func (c *RepoCache) GetFollow(rkey string) (Entry[Follow], bool) { return c.follows.Get(rkey) }
func (c *RepoCache) ListFollows() []Entry[Follow]                { return c.follows.List() }
func (c *RepoCache) InsertFollow(rkey string, v Follow, cid string) {
	upsertInto(c, c.follows, CollectionFollow, rkey, v, cid)
}
func (c *RepoCache) DeleteFollow(rkey string) { deleteFrom(c, c.follows, CollectionFollow, rkey) }

func (c *RepoCache) GetLike(rkey string) (Entry[Like], bool) { return c.likes.Get(rkey) }
func (c *RepoCache) ListLikes() []Entry[Like]                { return c.likes.List() }
func (c *RepoCache) InsertLike(rkey string, v Like, cid string) {
	upsertInto(c, c.likes, CollectionLike, rkey, v, cid)
}
func (c *RepoCache) DeleteLike(rkey string) { deleteFrom(c, c.likes, CollectionLike, rkey) }

func (c *RepoCache) GetRepost(rkey string) (Entry[Repost], bool) { return c.reposts.Get(rkey) }
func (c *RepoCache) ListReposts() []Entry[Repost]                { return c.reposts.List() }
func (c *RepoCache) InsertRepost(rkey string, v Repost, cid string) {
	upsertInto(c, c.reposts, CollectionRepost, rkey, v, cid)
}
func (c *RepoCache) DeleteRepost(rkey string) { deleteFrom(c, c.reposts, CollectionRepost, rkey) }

// BlogEntries
func (c *RepoCache) GetBlogEntry(rkey string) (Entry[BlogEntry], bool) { return c.blogEntries.Get(rkey) }
func (c *RepoCache) ListBlogEntries() []Entry[BlogEntry]               { return c.blogEntries.List() }
func (c *RepoCache) UpsertBlogEntry(rkey string, v BlogEntry, cid string) {
	upsertInto(c, c.blogEntries, CollectionBlogEntry, rkey, v, cid)
}
func (c *RepoCache) DeleteBlogEntry(rkey string) { deleteFrom(c, c.blogEntries, CollectionBlogEntry, rkey) }

// GetIdentity returns the singleton identity record, if it has been set.
func (c *RepoCache) GetIdentity() (Identity, bool) {
	c.singletonMu.RLock()
	defer c.singletonMu.RUnlock()
	if c.identity == nil {
		return Identity{}, false
	}
	return *c.identity, true
}

// SetIdentity replaces the singleton identity record.
func (c *RepoCache) SetIdentity(v Identity) {
	c.singletonMu.Lock()
	c.identity = &v
	c.singletonMu.Unlock()
	c.broadcast(Update{Kind: UpdateIdentityChanged, Collection: CollectionIdentity, Rkey: "self"})
}

// GetState returns the singleton daemon-state record, if it has been set.
func (c *RepoCache) GetState() (DaemonState, bool) {
	c.singletonMu.RLock()
	defer c.singletonMu.RUnlock()
	if c.state == nil {
		return DaemonState{}, false
	}
	return *c.state, true
}

// SetState replaces the singleton daemon-state record.
func (c *RepoCache) SetState(v DaemonState) {
	c.singletonMu.Lock()
	c.state = &v
	c.singletonMu.Unlock()
	c.broadcast(Update{Kind: UpdateStateChanged, Collection: CollectionState, Rkey: "self"})
}

// QueueCommit enqueues a firehose commit observed while Syncing.
func (c *RepoCache) QueueCommit(fc FirehoseCommit) { c.pending.push(fc) }

// DrainPending returns and clears every queued commit, in arrival order.
func (c *RepoCache) DrainPending() []FirehoseCommit { return c.pending.drain() }

// ClearPending discards every queued commit without returning them.
func (c *RepoCache) ClearPending() { c.pending.clear() }

// PendingLen reports how many commits are currently queued.
func (c *RepoCache) PendingLen() int { return c.pending.len() }

// UpdateFirehoseSeq advances the cache's observed sequence counter to
// max(current, seq) (I3): it is never set backward by a late update.
func (c *RepoCache) UpdateFirehoseSeq(seq int64) {
	for {
		old := c.firehoseSeq.Load()
		if seq <= old {
			return
		}
		if c.firehoseSeq.CompareAndSwap(old, seq) {
			return
		}
	}
}

// ResetFirehoseSeq forces the sequence counter to 0; only called on cursor
// invalidation (I3).
func (c *RepoCache) ResetFirehoseSeq() { c.firehoseSeq.Store(0) }

// FirehoseSeq reports the current sequence counter.
func (c *RepoCache) FirehoseSeq() int64 { return c.firehoseSeq.Load() }

// SetSuppressed toggles broadcast suppression. Flipping from true to false
// always emits exactly one UpdateSynchronized event, regardless of what was
// suppressed in between (I4).
func (c *RepoCache) SetSuppressed(v bool) {
	was := c.suppressed.Swap(v)
	if was && !v {
		c.broadcastRaw(Update{Kind: UpdateSynchronized})
	}
}

// Suppressed reports whether broadcasts are currently suppressed.
func (c *RepoCache) Suppressed() bool { return c.suppressed.Load() }

// state returns the cache's current sync-lifecycle state.
func (c *RepoCache) state() syncState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.syncState
}

// setState transitions the cache's sync-lifecycle state.
func (c *RepoCache) setState(s syncState) {
	c.stateMu.Lock()
	c.syncState = s
	c.stateMu.Unlock()
}

// SyncStateLabel reports the cache's current sync-lifecycle state as a
// human-readable label, for health/status surfaces.
func (c *RepoCache) SyncStateLabel() string { return c.state().String() }

// Subscribe registers a new broadcast receiver with the given buffer depth.
// The returned cancel func must be called to release the subscription.
func (c *RepoCache) Subscribe(bufSize int) (<-chan Update, func()) {
	c.subsMu.Lock()
	c.nextSubID++
	s := &subscriber{id: c.nextSubID, ch: make(chan Update, bufSize)}
	c.subs = append(c.subs, s)
	c.subsMu.Unlock()

	cancel := func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, sub := range c.subs {
			if sub.id == s.id {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				close(sub.ch)
				return
			}
		}
	}
	return s.ch, cancel
}

func (c *RepoCache) broadcast(u Update) {
	if c.suppressed.Load() {
		return
	}
	c.broadcastRaw(u)
}

// broadcastRaw sends unconditionally — used for UpdateSynchronized, which
// must escape suppression by definition.
func (c *RepoCache) broadcastRaw(u Update) {
	c.subsMu.Lock()
	subsSnapshot := make([]*subscriber, len(c.subs))
	copy(subsSnapshot, c.subs)
	c.subsMu.Unlock()

	for _, s := range subsSnapshot {
		if s.lagged.Load() {
			select {
			case s.ch <- Update{Kind: UpdateLagged}:
				s.lagged.Store(false)
			default:
				continue
			}
		}
		select {
		case s.ch <- u:
		default:
			s.lagged.Store(true)
		}
	}
}
