package session_test

import (
	"context"
	"errors"
	"testing"

	"collabsync/annotation"
	"collabsync/crdt"
	"collabsync/decoration"
	"collabsync/presence"
	"collabsync/session"
)

type fixture struct {
	hub   *presence.MemoryHub
	store *annotation.MemStore
}

func newFixture() *fixture {
	return &fixture{hub: presence.NewMemoryHub(), store: annotation.NewMemStore()}
}

// attach joins one participant with its own document replica, relayed
// against the other replicas through op fan-out wired by the caller.
func (f *fixture) attach(t *testing.T, sid presence.SessionID, name string, doc *crdt.Document, cb session.Callbacks) *session.Session {
	t.Helper()
	s, err := session.Attach("doc-1", doc, f.hub.Join(sid), session.Identity{Name: name}, f.store, session.Options{}, cb)
	if err != nil {
		t.Fatalf("Attach(%s): %v", sid, err)
	}
	return s
}

func TestAttach_RequiresBindingAndChannel(t *testing.T) {
	f := newFixture()
	if _, err := session.Attach("doc-1", nil, f.hub.Join("s"), session.Identity{}, f.store, session.Options{}, session.Callbacks{}); err == nil {
		t.Fatalf("nil binding accepted")
	}
	if _, err := session.Attach("doc-1", crdt.NewDocument("p"), nil, session.Identity{}, f.store, session.Options{}, session.Callbacks{}); err == nil {
		t.Fatalf("nil channel accepted")
	}
}

func TestPeerCursor_RendersAndExcludesSelf(t *testing.T) {
	f := newFixture()
	// One converged replica backs both surfaces; cross-replica op relay is
	// covered by the crdt package tests.
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")

	var lastB decoration.Set
	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{})
	sb := f.attach(t, "sess-b", "Bob", doc, session.Callbacks{
		DecorationsChanged: func(set decoration.Set) { lastB = set },
	})
	defer sa.Detach()
	defer sb.Detach()

	// A publishes a selection; B sees a caret and a highlight for A only.
	sa.SetSelection(0, 5)

	if got := len(lastB.Overlays); got != 2 {
		t.Fatalf("overlays at B=%d, want 2: %+v", got, lastB.Overlays)
	}
	if lastB.Overlays[0].Session != "sess-a" {
		t.Fatalf("overlay session=%s, want sess-a", lastB.Overlays[0].Session)
	}
	if lastB.Overlays[0].Label != "Alice" {
		t.Fatalf("caret label=%q, want Alice", lastB.Overlays[0].Label)
	}

	// A's own decoration set never contains A.
	for _, o := range sa.Decorations().Overlays {
		if o.Session == "sess-a" {
			t.Fatalf("self produced an overlay: %+v", o)
		}
	}
}

func TestDetach_RemovesPresence(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{})

	other := f.hub.Join("sess-x")
	if _, ok := other.States()["sess-a"]; !ok {
		t.Fatalf("attached session not present")
	}
	sa.Detach()
	if _, ok := other.States()["sess-a"]; ok {
		t.Fatalf("detached session still present")
	}
	// Detach twice is safe.
	sa.Detach()
}

func TestHandleLocalEdit_MapsDecorations(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")

	var last decoration.Set
	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{
		DecorationsChanged: func(set decoration.Set) { last = set },
	})
	defer sa.Detach()

	// A peer joins with a caret at offset 6.
	peerSess := f.attach(t, "sess-b", "Bob", doc, session.Callbacks{})
	defer peerSess.Detach()
	peerSess.SetSelection(6, 6)

	if len(last.Overlays) != 1 || last.Overlays[0].From != 6 {
		t.Fatalf("peer caret=%+v", last.Overlays)
	}

	// Local-only keystroke at offset 0: the overlay shifts without a full
	// recompute.
	doc.InsertText(0, ">> ")
	sa.HandleLocalEdit(0, 3)
	if len(last.Overlays) != 1 || last.Overlays[0].From != 9 {
		t.Fatalf("mapped caret=%+v", last.Overlays)
	}
}

func TestCommentFlow_PersistsAndQuotes(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")

	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{})
	defer sa.Detach()

	if err := sa.CaptureSelection(6, 11); err != nil {
		t.Fatalf("CaptureSelection: %v", err)
	}
	c, err := sa.CreateComment(context.Background(), "tighten this")
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}
	if got, want := c.Quoted, "world"; got != want {
		t.Fatalf("quoted=%q, want %q", got, want)
	}

	stored, err := f.store.Comments(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("Comments: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != c.ID {
		t.Fatalf("stored=%+v", stored)
	}

	cvs, _ := sa.Annotations()
	if len(cvs) != 1 || cvs[0].AbsFrom != 6 || cvs[0].AbsTo != 11 {
		t.Fatalf("views=%+v", cvs)
	}
}

func TestCreateComment_CancelAndNoSelection(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")
	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{})
	defer sa.Detach()

	if err := sa.CaptureSelection(0, 5); err != nil {
		t.Fatalf("CaptureSelection: %v", err)
	}
	sa.CancelComment()
	if _, err := sa.CreateComment(context.Background(), "x"); !errors.Is(err, annotation.ErrNoSelection) {
		t.Fatalf("err=%v, want ErrNoSelection", err)
	}
}

type failingStore struct {
	*annotation.MemStore
	err error
}

func (f failingStore) SaveComment(ctx context.Context, c annotation.Comment) error { return f.err }

func TestCreateComment_RollbackOnPersistFailure(t *testing.T) {
	hub := presence.NewMemoryHub()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")
	store := failingStore{MemStore: annotation.NewMemStore(), err: errors.New("boom")}

	sa, err := session.Attach("doc-1", doc, hub.Join("sess-a"), session.Identity{Name: "Alice"}, store, session.Options{}, session.Callbacks{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sa.Detach()

	if err := sa.CaptureSelection(0, 5); err != nil {
		t.Fatalf("CaptureSelection: %v", err)
	}
	if _, err := sa.CreateComment(context.Background(), "doomed"); err == nil {
		t.Fatalf("persist failure not surfaced")
	}
	// The optimistic record is rolled back.
	cvs, _ := sa.Annotations()
	if len(cvs) != 0 {
		t.Fatalf("optimistic comment survived rollback: %+v", cvs)
	}
}

// rejectingStore accepts comment creation but fails every follow-up write,
// exercising the rollback paths for replies, reactions and deletes.
type rejectingStore struct {
	*annotation.MemStore
	err error
}

func (f rejectingStore) SaveReply(ctx context.Context, commentID string, r annotation.Reply) error {
	return f.err
}

func (f rejectingStore) SaveReaction(ctx context.Context, commentID, emoji, author string) error {
	return f.err
}

func (f rejectingStore) DeleteComment(ctx context.Context, commentID string) error {
	return f.err
}

func TestReplyReactDelete_RollbackOnPersistFailure(t *testing.T) {
	hub := presence.NewMemoryHub()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")
	store := rejectingStore{MemStore: annotation.NewMemStore(), err: errors.New("boom")}

	sa, err := session.Attach("doc-1", doc, hub.Join("sess-a"), session.Identity{Name: "Alice"}, store, session.Options{}, session.Callbacks{})
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sa.Detach()

	ctx := context.Background()
	if err := sa.CaptureSelection(6, 11); err != nil {
		t.Fatalf("CaptureSelection: %v", err)
	}
	c, err := sa.CreateComment(ctx, "look")
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	if err := sa.ReplyToComment(ctx, c.ID, "alice", "ping"); err == nil {
		t.Fatalf("rejected reply persist not surfaced")
	}
	cvs, _ := sa.Annotations()
	if len(cvs) != 1 || len(cvs[0].Replies) != 0 {
		t.Fatalf("optimistic reply survived a rejected persist: %+v", cvs)
	}

	if err := sa.ReactToComment(ctx, c.ID, "👍", "alice"); err == nil {
		t.Fatalf("rejected reaction persist not surfaced")
	}
	cvs, _ = sa.Annotations()
	if len(cvs[0].Reactions) != 0 {
		t.Fatalf("optimistic reaction survived a rejected persist: %+v", cvs[0].Reactions)
	}

	if err := sa.DeleteComment(ctx, c.ID); err == nil {
		t.Fatalf("rejected delete persist not surfaced")
	}
	cvs, _ = sa.Annotations()
	if len(cvs) != 1 || cvs[0].ID != c.ID {
		t.Fatalf("comment not restored after rejected delete: %+v", cvs)
	}
}

func TestResolve_RaceIsIdempotent(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")
	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{})
	defer sa.Detach()

	sa.CaptureSelection(0, 5)
	c, err := sa.CreateComment(context.Background(), "hm")
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	// A second participant sharing the store resolves first.
	docB := crdt.NewDocument("b")
	sb := f.attach(t, "sess-b", "Bob", docB, session.Callbacks{})
	defer sb.Detach()
	if err := sb.SyncAnnotations(context.Background()); err != nil {
		t.Fatalf("SyncAnnotations: %v", err)
	}
	if err := sb.ResolveComment(context.Background(), c.ID); err != nil {
		t.Fatalf("ResolveComment (b): %v", err)
	}
	if err := sa.ResolveComment(context.Background(), c.ID); err != nil {
		t.Fatalf("ResolveComment (a): %v", err)
	}

	stored, _ := f.store.Comments(context.Background(), "doc-1")
	if len(stored) != 1 || !stored[0].Resolved {
		t.Fatalf("stored=%+v", stored)
	}
}

func TestSuggestionFlow_AcceptThroughSession(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")
	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{})
	defer sa.Detach()

	sg, err := sa.ProposeSuggestion(context.Background(), annotation.SuggestDeletion, "", 5, 11)
	if err != nil {
		t.Fatalf("ProposeSuggestion: %v", err)
	}
	if err := sa.AcceptSuggestion(context.Background(), sg.ID); err != nil {
		t.Fatalf("AcceptSuggestion: %v", err)
	}
	if got, want := doc.Text(), "hello"; got != want {
		t.Fatalf("text=%q, want %q", got, want)
	}

	stored, _ := f.store.Suggestions(context.Background(), "doc-1")
	if len(stored) != 1 || stored[0].Status != annotation.StatusAccepted {
		t.Fatalf("stored=%+v", stored)
	}

	// Second accept is a no-op.
	if err := sa.AcceptSuggestion(context.Background(), sg.ID); err != nil {
		t.Fatalf("second accept: %v", err)
	}
}

func TestSyncAnnotations_ReconcilesOptimistic(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	doc.InsertText(0, "hello world")
	sa := f.attach(t, "sess-a", "Alice", doc, session.Callbacks{})
	defer sa.Detach()

	sa.CaptureSelection(0, 5)
	c, err := sa.CreateComment(context.Background(), "same thought")
	if err != nil {
		t.Fatalf("CreateComment: %v", err)
	}

	// The store already confirmed the record; syncing must not duplicate it.
	if err := sa.SyncAnnotations(context.Background()); err != nil {
		t.Fatalf("SyncAnnotations: %v", err)
	}
	cvs, _ := sa.Annotations()
	if len(cvs) != 1 || cvs[0].ID != c.ID {
		t.Fatalf("views after sync=%+v", cvs)
	}
}

func TestMentionThroughSession(t *testing.T) {
	f := newFixture()
	doc := crdt.NewDocument("a")
	sa := f.attach(t, "sess-a", "Jo", doc, session.Callbacks{})
	defer sa.Detach()
	sb := f.attach(t, "sess-b", "John", crdt.NewDocument("b"), session.Callbacks{})
	defer sb.Detach()
	sc := f.attach(t, "sess-c", "Jordan", crdt.NewDocument("c"), session.Callbacks{})
	defer sc.Detach()
	sd := f.attach(t, "sess-d", "Alice", crdt.NewDocument("d"), session.Callbacks{})
	defer sd.Detach()

	got, ok := sa.MentionCandidates("Hey @jo", 7)
	if !ok {
		t.Fatalf("no mention token detected")
	}
	if len(got) != 2 || got[0].Name != "John" || got[1].Name != "Jordan" {
		t.Fatalf("candidates=%+v", got)
	}

	buf, _ := sa.CompleteMention("Hey @jo", 7, "Jordan")
	if want := "Hey @Jordan "; buf != want {
		t.Fatalf("completed=%q, want %q", buf, want)
	}
}
