package comments

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickgao/socialsync/internal/connection/connectiontest"
	"github.com/rickgao/socialsync/internal/dispatch"
	"github.com/rickgao/socialsync/internal/model"
	"github.com/rickgao/socialsync/internal/protocol"
	"github.com/rickgao/socialsync/internal/reconcile"
	"github.com/rickgao/socialsync/internal/rooms"
)

const self = "alice"

type fakeBackend struct {
	mu       sync.Mutex
	threads  map[string][]model.Comment
	listErr  error
	create   func(postID, content string) (model.Comment, error)
	deleteFn func(commentID string) error
	deleted  []string
}

func (f *fakeBackend) ListComments(_ context.Context, postID string) ([]model.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]model.Comment(nil), f.threads[postID]...), nil
}

func (f *fakeBackend) CreateComment(_ context.Context, postID, content string) (model.Comment, error) {
	return f.create(postID, content)
}

func (f *fakeBackend) DeleteComment(_ context.Context, commentID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, commentID)
	fn := f.deleteFn
	f.mu.Unlock()
	if fn != nil {
		return fn(commentID)
	}
	return nil
}

type harness struct {
	m       *Manager
	conn    *connectiontest.Recorder
	d       *dispatch.Dispatcher
	backend *fakeBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	tracker := rooms.NewTracker(nil)
	h := &harness{
		conn: connectiontest.New(),
		d:    dispatch.New(nil),
		backend: &fakeBackend{threads: map[string][]model.Comment{
			"p1": {comment("c1", "bob", "first", 0)},
		}},
	}
	require.NoError(t, tracker.Replay(h.conn))
	h.m = NewManager(Config{Self: self, DedupeWindow: time.Minute}, tracker, h.backend, nil)
	h.m.now = func() time.Time { return t0.Add(time.Minute) }
	t.Cleanup(h.m.Attach(h.d))

	require.NoError(t, h.m.Open(context.Background(), "p1"))
	return h
}

func (h *harness) dispatch(t *testing.T, name protocol.EventName, ev protocol.CommentEvent) {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	h.d.Dispatch(protocol.Event{Name: name, Data: data})
}

func created(id string) model.Comment {
	return comment(id, self, "looks great", time.Minute)
}

func TestOpen_SharedRoom(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.m.Open(context.Background(), "p1"))
	assert.Equal(t, []string{"post:p1"}, h.conn.Rooms(protocol.EventJoinRoom))

	h.m.Close("p1")
	assert.Equal(t, []string{"c1"}, ids(h.m.Comments("p1")))
	h.m.Close("p1")
	assert.Equal(t, []string{"post:p1"}, h.conn.Rooms(protocol.EventLeaveRoom))
	assert.Empty(t, h.m.Comments("p1"))
	assert.Empty(t, h.m.Posts())
}

func TestOpen_BaselineFailure(t *testing.T) {
	h := newHarness(t)
	h.backend.listErr = errors.New("boom")
	require.Error(t, h.m.Open(context.Background(), "p2"))
	assert.Equal(t, []string{"p1"}, h.m.Posts())
}

func TestAddComment_ProvisionalThenCanonical(t *testing.T) {
	h := newHarness(t)

	var during Thread
	h.backend.create = func(postID, content string) (model.Comment, error) {
		during = h.m.Comments(postID)
		return created("c9"), nil
	}

	c, err := h.m.AddComment(context.Background(), "p1", "  looks great ")
	require.NoError(t, err)
	assert.Equal(t, "c9", c.ID)

	require.Len(t, during, 2)
	assert.True(t, during[1].Provisional())
	assert.Equal(t, "looks great", during[1].Content)
	assert.Equal(t, []string{"c1", "c9"}, ids(h.m.Comments("p1")))

	// The room broadcast of our own comment is absorbed.
	h.dispatch(t, protocol.EventNewComment, protocol.CommentEvent{PostID: "p1", UserID: self, Comment: &c})
	assert.Equal(t, []string{"c1", "c9"}, ids(h.m.Comments("p1")))
}

func TestAddComment_BroadcastBeforeResponse(t *testing.T) {
	h := newHarness(t)
	h.backend.create = func(string, string) (model.Comment, error) {
		c := created("c9")
		h.dispatch(t, protocol.EventNewComment, protocol.CommentEvent{PostID: "p1", UserID: self, Comment: &c})
		return c, nil
	}

	_, err := h.m.AddComment(context.Background(), "p1", "looks great")
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c9"}, ids(h.m.Comments("p1")))
}

func TestAddComment_FailureRemovesProvisional(t *testing.T) {
	h := newHarness(t)
	before := h.m.Comments("p1")
	boom := errors.New("500")
	h.backend.create = func(string, string) (model.Comment, error) { return model.Comment{}, boom }

	_, err := h.m.AddComment(context.Background(), "p1", "looks great")
	var mutErr *reconcile.MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, reconcile.KindComment, mutErr.Kind)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, before, h.m.Comments("p1"))
}

func TestAddComment_LostResponseAfterBroadcast(t *testing.T) {
	h := newHarness(t)
	h.backend.create = func(string, string) (model.Comment, error) {
		c := created("c9")
		h.dispatch(t, protocol.EventNewComment, protocol.CommentEvent{PostID: "p1", UserID: self, Comment: &c})
		return model.Comment{}, context.DeadlineExceeded
	}

	c, err := h.m.AddComment(context.Background(), "p1", "looks great")
	require.NoError(t, err)
	assert.Equal(t, "c9", c.ID)
	assert.Equal(t, []string{"c1", "c9"}, ids(h.m.Comments("p1")))
}

func TestAddComment_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.m.AddComment(context.Background(), "p1", "   ")
	assert.ErrorIs(t, err, ErrEmptyComment)
	_, err = h.m.AddComment(context.Background(), "p2", "hi")
	assert.ErrorIs(t, err, ErrPostNotOpen)
}

func TestDeleteComment_Optimistic(t *testing.T) {
	h := newHarness(t)

	var during Thread
	h.backend.deleteFn = func(string) error {
		during = h.m.Comments("p1")
		return nil
	}

	require.NoError(t, h.m.DeleteComment(context.Background(), "p1", "c1"))
	assert.Empty(t, during)
	assert.Empty(t, h.m.Comments("p1"))

	h.dispatch(t, protocol.EventDeleteComment, protocol.CommentEvent{PostID: "p1", CommentID: "c1"})
	assert.Empty(t, h.m.Comments("p1"))
}

func TestDeleteComment_FailureRestores(t *testing.T) {
	h := newHarness(t)
	before := h.m.Comments("p1")
	h.backend.deleteFn = func(string) error { return errors.New("403") }

	err := h.m.DeleteComment(context.Background(), "p1", "c1")
	var mutErr *reconcile.MutationError
	require.ErrorAs(t, err, &mutErr)
	assert.Equal(t, "c1", mutErr.Key)
	assert.Equal(t, before, h.m.Comments("p1"))
}

func TestDeleteComment_FailureAfterBroadcastIsSuccess(t *testing.T) {
	h := newHarness(t)
	h.backend.deleteFn = func(id string) error {
		h.dispatch(t, protocol.EventDeleteComment, protocol.CommentEvent{PostID: "p1", CommentID: id})
		return errors.New("404")
	}

	require.NoError(t, h.m.DeleteComment(context.Background(), "p1", "c1"))
	assert.Empty(t, h.m.Comments("p1"))
}

func TestDeleteComment_Errors(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.m.DeleteComment(context.Background(), "p1", "nope"), ErrCommentNotFound)
	assert.ErrorIs(t, h.m.DeleteComment(context.Background(), "p1", "tmp-x"), ErrNotConfirmed)
	assert.ErrorIs(t, h.m.DeleteComment(context.Background(), "p9", "c1"), ErrPostNotOpen)
	assert.Empty(t, h.backend.deleted)
}

func TestNewComment_IdempotentAndScoped(t *testing.T) {
	h := newHarness(t)

	var commits int
	stop := h.m.Watch(func(string, Thread) { commits++ })
	defer stop()

	c := comment("c2", "carol", "hello", 30*time.Second)
	h.dispatch(t, protocol.EventNewComment, protocol.CommentEvent{PostID: "p1", UserID: "carol", Comment: &c})
	h.dispatch(t, protocol.EventNewComment, protocol.CommentEvent{PostID: "p1", UserID: "carol", Comment: &c})
	assert.Equal(t, 1, commits)
	assert.Equal(t, []string{"c1", "c2"}, ids(h.m.Comments("p1")))

	other := comment("c3", "carol", "elsewhere", 0)
	other.PostID = "p2"
	h.dispatch(t, protocol.EventNewComment, protocol.CommentEvent{PostID: "p2", Comment: &other})
	assert.Empty(t, h.m.Comments("p2"))
}

func TestRefetch_KeepsPendingDelete(t *testing.T) {
	h := newHarness(t)
	h.backend.threads["p1"] = []model.Comment{
		comment("c1", "bob", "first", 0),
		comment("c2", "carol", "missed while offline", 10*time.Second),
	}

	release := make(chan struct{})
	done := make(chan error, 1)
	h.backend.deleteFn = func(string) error {
		<-release
		return nil
	}
	go func() { done <- h.m.DeleteComment(context.Background(), "p1", "c1") }()
	require.Eventually(t, func() bool { return len(h.m.Comments("p1")) == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.m.Refetch(context.Background()))
	assert.Equal(t, []string{"c2"}, ids(h.m.Comments("p1")))

	close(release)
	require.NoError(t, <-done)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	h.m.Reset()
	assert.Empty(t, h.m.Posts())
	assert.Empty(t, h.m.Comments("p1"))
}
