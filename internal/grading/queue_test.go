package grading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/store"
)

type graderFunc func(ctx context.Context, sub model.Submission) (*model.Feedback, error)

func (f graderFunc) Grade(ctx context.Context, sub model.Submission) (*model.Feedback, error) {
	return f(ctx, sub)
}

type recordingNotifier struct {
	mu   sync.Mutex
	subs []model.Submission
}

func (n *recordingNotifier) Graded(_ context.Context, sub model.Submission) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, sub)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

type fixture struct {
	store     *store.Store
	attemptID int64
	sectionID int64
	userID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	userID, err := s.CreateUser(model.User{Username: "alice", Role: model.UserRoleStudent, Active: true})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	examID, err := s.ImportExam(model.ExamImport{
		Title:    "Writing practice",
		Sections: []model.SectionImport{{Skill: model.SkillWriting, Title: "Task 2", Content: "Discuss both views."}},
	}, userID)
	if err != nil {
		t.Fatalf("ImportExam: %v", err)
	}
	sections, err := s.ListSections(examID)
	if err != nil {
		t.Fatalf("ListSections: %v", err)
	}
	attemptID, err := s.CreateAttempt(examID, userID)
	if err != nil {
		t.Fatalf("CreateAttempt: %v", err)
	}
	return &fixture{store: s, attemptID: attemptID, sectionID: sections[0].ID, userID: userID}
}

func (f *fixture) submit(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateSubmission(model.Submission{
		ID: id, AttemptID: f.attemptID, SectionID: f.sectionID, UserID: f.userID,
		Skill: model.SkillWriting, Task: "Discuss both views.", Text: "Essay " + id,
	})
	if err != nil {
		t.Fatalf("CreateSubmission: %v", err)
	}
}

func waitStatus(t *testing.T, s *store.Store, id string, want model.SubmissionStatus) *model.Submission {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sub, err := s.GetSubmission(id)
		if err != nil {
			t.Fatalf("GetSubmission: %v", err)
		}
		if sub != nil && sub.Status == want {
			return sub
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("submission %s did not reach status %q", id, want)
	return nil
}

func startQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	})
}

func TestQueueGradesSubmissions(t *testing.T) {
	f := newFixture(t)
	notifier := &recordingNotifier{}
	grader := graderFunc(func(_ context.Context, sub model.Submission) (*model.Feedback, error) {
		return &model.Feedback{OverallBand: 7, Summary: "for " + sub.ID}, nil
	})
	q := New(f.store, grader, notifier, Config{Workers: 3, QueueSize: 10})
	startQueue(t, q)

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		f.submit(t, id)
		if err := q.Enqueue(id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		sub := waitStatus(t, f.store, id, model.SubmissionDone)
		if sub.Feedback == nil || sub.Feedback.Summary != "for "+id {
			t.Errorf("unexpected feedback for %s: %+v", id, sub.Feedback)
		}
		if sub.Tries != 1 {
			t.Errorf("expected 1 try for %s, got %d", id, sub.Tries)
		}
	}

	deadline := time.Now().Add(time.Second)
	for notifier.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := notifier.count(); n != 5 {
		t.Errorf("expected 5 notifications, got %d", n)
	}
}

func TestQueueRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	grader := graderFunc(func(context.Context, model.Submission) (*model.Feedback, error) {
		calls.Add(1)
		return nil, errors.New("model overloaded")
	})
	q := New(f.store, grader, nil, Config{Workers: 1, MaxTries: 3, RetryDelay: time.Millisecond})
	startQueue(t, q)

	f.submit(t, "bad")
	if err := q.Enqueue("bad"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	sub := waitStatus(t, f.store, "bad", model.SubmissionFailed)
	if sub.Tries != 3 || calls.Load() != 3 {
		t.Errorf("expected 3 tries, got %d (calls %d)", sub.Tries, calls.Load())
	}
	if sub.Error != "model overloaded" {
		t.Errorf("expected error to be recorded, got %q", sub.Error)
	}
}

func TestQueueRecoversAfterRetry(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	grader := graderFunc(func(context.Context, model.Submission) (*model.Feedback, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return &model.Feedback{OverallBand: 6}, nil
	})
	q := New(f.store, grader, nil, Config{Workers: 1, MaxTries: 3, RetryDelay: time.Millisecond})
	startQueue(t, q)

	f.submit(t, "flaky")
	q.Enqueue("flaky")

	sub := waitStatus(t, f.store, "flaky", model.SubmissionDone)
	if sub.Tries != 2 || sub.Error != "" {
		t.Errorf("expected success on second try, got tries=%d error=%q", sub.Tries, sub.Error)
	}
}

func TestQueueTimeout(t *testing.T) {
	f := newFixture(t)
	grader := graderFunc(func(ctx context.Context, _ model.Submission) (*model.Feedback, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q := New(f.store, grader, nil, Config{Workers: 1, MaxTries: 1, Timeout: 20 * time.Millisecond})
	startQueue(t, q)

	f.submit(t, "slow")
	q.Enqueue("slow")

	sub := waitStatus(t, f.store, "slow", model.SubmissionFailed)
	if sub.Error != context.DeadlineExceeded.Error() {
		t.Errorf("expected deadline error, got %q", sub.Error)
	}
}

func TestQueueResumesPendingOnStart(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "left-over")
	f.submit(t, "stuck")
	if _, err := f.store.ClaimSubmission("stuck"); err != nil {
		t.Fatalf("ClaimSubmission: %v", err)
	}

	grader := graderFunc(func(context.Context, model.Submission) (*model.Feedback, error) {
		return &model.Feedback{OverallBand: 5.5}, nil
	})
	q := New(f.store, grader, nil, Config{Workers: 2})
	startQueue(t, q)

	waitStatus(t, f.store, "left-over", model.SubmissionDone)
	waitStatus(t, f.store, "stuck", model.SubmissionDone)
}

func TestQueueShutdownKeepsTryBudget(t *testing.T) {
	f := newFixture(t)
	f.submit(t, "long")

	var once sync.Once
	started := make(chan struct{})
	blocking := graderFunc(func(ctx context.Context, _ model.Submission) (*model.Feedback, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q := New(f.store, blocking, nil, Config{Workers: 1, MaxTries: 1, Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("grader was not called")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	sub, err := f.store.GetSubmission("long")
	if err != nil {
		t.Fatalf("GetSubmission: %v", err)
	}
	if sub.Status != model.SubmissionQueued || sub.Tries != 0 {
		t.Fatalf("expected queued with 0 tries after shutdown, got %q with %d", sub.Status, sub.Tries)
	}

	// The restarted queue still has the full budget of one try.
	grader := graderFunc(func(context.Context, model.Submission) (*model.Feedback, error) {
		return &model.Feedback{OverallBand: 6.5}, nil
	})
	startQueue(t, New(f.store, grader, nil, Config{Workers: 1, MaxTries: 1}))

	sub = waitStatus(t, f.store, "long", model.SubmissionDone)
	if sub.Tries != 1 {
		t.Errorf("expected 1 try, got %d", sub.Tries)
	}
}

func TestEnqueueFull(t *testing.T) {
	f := newFixture(t)
	q := New(f.store, nil, nil, Config{QueueSize: 1})

	if err := q.Enqueue("a"); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := q.Enqueue("b"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}
}
