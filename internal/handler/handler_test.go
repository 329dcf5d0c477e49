package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/ieltsprep/internal/auth"
	"github.com/pavelanni/ieltsprep/internal/grading"
	"github.com/pavelanni/ieltsprep/internal/i18n"
	"github.com/pavelanni/ieltsprep/internal/model"
	"github.com/pavelanni/ieltsprep/internal/store"
)

func TestMain(m *testing.M) {
	if err := i18n.Init("en"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type testEnv struct {
	t      *testing.T
	store  *store.Store
	queue  *fakeQueue
	tokens *auth.Issuer
	router http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tokens, err := auth.NewIssuer("test-secret", "ieltsprep-test", time.Hour)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	q := &fakeQueue{}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(i18n.Middleware())
	New(st, q, tokens).Routes(r)

	return &testEnv{t: t, store: st, queue: q, tokens: tokens, router: r}
}

// user creates a user with the given role and returns a bearer token for it.
func (e *testEnv) user(username string, role model.UserRole) (int64, string) {
	e.t.Helper()
	id, err := e.store.CreateUser(model.User{
		Username:    username,
		DisplayName: username,
		Email:       username + "@example.com",
		Role:        role,
		Active:      true,
	})
	if err != nil {
		e.t.Fatalf("CreateUser: %v", err)
	}
	token, _, err := e.tokens.Issue(model.User{ID: id, Username: username, Role: role})
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return id, token
}

type response struct {
	status int
	header http.Header
	body   []byte
	env    struct {
		OK    bool            `json:"ok"`
		Data  json.RawMessage `json:"data"`
		Error *ErrorPayload   `json:"error"`
		Meta  Meta            `json:"meta"`
	}
}

func (e *testEnv) do(method, path, token string, body any) *response {
	e.t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)

	res := &response{status: rec.Code, header: rec.Header(), body: rec.Body.Bytes()}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(res.body, &res.env); err != nil {
			e.t.Fatalf("%s %s: decode envelope: %v\n%s", method, path, err, res.body)
		}
	}
	return res
}

func (r *response) expect(t *testing.T, status int) *response {
	t.Helper()
	if r.status != status {
		t.Fatalf("status = %d, want %d; body: %s", r.status, status, r.body)
	}
	return r
}

func (r *response) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.env.Data, v); err != nil {
		t.Fatalf("decode data: %v\n%s", err, r.body)
	}
}

// seedExam stores a published exam with a reading and a writing section.
func (e *testEnv) seedExam(published bool) model.ExamView {
	e.t.Helper()
	id, err := e.store.ImportExam(model.ExamImport{
		Title:     "Academic Practice 1",
		Module:    "academic",
		Published: published,
		Sections: []model.SectionImport{
			{
				Skill:       model.SkillReading,
				Title:       "Passage 1",
				Content:     "The [T*cat] sat on the [T].\n",
				AnswerKey:   map[int][]string{2: {"mat"}},
				StartNumber: 1,
			},
			{Skill: model.SkillWriting, Title: "Task 2", Content: "Some people think..."},
		},
	}, 1)
	if err != nil {
		e.t.Fatalf("ImportExam: %v", err)
	}
	view, err := e.store.GetExamView(id)
	if err != nil {
		e.t.Fatalf("GetExamView: %v", err)
	}
	return *view
}

func TestRequireAuth(t *testing.T) {
	env := newTestEnv(t)
	id, token := env.user("alice", model.UserRoleStudent)

	other, err := auth.NewIssuer("other-secret", "ieltsprep-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	forged, _, err := other.Issue(model.User{ID: id, Username: "alice", Role: model.UserRoleAdmin})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"wrong secret", "Bearer " + forged, http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "bearer " + token, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	var me model.User
	env.do(http.MethodGet, "/api/me", token, nil).expect(t, http.StatusOK).decode(t, &me)
	if me.Username != "alice" || me.Role != model.UserRoleStudent {
		t.Errorf("me = %+v", me)
	}

	if err := env.store.ToggleUserActive(id); err != nil {
		t.Fatal(err)
	}
	res := env.do(http.MethodGet, "/api/me", token, nil).expect(t, http.StatusUnauthorized)
	if res.env.OK || res.env.Error == nil || res.env.Error.Message != "account is disabled" {
		t.Errorf("envelope = %+v", res.env)
	}
}

func TestEnvelope(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.user("alice", model.UserRoleStudent)

	res := env.do(http.MethodGet, "/api/exams/999", token, nil).expect(t, http.StatusNotFound)
	if res.env.OK {
		t.Error("ok = true on error")
	}
	if res.env.Error == nil || res.env.Error.Code != "not_found" {
		t.Errorf("error = %+v", res.env.Error)
	}
	if res.env.Meta.RequestID == "" {
		t.Error("missing request id")
	}

	res = env.do(http.MethodGet, "/api/exams/abc", token, nil).expect(t, http.StatusBadRequest)
	if res.env.Error.Message != "invalid examID" {
		t.Errorf("message = %q", res.env.Error.Message)
	}

	res = env.do(http.MethodGet, "/healthz", "", nil).expect(t, http.StatusOK)
	if !res.env.OK {
		t.Error("healthz not ok")
	}
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	_, student := env.user("student", model.UserRoleStudent)
	_, teacher := env.user("teacher", model.UserRoleTeacher)
	_, moderator := env.user("mod", model.UserRoleModerator)
	_, admin := env.user("admin", model.UserRoleAdmin)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"student cannot author", http.MethodPost, "/api/exams", student, map[string]any{"title": "X"}, http.StatusForbidden},
		{"moderator cannot author", http.MethodPost, "/api/exams", moderator, map[string]any{"title": "X"}, http.StatusForbidden},
		{"teacher authors", http.MethodPost, "/api/exams", teacher, map[string]any{"title": "X"}, http.StatusCreated},
		{"admin authors", http.MethodPost, "/api/exams", admin, map[string]any{"title": "Y"}, http.StatusCreated},
		{"student cannot moderate", http.MethodGet, "/api/moderation/flags", student, nil, http.StatusForbidden},
		{"teacher cannot moderate", http.MethodGet, "/api/moderation/flags", teacher, nil, http.StatusForbidden},
		{"moderator moderates", http.MethodGet, "/api/moderation/flags", moderator, nil, http.StatusOK},
		{"admin moderates", http.MethodGet, "/api/moderation/flags", admin, nil, http.StatusOK},
		{"teacher is not admin", http.MethodGet, "/api/admin/users", teacher, nil, http.StatusForbidden},
		{"admin lists users", http.MethodGet, "/api/admin/users", admin, nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.do(tt.method, tt.path, tt.token, tt.body).expect(t, tt.want)
		})
	}
}

func TestExamAuthoring(t *testing.T) {
	env := newTestEnv(t)
	_, student := env.user("student", model.UserRoleStudent)
	_, teacher := env.user("teacher", model.UserRoleTeacher)

	res := env.do(http.MethodPost, "/api/exams", teacher, map[string]any{"title": "  ", "module": "other"}).
		expect(t, http.StatusUnprocessableEntity)
	wantFields := map[string]string{"title": "cannot be blank", "module": "must be one of: academic general"}
	if diff := cmp.Diff(wantFields, res.env.Error.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}

	env.do(http.MethodPost, "/api/exams", teacher, `{"title":"X","bogus":1}`).expect(t, http.StatusBadRequest)

	var exam model.Exam
	env.do(http.MethodPost, "/api/exams", teacher, map[string]any{"title": "Mock 1", "module": "academic"}).
		expect(t, http.StatusCreated).decode(t, &exam)
	examPath := "/api/exams/" + strconv.FormatInt(exam.ID, 10)

	var sec model.Section
	env.do(http.MethodPost, examPath+"/sections", teacher, map[string]any{
		"skill":        "listening",
		"title":        "Part 1",
		"content":      "Name: [T*Smith]\n",
		"start_number": 1,
	}).expect(t, http.StatusCreated).decode(t, &sec)
	if sec.ExamID != exam.ID || sec.Skill != model.SkillListening {
		t.Errorf("section = %+v", sec)
	}

	env.do(http.MethodGet, examPath, student, nil).expect(t, http.StatusNotFound)
	var list []model.Exam
	env.do(http.MethodGet, "/api/exams", student, nil).expect(t, http.StatusOK).decode(t, &list)
	if len(list) != 0 {
		t.Errorf("student sees %d unpublished exams", len(list))
	}

	env.do(http.MethodPut, examPath+"/published", teacher, map[string]bool{"published": true}).expect(t, http.StatusOK)

	var got struct {
		Exam     model.Exam       `json:"exam"`
		Sections []map[string]any `json:"sections"`
	}
	env.do(http.MethodGet, examPath, student, nil).expect(t, http.StatusOK).decode(t, &got)
	if len(got.Sections) != 1 {
		t.Fatalf("sections = %d, want 1", len(got.Sections))
	}
	if _, ok := got.Sections[0]["content"]; ok {
		t.Error("student view exposes section content")
	}
	if _, ok := got.Sections[0]["answer_key"]; ok {
		t.Error("student view exposes answer key")
	}
	if got.Sections[0]["max_score"] != float64(1) {
		t.Errorf("max_score = %v, want 1", got.Sections[0]["max_score"])
	}

	secPath := examPath + "/sections/" + strconv.FormatInt(sec.ID, 10)
	env.do(http.MethodPut, secPath, teacher, map[string]any{"skill": "listening", "title": "Part 1 (revised)", "content": "x"}).
		expect(t, http.StatusOK)
	env.do(http.MethodDelete, secPath, student, nil).expect(t, http.StatusForbidden)
	env.do(http.MethodDelete, secPath, teacher, nil).expect(t, http.StatusNoContent)
	env.do(http.MethodDelete, secPath, teacher, nil).expect(t, http.StatusNotFound)
	env.do(http.MethodDelete, examPath, teacher, nil).expect(t, http.StatusNoContent)
	env.do(http.MethodGet, examPath, teacher, nil).expect(t, http.StatusNotFound)
}

func TestRenderSection(t *testing.T) {
	env := newTestEnv(t)
	_, student := env.user("student", model.UserRoleStudent)
	_, teacher := env.user("teacher", model.UserRoleTeacher)
	view := env.seedExam(true)
	path := "/api/exams/" + strconv.FormatInt(view.Exam.ID, 10) +
		"/sections/" + strconv.FormatInt(view.Sections[0].ID, 10)

	var take renderResponse
	env.do(http.MethodGet, path+"/render", student, nil).expect(t, http.StatusOK).decode(t, &take)
	if !strings.Contains(take.HTML, `name="q1"`) || !strings.Contains(take.HTML, `name="q2"`) {
		t.Errorf("take html missing inputs:\n%s", take.HTML)
	}
	if strings.Contains(take.HTML, "mat") {
		t.Errorf("take html leaks the answer key:\n%s", take.HTML)
	}
	if diff := cmp.Diff([]int{1, 2}, take.Questions); diff != "" {
		t.Errorf("questions mismatch (-want +got):\n%s", diff)
	}

	env.do(http.MethodGet, path+"/render?mode=key", student, nil).expect(t, http.StatusForbidden)
	env.do(http.MethodGet, path+"/render?mode=review", teacher, nil).expect(t, http.StatusBadRequest)
	env.do(http.MethodGet, path+"/render?mode=nope", teacher, nil).expect(t, http.StatusBadRequest)

	var key renderResponse
	env.do(http.MethodGet, path+"/render?mode=key", teacher, nil).expect(t, http.StatusOK).decode(t, &key)
	if !strings.Contains(key.HTML, "mat") || key.Mode != "key" {
		t.Errorf("key render = %+v", key)
	}

	res := env.do(http.MethodGet, path+"/preview", teacher, nil).expect(t, http.StatusOK)
	if ct := res.header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("preview content type = %q", ct)
	}
	if !strings.Contains(string(res.body), "Academic Practice 1") {
		t.Errorf("preview missing exam title:\n%s", res.body)
	}
	env.do(http.MethodGet, path+"/preview", student, nil).expect(t, http.StatusForbidden)
}

func TestMarkupPreview(t *testing.T) {
	env := newTestEnv(t)
	_, teacher := env.user("teacher", model.UserRoleTeacher)

	var got struct {
		HTML     string `json:"html"`
		MaxScore int    `json:"max_score"`
		Result   struct {
			Score    int `json:"score"`
			MaxScore int `json:"max_score"`
		} `json:"result"`
	}
	env.do(http.MethodPost, "/api/markup/preview", teacher, map[string]any{
		"content":   "[D]red|*blue|green[/D] and [T*sky]",
		"mode":      "review",
		"responses": map[string][]string{"q1": {"blue"}, "q2": {"sea"}},
	}).expect(t, http.StatusOK).decode(t, &got)
	if got.MaxScore != 2 || got.Result.Score != 1 || got.Result.MaxScore != 2 {
		t.Errorf("preview = %+v", got)
	}

	env.do(http.MethodPost, "/api/markup/preview", teacher, map[string]any{"mode": "edit"}).
		expect(t, http.StatusUnprocessableEntity)
}

func TestImportExam(t *testing.T) {
	env := newTestEnv(t)
	_, teacher := env.user("teacher", model.UserRoleTeacher)

	file := `title: Imported Mock
module: general
published: true
sections:
  - skill: reading
    title: Passage 1
    start_number: 1
    content: |
      The answer is [T].
    answer_key:
      1: [forty]
`
	var first struct {
		ExamID   int64 `json:"exam_id"`
		Sections int   `json:"sections"`
		Skipped  bool  `json:"skipped"`
	}
	env.do(http.MethodPost, "/api/exams/import?name=mock.yaml", teacher, file).
		expect(t, http.StatusCreated).decode(t, &first)
	if first.ExamID == 0 || first.Sections != 1 || first.Skipped {
		t.Errorf("first import = %+v", first)
	}

	var second struct {
		Skipped bool `json:"skipped"`
	}
	env.do(http.MethodPost, "/api/exams/import?name=mock.yaml", teacher, file).
		expect(t, http.StatusOK).decode(t, &second)
	if !second.Skipped {
		t.Error("unchanged file was imported twice")
	}

	env.do(http.MethodPost, "/api/exams/import", teacher, "title: x\nunknown: 1\n").
		expect(t, http.StatusUnprocessableEntity)
	env.do(http.MethodPost, "/api/exams/import", teacher, "").expect(t, http.StatusBadRequest)

	view, err := env.store.GetExamView(first.ExamID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(map[int][]string{1: {"forty"}}, view.Sections[0].AnswerKey); diff != "" {
		t.Errorf("answer key mismatch (-want +got):\n%s", diff)
	}
}

func TestObjectiveAttempt(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.user("alice", model.UserRoleStudent)
	_, bob := env.user("bob", model.UserRoleStudent)
	_, teacher := env.user("teacher", model.UserRoleTeacher)
	view := env.seedExam(true)
	reading, writing := view.Sections[0], view.Sections[1]

	var attempt model.Attempt
	env.do(http.MethodPost, "/api/exams/"+strconv.FormatInt(view.Exam.ID, 10)+"/attempts", alice, nil).
		expect(t, http.StatusCreated).decode(t, &attempt)
	if attempt.Status != model.AttemptInProgress {
		t.Fatalf("status = %q", attempt.Status)
	}
	base := "/api/attempts/" + strconv.FormatInt(attempt.ID, 10)
	readingPath := base + "/sections/" + strconv.FormatInt(reading.ID, 10)
	writingPath := base + "/sections/" + strconv.FormatInt(writing.ID, 10)

	env.do(http.MethodGet, readingPath+"/review", alice, nil).expect(t, http.StatusNotFound)

	var graded answersResponse
	env.do(http.MethodPost, readingPath+"/answers", alice, map[string]any{
		"responses": map[string][]string{"q1": {" CAT "}, "q2": {"rug"}},
	}).expect(t, http.StatusOK).decode(t, &graded)
	if graded.Score != 1 || graded.MaxScore != 2 || graded.Percent != 50 || graded.Answered != 2 {
		t.Errorf("graded = %+v", graded)
	}

	env.do(http.MethodPost, readingPath+"/answers", alice, map[string]any{
		"responses": map[string][]string{"q2": {"mat"}},
	}).expect(t, http.StatusConflict)
	env.do(http.MethodPost, readingPath+"/answers", bob, map[string]any{
		"responses": map[string][]string{},
	}).expect(t, http.StatusNotFound)
	env.do(http.MethodPost, writingPath+"/answers", alice, map[string]any{
		"responses": map[string][]string{},
	}).expect(t, http.StatusBadRequest)

	var review reviewResponse
	env.do(http.MethodGet, readingPath+"/review", alice, nil).expect(t, http.StatusOK).decode(t, &review)
	if review.Score != 1 || !strings.Contains(review.HTML, "mat") {
		t.Errorf("review = %+v", review)
	}
	env.do(http.MethodGet, readingPath+"/review", bob, nil).expect(t, http.StatusNotFound)
	env.do(http.MethodGet, readingPath+"/review", teacher, nil).expect(t, http.StatusOK)

	var detail attemptDetail
	env.do(http.MethodGet, base, alice, nil).expect(t, http.StatusOK).decode(t, &detail)
	if len(detail.Results) != 1 || detail.Results[0].Score != 1 {
		t.Errorf("results = %+v", detail.Results)
	}

	var mine []model.Attempt
	env.do(http.MethodGet, "/api/attempts", alice, nil).expect(t, http.StatusOK).decode(t, &mine)
	if len(mine) != 1 {
		t.Errorf("alice has %d attempts, want 1", len(mine))
	}
	env.do(http.MethodGet, "/api/attempts", bob, nil).expect(t, http.StatusOK).decode(t, &mine)
	if len(mine) != 0 {
		t.Errorf("bob has %d attempts, want 0", len(mine))
	}

	var finished model.Attempt
	env.do(http.MethodPost, base+"/finish", alice, nil).expect(t, http.StatusOK).decode(t, &finished)
	if finished.Status != model.AttemptSubmitted || finished.SubmittedAt == nil {
		t.Errorf("finished = %+v", finished)
	}
	env.do(http.MethodPost, base+"/finish", alice, nil).expect(t, http.StatusConflict)
	env.do(http.MethodPost, writingPath+"/submissions", alice, map[string]string{"text": "late"}).
		expect(t, http.StatusConflict)
}

func TestUnpublishedExamAttempt(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.user("alice", model.UserRoleStudent)
	view := env.seedExam(false)
	env.do(http.MethodPost, "/api/exams/"+strconv.FormatInt(view.Exam.ID, 10)+"/attempts", alice, nil).
		expect(t, http.StatusNotFound)
}

func TestWritingSubmission(t *testing.T) {
	env := newTestEnv(t)
	aliceID, alice := env.user("alice", model.UserRoleStudent)
	_, bob := env.user("bob", model.UserRoleStudent)
	view := env.seedExam(true)

	attemptID, err := env.store.CreateAttempt(view.Exam.ID, aliceID)
	if err != nil {
		t.Fatal(err)
	}
	base := "/api/attempts/" + strconv.FormatInt(attemptID, 10)
	writingPath := base + "/sections/" + strconv.FormatInt(view.Sections[1].ID, 10)
	readingPath := base + "/sections/" + strconv.FormatInt(view.Sections[0].ID, 10)

	res := env.do(http.MethodPost, writingPath+"/submissions", alice, map[string]string{"text": "   "}).
		expect(t, http.StatusUnprocessableEntity)
	if res.env.Error.Fields["text"] != "cannot be blank" {
		t.Errorf("fields = %v", res.env.Error.Fields)
	}
	env.do(http.MethodPost, readingPath+"/submissions", alice, map[string]string{"text": "x"}).
		expect(t, http.StatusBadRequest)

	var sub model.Submission
	res = env.do(http.MethodPost, writingPath+"/submissions", alice, map[string]string{"text": "My essay."}).
		expect(t, http.StatusAccepted)
	res.decode(t, &sub)
	if sub.Status != model.SubmissionQueued || sub.Skill != model.SkillWriting {
		t.Errorf("submission = %+v", sub)
	}
	if !strings.HasPrefix(sub.Task, "Task 2") {
		t.Errorf("task = %q", sub.Task)
	}
	if loc := res.header.Get("Location"); loc != "/api/submissions/"+sub.ID {
		t.Errorf("Location = %q", loc)
	}
	if diff := cmp.Diff([]string{sub.ID}, env.queue.enqueued()); diff != "" {
		t.Errorf("enqueued mismatch (-want +got):\n%s", diff)
	}

	var polled model.Submission
	env.do(http.MethodGet, "/api/submissions/"+sub.ID, alice, nil).expect(t, http.StatusOK).decode(t, &polled)
	if polled.ID != sub.ID || polled.Status != model.SubmissionQueued {
		t.Errorf("polled = %+v", polled)
	}
	env.do(http.MethodGet, "/api/submissions/"+sub.ID, bob, nil).expect(t, http.StatusNotFound)
	env.do(http.MethodGet, "/api/submissions/not-a-uuid", alice, nil).expect(t, http.StatusBadRequest)

	fb := model.Feedback{OverallBand: 6.5, Summary: "Solid."}
	if _, err := env.store.ClaimSubmission(sub.ID); err != nil {
		t.Fatal(err)
	}
	if err := env.store.CompleteSubmission(sub.ID, fb); err != nil {
		t.Fatal(err)
	}
	env.do(http.MethodGet, "/api/submissions/"+sub.ID, alice, nil).expect(t, http.StatusOK).decode(t, &polled)
	if polled.Status != model.SubmissionDone || polled.Feedback == nil || polled.Feedback.OverallBand != 6.5 {
		t.Errorf("polled = %+v", polled)
	}

	env.queue.err = grading.ErrQueueFull
	env.do(http.MethodPost, writingPath+"/submissions", alice, map[string]string{"text": "Second draft."}).
		expect(t, http.StatusAccepted)
	subs, err := env.store.ListSubmissions(attemptID)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 2 {
		t.Errorf("stored %d submissions, want 2", len(subs))
	}
}

func TestForum(t *testing.T) {
	env := newTestEnv(t)
	_, alice := env.user("alice", model.UserRoleStudent)
	_, bob := env.user("bob", model.UserRoleStudent)
	_, mod := env.user("mod", model.UserRoleModerator)

	env.do(http.MethodPost, "/api/threads", alice, map[string]string{"title": "", "body": "x"}).
		expect(t, http.StatusUnprocessableEntity)

	var created threadDetail
	env.do(http.MethodPost, "/api/threads", alice, map[string]string{
		"title": "Task 2 tips",
		"body":  "Use **linking words**.<script>alert(1)</script>",
	}).expect(t, http.StatusCreated).decode(t, &created)
	if len(created.Posts) != 1 {
		t.Fatalf("posts = %d, want 1", len(created.Posts))
	}
	if html := created.Posts[0].HTML; !strings.Contains(html, "<strong>linking words</strong>") || strings.Contains(html, "<script>") {
		t.Errorf("post html = %q", html)
	}
	threadPath := "/api/threads/" + strconv.FormatInt(created.Thread.ID, 10)

	var reply model.Post
	env.do(http.MethodPost, threadPath+"/posts", bob, map[string]string{"body": "Spam spam"}).
		expect(t, http.StatusCreated).decode(t, &reply)
	postPath := "/api/posts/" + strconv.FormatInt(reply.ID, 10)

	env.do(http.MethodPost, postPath+"/flag", alice, map[string]string{"reason": "spam"}).expect(t, http.StatusOK)
	env.do(http.MethodPost, postPath+"/flag", alice, map[string]string{"reason": "spam"}).expect(t, http.StatusOK)
	env.do(http.MethodPost, "/api/posts/999/flag", alice, map[string]string{}).expect(t, http.StatusNotFound)

	var flagged []model.Post
	env.do(http.MethodGet, "/api/moderation/flags", mod, nil).expect(t, http.StatusOK).decode(t, &flagged)
	if len(flagged) != 1 || flagged[0].ID != reply.ID || flagged[0].Flags != 1 {
		t.Errorf("flagged = %+v", flagged)
	}

	env.do(http.MethodPut, postPath+"/hidden", alice, map[string]bool{"hidden": true}).expect(t, http.StatusForbidden)
	env.do(http.MethodPut, postPath+"/hidden", mod, map[string]bool{"hidden": true}).expect(t, http.StatusOK)

	var seen threadDetail
	env.do(http.MethodGet, threadPath, alice, nil).expect(t, http.StatusOK).decode(t, &seen)
	if len(seen.Posts) != 1 {
		t.Errorf("student sees %d posts, want 1", len(seen.Posts))
	}
	env.do(http.MethodGet, threadPath, mod, nil).expect(t, http.StatusOK).decode(t, &seen)
	if len(seen.Posts) != 2 {
		t.Errorf("moderator sees %d posts, want 2", len(seen.Posts))
	}

	env.do(http.MethodPut, threadPath+"/locked", mod, map[string]bool{"locked": true}).expect(t, http.StatusOK)
	res := env.do(http.MethodPost, threadPath+"/posts", alice, map[string]string{"body": "one more"}).
		expect(t, http.StatusConflict)
	if res.env.Error.Message != "thread is locked" {
		t.Errorf("message = %q", res.env.Error.Message)
	}
	env.do(http.MethodPost, "/api/threads/999/posts", alice, map[string]string{"body": "x"}).expect(t, http.StatusNotFound)

	var second threadDetail
	env.do(http.MethodPost, "/api/threads", bob, map[string]string{"title": "Newer", "body": "hi"}).
		expect(t, http.StatusCreated).decode(t, &second)
	env.do(http.MethodPut, threadPath+"/pinned", mod, map[string]bool{"pinned": true}).expect(t, http.StatusOK)

	var threads []model.Thread
	env.do(http.MethodGet, "/api/threads", alice, nil).expect(t, http.StatusOK).decode(t, &threads)
	var order []int64
	for _, th := range threads {
		order = append(order, th.ID)
	}
	if diff := cmp.Diff([]int64{created.Thread.ID, second.Thread.ID}, order); diff != "" {
		t.Errorf("thread order mismatch (-want +got):\n%s", diff)
	}
	env.do(http.MethodGet, "/api/threads?limit=1&offset=1", alice, nil).expect(t, http.StatusOK).decode(t, &threads)
	if len(threads) != 1 || threads[0].ID != second.Thread.ID {
		t.Errorf("page = %+v", threads)
	}
	env.do(http.MethodGet, "/api/threads?limit=0", alice, nil).expect(t, http.StatusBadRequest)
}

func TestAdminUsers(t *testing.T) {
	env := newTestEnv(t)
	adminID, admin := env.user("admin", model.UserRoleAdmin)

	var created model.User
	env.do(http.MethodPost, "/api/admin/users", admin, map[string]string{
		"username": "carol",
		"email":    "carol@example.com",
		"role":     "teacher",
	}).expect(t, http.StatusCreated).decode(t, &created)
	if created.DisplayName != "carol" || !created.Active || created.Role != model.UserRoleTeacher {
		t.Errorf("created = %+v", created)
	}

	env.do(http.MethodPost, "/api/admin/users", admin, map[string]string{"username": "carol", "role": "student"}).
		expect(t, http.StatusConflict)
	res := env.do(http.MethodPost, "/api/admin/users", admin, map[string]string{
		"username": "dd", "email": "nope", "role": "owner",
	}).expect(t, http.StatusUnprocessableEntity)
	want := map[string]string{
		"username": "must be at least 3",
		"email":    "must be a valid email address",
		"role":     "must be one of: student teacher moderator admin",
	}
	if diff := cmp.Diff(want, res.env.Error.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}

	userPath := "/api/admin/users/" + strconv.FormatInt(created.ID, 10)
	var issued tokenResponse
	env.do(http.MethodPost, userPath+"/token", admin, nil).expect(t, http.StatusCreated).decode(t, &issued)
	if issued.Token == "" || !issued.ExpiresAt.After(time.Now()) {
		t.Errorf("token = %+v", issued)
	}
	var me model.User
	env.do(http.MethodGet, "/api/me", issued.Token, nil).expect(t, http.StatusOK).decode(t, &me)
	if me.ID != created.ID {
		t.Errorf("token identifies user %d, want %d", me.ID, created.ID)
	}

	var updated model.User
	env.do(http.MethodPut, userPath+"/role", admin, map[string]string{"role": "moderator"}).
		expect(t, http.StatusOK).decode(t, &updated)
	if updated.Role != model.UserRoleModerator {
		t.Errorf("role = %q", updated.Role)
	}
	env.do(http.MethodGet, "/api/moderation/flags", issued.Token, nil).expect(t, http.StatusOK)

	env.do(http.MethodPost, userPath+"/toggle-active", admin, nil).expect(t, http.StatusOK).decode(t, &updated)
	if updated.Active {
		t.Error("user still active")
	}
	env.do(http.MethodGet, "/api/me", issued.Token, nil).expect(t, http.StatusUnauthorized)
	env.do(http.MethodPost, userPath+"/token", admin, nil).expect(t, http.StatusConflict)

	self := "/api/admin/users/" + strconv.FormatInt(adminID, 10)
	env.do(http.MethodPost, self+"/toggle-active", admin, nil).expect(t, http.StatusConflict)
	env.do(http.MethodPut, self+"/role", admin, map[string]string{"role": "student"}).expect(t, http.StatusConflict)
	env.do(http.MethodPost, "/api/admin/users/999/token", admin, nil).expect(t, http.StatusNotFound)

	var users []model.User
	env.do(http.MethodGet, "/api/admin/users", admin, nil).expect(t, http.StatusOK).decode(t, &users)
	if len(users) != 2 {
		t.Errorf("users = %d, want 2", len(users))
	}
}

func TestExport(t *testing.T) {
	env := newTestEnv(t)
	aliceID, _ := env.user("alice", model.UserRoleStudent)
	_, admin := env.user("admin", model.UserRoleAdmin)
	view := env.seedExam(true)

	attemptID, err := env.store.CreateAttempt(view.Exam.ID, aliceID)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.store.SaveSectionResult(model.SectionResult{
		AttemptID: attemptID, SectionID: view.Sections[0].ID,
		Responses: map[string][]string{"q1": {"cat"}}, Score: 1, MaxScore: 2,
	}); err != nil {
		t.Fatal(err)
	}

	res := env.do(http.MethodGet, "/api/admin/export", admin, nil).expect(t, http.StatusOK)
	var export model.ResultsExport
	if err := json.Unmarshal(res.body, &export); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(export.Attempts) != 1 || export.Attempts[0].Username != "alice" {
		t.Errorf("export = %+v", export)
	}
	if cd := res.header.Get("Content-Disposition"); cd != `attachment; filename="results.json"` {
		t.Errorf("Content-Disposition = %q", cd)
	}

	res = env.do(http.MethodGet, "/api/admin/export?format=xlsx&exam="+strconv.FormatInt(view.Exam.ID, 10), admin, nil).
		expect(t, http.StatusOK)
	if ct := res.header.Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !bytes.HasPrefix(res.body, []byte("PK")) {
		t.Error("xlsx body is not a zip archive")
	}

	env.do(http.MethodGet, "/api/admin/export?format=csv", admin, nil).expect(t, http.StatusBadRequest)
	env.do(http.MethodGet, "/api/admin/export?exam=x", admin, nil).expect(t, http.StatusBadRequest)
}
