package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/pavelanni/ieltsprep/internal/model"
)

func TestRoundBand(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{6, 6},
		{6.24, 6},
		{6.25, 6.5},
		{6.6, 6.5},
		{6.75, 7},
		{-1, 0},
		{9.5, 9},
		{12, 9},
	}
	for _, tt := range tests {
		if got := RoundBand(tt.in); got != tt.want {
			t.Errorf("RoundBand(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

const writingJSON = `{
  "task_response": {"band": 6, "comment": "Position is clear."},
  "coherence_cohesion": {"band": 6.5, "comment": " Well organised. "},
  "lexical_resource": {"band": 7.2, "comment": "Good range."},
  "grammar": {"band": 6, "comment": "Some errors."},
  "summary": "A competent response.",
  "suggestions": ["Develop the second body paragraph."]
}`

func TestParseFeedback(t *testing.T) {
	fb, err := parseFeedback(model.SkillWriting, "```json\n"+writingJSON+"\n```")
	if err != nil {
		t.Fatalf("parseFeedback: %v", err)
	}

	want := &model.Feedback{
		Criteria: []model.Criterion{
			{Name: "Task Achievement/Response", Band: 6, Comment: "Position is clear."},
			{Name: "Coherence and Cohesion", Band: 6.5, Comment: "Well organised."},
			{Name: "Lexical Resource", Band: 7, Comment: "Good range."},
			{Name: "Grammatical Range and Accuracy", Band: 6, Comment: "Some errors."},
		},
		// (6 + 6.5 + 7 + 6) / 4 = 6.375
		OverallBand: 6.5,
		Summary:     "A competent response.",
		Suggestions: []string{"Develop the second body paragraph."},
	}
	if diff := cmp.Diff(want, fb); diff != "" {
		t.Errorf("feedback mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFeedbackErrors(t *testing.T) {
	tests := []struct {
		name  string
		skill model.Skill
		raw   string
	}{
		{"not json", model.SkillWriting, "Band 7"},
		{"missing criterion", model.SkillSpeaking, writingJSON},
		{"objective skill", model.SkillReading, writingJSON},
		{"bad criterion", model.SkillWriting, `{"task_response": "seven"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseFeedback(tt.skill, tt.raw); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func fakeOpenAI(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/models":
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `{"object":"list","data":[{"id":"test-model","object":"model"}]}`)
		case "/v1/chat/completions":
			var req struct {
				Model    string `json:"model"`
				Messages []struct {
					Role    string `json:"role"`
					Content string `json:"content"`
				} `json:"messages"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "<student-answer>") {
				t.Errorf("unexpected messages: %+v", req.Messages)
			}
			resp := map[string]any{
				"id":     "chatcmpl-1",
				"object": "chat.completion",
				"model":  req.Model,
				"choices": []map[string]any{{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]string{"role": "assistant", "content": content},
				}},
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGrade(t *testing.T) {
	srv := fakeOpenAI(t, writingJSON)
	c := New(srv.URL+"/v1", "test-key", "test-model")

	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	fb, err := c.Grade(context.Background(), model.Submission{
		ID:    "s1",
		Skill: model.SkillWriting,
		Task:  "Some people think... Discuss both views.",
		Text:  "In recent years many people have argued that...",
	})
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if fb.OverallBand != 6.5 || len(fb.Criteria) != 4 {
		t.Errorf("unexpected feedback: %+v", fb)
	}
}

func TestGradeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL+"/v1", "k", "m")
	if _, err := c.Grade(context.Background(), model.Submission{Skill: model.SkillSpeaking, Text: "hello"}); err == nil {
		t.Error("expected error from failing API")
	}
}
