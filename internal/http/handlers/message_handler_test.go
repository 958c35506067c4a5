package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/arvind24rao/loopworking/internal/domain"
	"github.com/arvind24rao/loopworking/internal/services"
)

// stubMsgSvc scripts the message lifecycle operations.
type stubMsgSvc struct {
	post   func(context.Context, string, string, string) (*domain.Message, error)
	stream func(context.Context, string, string, int) ([]domain.Message, error)
	stats  func(context.Context, string, string) (int64, *time.Time, error)
}

func (s *stubMsgSvc) Post(ctx context.Context, threadID, viewerID, content string) (*domain.Message, error) {
	if s.post != nil {
		return s.post(ctx, threadID, viewerID, content)
	}
	return &domain.Message{ID: uuid.NewString(), ThreadID: threadID, CreatedBy: viewerID, Content: content}, nil
}

func (s *stubMsgSvc) ViewerStream(ctx context.Context, threadID, viewerID string, limit int) ([]domain.Message, error) {
	if s.stream != nil {
		return s.stream(ctx, threadID, viewerID, limit)
	}
	return nil, nil
}

func (s *stubMsgSvc) StreamStats(ctx context.Context, threadID, viewerID string) (int64, *time.Time, error) {
	if s.stats != nil {
		return s.stats(ctx, threadID, viewerID)
	}
	return 0, nil, nil
}

func newMsgRouter(svc MessageService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := New(nil, svc, nil)
	r.POST("/messages", h.PostMessage)
	r.GET("/messages", h.ListMessages)
	return r
}

func postJSON(t *testing.T, r *gin.Engine, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestPostMessage_CreatedWithSanitizedContent(t *testing.T) {
	var gotContent string
	svc := &stubMsgSvc{post: func(_ context.Context, threadID, viewerID, content string) (*domain.Message, error) {
		gotContent = content
		return &domain.Message{ID: "m1", ThreadID: threadID, CreatedBy: viewerID, Content: content}, nil
	}}
	r := newMsgRouter(svc)

	w := postJSON(t, r, PostMessageRequest{
		ThreadID: uuid.NewString(),
		UserID:   uuid.NewString(),
		Content:  "line one\r\n\r\n\r\n\r\nline two\r\n",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotContent != "line one\n\nline two" {
		t.Fatalf("content not normalized: %q", gotContent)
	}

	var resp PostMessageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message == nil || resp.Message.ID != "m1" {
		t.Fatalf("envelope = %+v", resp)
	}
}

func TestPostMessage_BadPayloads(t *testing.T) {
	svc := &stubMsgSvc{post: func(_ context.Context, _, _, _ string) (*domain.Message, error) {
		t.Fatalf("service must not be reached")
		return nil, nil
	}}
	r := newMsgRouter(svc)

	cases := []struct {
		name string
		body any
	}{
		{"missing thread", PostMessageRequest{UserID: uuid.NewString(), Content: "x"}},
		{"bad thread uuid", PostMessageRequest{ThreadID: "nope", UserID: uuid.NewString(), Content: "x"}},
		{"missing user", PostMessageRequest{ThreadID: uuid.NewString(), Content: "x"}},
		{"missing content", PostMessageRequest{ThreadID: uuid.NewString(), UserID: uuid.NewString()}},
		{"whitespace content", PostMessageRequest{ThreadID: uuid.NewString(), UserID: uuid.NewString(), Content: "  \r\n  "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if w := postJSON(t, r, tc.body); w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestPostMessage_ServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.ErrThreadNotFound, http.StatusNotFound},
		{services.ErrNotMember, http.StatusForbidden},
		{services.ErrEmptyContent, http.StatusBadRequest},
		{services.ErrTooLong, http.StatusBadRequest},
		{fmt.Errorf("db locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &stubMsgSvc{post: func(_ context.Context, _, _, _ string) (*domain.Message, error) {
			return nil, tc.err
		}}
		r := newMsgRouter(svc)
		w := postJSON(t, r, PostMessageRequest{ThreadID: uuid.NewString(), UserID: uuid.NewString(), Content: "x"})
		if w.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

func getStream(t *testing.T, r *gin.Engine, target, inm string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if inm != "" {
		req.Header.Set("If-None-Match", inm)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestListMessages_ValidatesIDs(t *testing.T) {
	r := newMsgRouter(&stubMsgSvc{})
	u := uuid.NewString()

	if w := getStream(t, r, "/messages?thread_id=bad&user_id="+u, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad thread: status = %d", w.Code)
	}
	if w := getStream(t, r, "/messages?thread_id="+u+"&user_id=bad", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("bad user: status = %d", w.Code)
	}
}

func TestListMessages_ClampsLimit(t *testing.T) {
	var gotLimit int
	svc := &stubMsgSvc{stream: func(_ context.Context, _, _ string, limit int) ([]domain.Message, error) {
		gotLimit = limit
		return nil, nil
	}}
	r := newMsgRouter(svc)
	base := "/messages?thread_id=" + uuid.NewString() + "&user_id=" + uuid.NewString()

	getStream(t, r, base, "")
	if gotLimit != 100 {
		t.Fatalf("default limit = %d, want 100", gotLimit)
	}
	getStream(t, r, base+"&limit=9999", "")
	if gotLimit != 500 {
		t.Fatalf("capped limit = %d, want 500", gotLimit)
	}
	getStream(t, r, base+"&limit=-3", "")
	if gotLimit != 1 {
		t.Fatalf("floored limit = %d, want 1", gotLimit)
	}
}

func TestListMessages_ETagRoundTrip(t *testing.T) {
	threadID := uuid.NewString()
	viewerID := uuid.NewString()
	ts := time.Date(2025, 7, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubMsgSvc{
		stats: func(_ context.Context, _, _ string) (int64, *time.Time, error) {
			return 4, &ts, nil
		},
		stream: func(_ context.Context, _, _ string, _ int) ([]domain.Message, error) {
			return []domain.Message{{ID: "m1"}}, nil
		},
	}
	r := newMsgRouter(svc)
	target := "/messages?thread_id=" + threadID + "&user_id=" + viewerID

	w := getStream(t, r, target, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	want := fmt.Sprintf(`W/"stream:%s:%s:4:%d"`, threadID, viewerID, ts.Unix())
	if etag != want {
		t.Fatalf("etag = %q, want %q", etag, want)
	}

	// Same tag back yields 304 and an empty body.
	w = getStream(t, r, target, etag)
	if w.Code != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("304 must not carry a body: %q", w.Body.String())
	}

	// A stale tag gets the full stream again.
	w = getStream(t, r, target, `W/"stream:old"`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp ListMessagesResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Messages) != 1 {
		t.Fatalf("stream = %+v", resp)
	}
}

func TestListMessages_ServiceErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{services.ErrThreadNotFound, http.StatusNotFound},
		{services.ErrNotMember, http.StatusForbidden},
		{fmt.Errorf("db locked"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		svc := &stubMsgSvc{
			stats: func(_ context.Context, _, _ string) (int64, *time.Time, error) {
				return 0, nil, tc.err
			},
			stream: func(_ context.Context, _, _ string, _ int) ([]domain.Message, error) {
				return nil, tc.err
			},
		}
		r := newMsgRouter(svc)
		w := getStream(t, r, "/messages?thread_id="+uuid.NewString()+"&user_id="+uuid.NewString(), "")
		if w.Code != tc.want {
			t.Fatalf("%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}
