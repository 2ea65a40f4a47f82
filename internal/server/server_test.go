package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/membank-ai/membank/internal/agent"
	"github.com/membank-ai/membank/internal/config"
	"github.com/membank-ai/membank/internal/errors"
	"github.com/membank-ai/membank/internal/journal"
	"github.com/membank-ai/membank/internal/retriever"
	"github.com/membank-ai/membank/internal/store"
)

type fakeScheduler struct {
	ingests int
	deletes int
	rebuild error
	fulls   int
	status  store.StatusRecord
}

func (f *fakeScheduler) NotifyIngest() { f.ingests++ }
func (f *fakeScheduler) NotifyDelete() { f.deletes++ }
func (f *fakeScheduler) RequestFullRebuild() error {
	if f.rebuild != nil {
		return f.rebuild
	}
	f.fulls++
	return nil
}
func (f *fakeScheduler) Status() (store.StatusRecord, error) { return f.status, nil }

type fakeChatter struct {
	answer    string
	err       error
	histories [][]agent.Message
}

func (f *fakeChatter) Respond(ctx context.Context, userMessage string, history []agent.Message) (string, error) {
	f.histories = append(f.histories, history)
	if f.err != nil {
		return "", f.err
	}
	return f.answer, nil
}

type constEmbedder struct{}

func (constEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0, 0}, nil
}
func (constEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0, 0}
	}
	return out, nil
}
func (constEmbedder) Dimensions() int { return 2 }
func (constEmbedder) Close() error    { return nil }

type fixture struct {
	server    *Server
	router    http.Handler
	records   *journal.Store
	scheduler *fakeScheduler
	chatter   *fakeChatter
	cfg       *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Paths = config.PathsConfig{
		Records:    filepath.Join(cfg.DataDir, "records.json"),
		Index:      filepath.Join(cfg.DataDir, "memory.index"),
		Metadata:   filepath.Join(cfg.DataDir, "metadata.json"),
		IndexedIDs: filepath.Join(cfg.DataDir, "indexed_ids.json"),
		DirtyFlag:  filepath.Join(cfg.DataDir, ".need_reindex"),
		Status:     filepath.Join(cfg.DataDir, ".index_status.json"),
	}

	records, err := journal.OpenStore(cfg.Paths.Records)
	require.NoError(t, err)

	retr := retriever.New(constEmbedder{}, slog.Default())
	idx := store.NewVectorIndex(2)
	require.NoError(t, idx.Add([]float32{0, 0}))
	retr.Publish(&retriever.Snapshot{
		Index: idx,
		Metadata: []journal.SubChunk{
			{ID: "voice_1", Source: "voice", Date: "2026-08-20", Content: "和张三一起吃了午饭"},
		},
	})

	scheduler := &fakeScheduler{status: store.StatusRecord{Status: store.StatusIdle}}
	chatter := &fakeChatter{answer: "好的"}

	srv := New(cfg, records, retr, chatter, scheduler, slog.Default())
	srv.Now = func() time.Time { return time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC) }

	return &fixture{
		server:    srv,
		router:    srv.Router(),
		records:   records,
		scheduler: scheduler,
		chatter:   chatter,
		cfg:       cfg,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestRetrieve_ReturnsHits(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/retrieve", map[string]any{"query": "张三"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["total"])

	hits := body["results"].([]any)
	hit := hits[0].(map[string]any)
	assert.Equal(t, "voice_1", hit["id"])
	assert.Equal(t, retriever.OriginKeyword, hit["origin"])
}

func TestRetrieve_EmptyQueryIs400(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/retrieve", map[string]any{"query": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRetrieve_DateFilterPassedThrough(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/retrieve", map[string]any{
		"query": "张三", "date_filter": "2026-07", "max_results": 5,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Nothing in July; the relaxation still finds the keyword hit.
	body := decode(t, w)
	assert.Equal(t, float64(1), body["total"])
}

func TestChat_AssignsSessionAndKeepsHistory(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/chat", map[string]any{"message": "你好"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "好的", body["response"])

	sessionID, ok := body["session_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, sessionID)

	// Second turn in the same session sees the first exchange.
	w = f.do(t, http.MethodPost, "/chat", map[string]any{
		"message": "那天呢？", "session_id": sessionID,
	})
	require.Equal(t, http.StatusOK, w.Code)

	require.Len(t, f.chatter.histories, 2)
	assert.Empty(t, f.chatter.histories[0])
	require.Len(t, f.chatter.histories[1], 2)
	assert.Equal(t, "你好", f.chatter.histories[1][0].Content)
}

func TestChat_EmptyMessageIs400(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/chat", map[string]any{"message": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestChat_AgentFailureIs500(t *testing.T) {
	f := newFixture(t)
	f.chatter.err = errors.ChatError("backend down", nil)

	w := f.do(t, http.MethodPost, "/chat", map[string]any{"message": "你好"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, false, decode(t, w)["success"])
}

func TestChat_FailedTurnNotStoredInSession(t *testing.T) {
	f := newFixture(t)
	f.chatter.err = errors.ChatError("backend down", nil)
	f.do(t, http.MethodPost, "/chat", map[string]any{"message": "你好", "session_id": "s1"})

	f.chatter.err = nil
	f.do(t, http.MethodPost, "/chat", map[string]any{"message": "再试", "session_id": "s1"})
	assert.Empty(t, f.chatter.histories[1])
}

func TestRebuildIndex_SchedulesWhenIdle(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/rebuild-index", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, f.scheduler.fulls)
}

func TestRebuildIndex_BusyIs409(t *testing.T) {
	f := newFixture(t)
	f.scheduler.rebuild = errors.New(errors.ErrCodeRebuildBusy, "an index rebuild is already running", nil)

	w := f.do(t, http.MethodPost, "/rebuild-index", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestIndexStatus(t *testing.T) {
	f := newFixture(t)
	f.scheduler.status = store.StatusRecord{Status: store.StatusRunning, Progress: 0.4, Message: "batch 2/5"}

	w := f.do(t, http.MethodGet, "/index-status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, store.StatusRunning, body["status"])
	assert.Equal(t, 0.4, body["progress"])
}

func TestCreateRecord_AppendsAndSchedules(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/records", map[string]any{"content": "今天喝了咖啡"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	rec := body["record"].(map[string]any)
	assert.Equal(t, "voice_20260825_093000", rec["id"])
	assert.Equal(t, "2026-08-25", rec["date"])
	assert.Equal(t, "voice", rec["source"])

	assert.Equal(t, 1, f.records.Len())
	assert.True(t, store.NewDirtyFlag(f.cfg.Paths.DirtyFlag).IsSet())
	assert.Equal(t, 1, f.scheduler.ingests)
}

func TestCreateRecord_EmptyContentIs400(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPost, "/records", map[string]any{"content": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, f.scheduler.ingests)
}

func TestCreateRecord_CollidingTimestampsGetSuffix(t *testing.T) {
	f := newFixture(t)
	first := f.do(t, http.MethodPost, "/records", map[string]any{"content": "一"})
	second := f.do(t, http.MethodPost, "/records", map[string]any{"content": "二"})
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	id1 := decode(t, first)["record"].(map[string]any)["id"].(string)
	id2 := decode(t, second)["record"].(map[string]any)["id"].(string)
	assert.NotEqual(t, id1, id2)
}

func TestListRecords_SortedNewestFirst(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.records.Append(journal.Record{ID: "a", Source: "voice", Date: "2026-08-20", Time: "08:00", Content: "旧"}))
	require.NoError(t, f.records.Append(journal.Record{ID: "b", Source: "voice", Date: "2026-08-25", Time: "09:00", Content: "新"}))
	require.NoError(t, f.records.Append(journal.Record{ID: "c", Source: "voice", Date: "2026-08-25", Time: "07:00", Content: "早"}))

	w := f.do(t, http.MethodGet, "/records", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.Equal(t, float64(3), body["total"])
	records := body["records"].([]any)
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.(map[string]any)["id"].(string)
	}
	assert.Equal(t, []string{"b", "c", "a"}, ids)
}

func TestUpdateRecord(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.records.Append(journal.Record{ID: "a", Source: "voice", Date: "2026-08-20", Content: "旧内容"}))

	w := f.do(t, http.MethodPut, "/records/a", map[string]any{"content": "新内容"})
	require.Equal(t, http.StatusOK, w.Code)

	rec, ok := f.records.Get("a")
	require.True(t, ok)
	assert.Equal(t, "新内容", rec.Content)
	assert.Equal(t, 1, f.scheduler.deletes)
}

func TestUpdateRecord_MissingIs404(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodPut, "/records/nope", map[string]any{"content": "x"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeleteRecord(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.records.Append(journal.Record{ID: "a", Source: "voice", Date: "2026-08-20", Content: "内容"}))

	w := f.do(t, http.MethodDelete, "/records/a", nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.False(t, f.records.Has("a"))
	assert.True(t, store.NewDirtyFlag(f.cfg.Paths.DirtyFlag).IsSet())
	assert.Equal(t, 1, f.scheduler.deletes)
}

func TestDeleteRecord_MissingIs404(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodDelete, "/records/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSessionStore_CapsHistory(t *testing.T) {
	s := newSessionStore()
	for i := 0; i < 15; i++ {
		s.Append("s", fmt.Sprintf("问%d", i), fmt.Sprintf("答%d", i))
	}

	history := s.History("s")
	require.Len(t, history, maxSessionMessages)
	assert.Equal(t, "问5", history[0].Content)
	assert.Equal(t, "答14", history[len(history)-1].Content)
}
