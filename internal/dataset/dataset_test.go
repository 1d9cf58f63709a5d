package dataset

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/suraksha/internal/biometrics"
	"github.com/mbd888/suraksha/internal/telemetry"
)

func record(kind biometrics.Kind, challenge string) telemetry.Record {
	v := &biometrics.FeatureVector{
		Kind:           kind,
		Challenge:      challenge,
		Submitted:      challenge,
		IsCorrect:      true,
		Timestamp:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		CharacterCount: len(challenge),
		FlightTimes:    []float64{12, 45.5},
	}
	return telemetry.NewRecord("", v, biometrics.DeviceMetrics{Platform: "android", ScreenWidth: 390, ScreenHeight: 844, PixelRatio: 3})
}

func seed(t *testing.T, s Store) []*Entry {
	t.Helper()
	var out []*Entry
	for _, r := range []telemetry.Record{
		record(biometrics.KindCaptcha, "aB3xZ"),
		record(biometrics.KindPin, "4821"),
		record(biometrics.KindCaptcha, "Qw9k2p"),
	} {
		e := NewEntry(r)
		require.NoError(t, s.Add(t.Context(), e))
		out = append(out, e)
	}
	return out
}

func TestNewEntry(t *testing.T) {
	e := NewEntry(record(biometrics.KindPin, "4821"))
	_, err := uuid.Parse(e.ID)
	require.NoError(t, err)
	assert.Equal(t, biometrics.KindPin, e.Kind)
	assert.Equal(t, telemetry.MaskedChallenge, e.Record.Captcha)
	assert.False(t, e.CreatedAt.IsZero())
}

func TestParseKind(t *testing.T) {
	for _, s := range []string{"", "pin", "captcha"} {
		k, err := ParseKind(s)
		require.NoError(t, err)
		assert.Equal(t, biometrics.Kind(s), k)
	}
	_, err := ParseKind("voice")
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestMemoryStoreListAndFilter(t *testing.T) {
	s := NewMemoryStore()
	entries := seed(t, s)

	all, err := s.List(t.Context(), "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, entries[2].ID, all[0].ID, "newest first")

	captchas, err := s.List(t.Context(), biometrics.KindCaptcha, 0)
	require.NoError(t, err)
	assert.Len(t, captchas, 2)

	limited, err := s.List(t.Context(), "", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestMemoryStoreGetDelete(t *testing.T) {
	s := NewMemoryStore()
	entries := seed(t, s)

	got, err := s.Get(t.Context(), entries[1].ID)
	require.NoError(t, err)
	assert.Equal(t, biometrics.KindPin, got.Kind)

	got.Record.FlightTimes[0] = 999
	again, _ := s.Get(t.Context(), entries[1].ID)
	assert.Equal(t, float64(12), again.Record.FlightTimes[0])

	require.NoError(t, s.Delete(t.Context(), entries[1].ID))
	_, err = s.Get(t.Context(), entries[1].ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(t.Context(), entries[1].ID), ErrNotFound)
}

func TestMemoryStoreClear(t *testing.T) {
	s := NewMemoryStore()
	entries := seed(t, s)

	n, err := s.Clear(t.Context(), biometrics.KindCaptcha)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = s.Get(t.Context(), entries[0].ID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err = s.Clear(t.Context(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	all, _ := s.List(t.Context(), "", 0)
	assert.Empty(t, all)
}

func TestExportChronological(t *testing.T) {
	s := NewMemoryStore()
	entries := seed(t, s)

	var buf bytes.Buffer
	n, err := Export(t.Context(), s, biometrics.KindCaptcha, &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, strings.Join(telemetry.FieldNames[:], ","), lines[0])
	assert.Equal(t, entries[0].Record.Encode(), lines[1])
	assert.Equal(t, entries[2].Record.Encode(), lines[2])

	rec, err := telemetry.Decode(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "aB3xZ", rec.Captcha)
}

func newTestRouter(t *testing.T) (*gin.Engine, []*Entry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	s := NewMemoryStore()
	entries := seed(t, s)
	r := gin.New()
	NewHandler(s).RegisterRoutes(r.Group("/v1"))
	return r, entries
}

func serve(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestListHandler(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodGet, "/v1/dataset?kind=pin")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Entries []*Entry `json:"entries"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, telemetry.PinUser, resp.Entries[0].Record.Username)

	w = serve(r, http.MethodGet, "/v1/dataset?kind=voice")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExportHandler(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodGet, "/v1/dataset/export?kind=captcha")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "captcha_dataset_")
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.True(t, strings.HasPrefix(w.Body.String(), "username,captcha,userInput,"))
}

func TestGetDeleteClearHandlers(t *testing.T) {
	r, entries := newTestRouter(t)

	w := serve(r, http.MethodGet, "/v1/dataset/"+entries[0].ID)
	assert.Equal(t, http.StatusOK, w.Code)

	w = serve(r, http.MethodDelete, "/v1/dataset/"+entries[0].ID)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = serve(r, http.MethodGet, "/v1/dataset/"+entries[0].ID)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(r, http.MethodDelete, "/v1/dataset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"deleted":2}`, w.Body.String())
}

func TestListPageWalksEveryEntry(t *testing.T) {
	s := NewMemoryStore()
	seeded := seed(t, s)

	var seen []string
	cursor := ""
	for range len(seeded) {
		page, err := ListPage(t.Context(), s, "", cursor, 2)
		require.NoError(t, err)
		for _, e := range page.Entries {
			seen = append(seen, e.ID)
		}
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 3)
	for _, e := range seeded {
		assert.Contains(t, seen, e.ID)
	}
}

func TestListPageSameTimestampOrdersByID(t *testing.T) {
	s := NewMemoryStore()
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ids := []string{
		"00000000-0000-4000-8000-000000000001",
		"00000000-0000-4000-8000-000000000003",
		"00000000-0000-4000-8000-000000000002",
	}
	for _, id := range ids {
		require.NoError(t, s.Add(t.Context(), &Entry{ID: id, Kind: biometrics.KindCaptcha, CreatedAt: at, Record: record(biometrics.KindCaptcha, "aB3xZ")}))
	}

	first, err := ListPage(t.Context(), s, "", "", 2)
	require.NoError(t, err)
	require.True(t, first.HasMore)
	assert.Equal(t, ids[1], first.Entries[0].ID)
	assert.Equal(t, ids[2], first.Entries[1].ID)

	second, err := ListPage(t.Context(), s, "", first.NextCursor, 2)
	require.NoError(t, err)
	assert.False(t, second.HasMore)
	require.Len(t, second.Entries, 1)
	assert.Equal(t, ids[0], second.Entries[0].ID)
}

func TestListHandlerCursor(t *testing.T) {
	r, _ := newTestRouter(t)

	w := serve(r, http.MethodGet, "/v1/dataset?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	var page Page
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	require.True(t, page.HasMore)

	w = serve(r, http.MethodGet, "/v1/dataset?limit=2&cursor="+page.NextCursor)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	assert.False(t, page.HasMore)

	w = serve(r, http.MethodGet, "/v1/dataset?cursor=garbage!")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_cursor")
}
