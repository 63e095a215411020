package httpapi_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"metachat/dm-sync-service/internal/apperrors"
	"metachat/dm-sync-service/internal/mocks"
	"metachat/dm-sync-service/internal/models"
	"metachat/dm-sync-service/internal/repository"
	"metachat/dm-sync-service/internal/service"
	"metachat/dm-sync-service/internal/transport/httpapi"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestServer(t *testing.T, repo repository.ChatRepository) http.Handler {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return httpapi.NewServer(service.NewChatService(repo, logger, 0), logger, nil)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, repository.NewMemoryRepository())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestUserChats_ReturnsRawRecords(t *testing.T) {
	r := require.New(t)
	repo := repository.NewMemoryRepository()
	repo.PutChat(&models.ChatRecord{
		ID:           "c1",
		Participants: map[string]bool{"u1": true, "u2": true},
		Messages:     map[string]models.Message{"m1": {Sender: "u1", Text: "hi", Timestamp: 100}},
	})
	repo.PutChat(&models.ChatRecord{ID: "c2", Participants: map[string]bool{"u2": true, "u3": true}})
	srv := newTestServer(t, repo)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chats/u1", nil))

	r.Equal(http.StatusOK, w.Code)
	r.Equal("application/json", w.Header().Get("Content-Type"))
	var body map[string]models.ChatRecord
	r.NoError(json.Unmarshal(w.Body.Bytes(), &body))
	r.Len(body, 1)
	r.True(body["c1"].Participants["u2"])
	r.Equal("hi", body["c1"].Messages["m1"].Text)
}

func TestUserChats_NoChats(t *testing.T) {
	srv := newTestServer(t, repository.NewMemoryRepository())

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chats/nobody", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{}`, w.Body.String())
}

func TestUserChats_StoreFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	repo := mocks.NewMockChatRepository(ctrl)
	repo.EXPECT().GetUserChats(gomock.Any(), "u1").Return(nil, apperrors.Store("get user chats", errors.New("connection refused")))
	srv := newTestServer(t, repo)

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/chats/u1", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.JSONEq(t, `{"error":"get user chats: connection refused"}`, w.Body.String())
}

func TestUserChats_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, repository.NewMemoryRepository())

	w := httptest.NewRecorder()
	srv.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/chats/u1", nil))

	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}
