package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adwski/watchparty/backend/model"
	"github.com/adwski/watchparty/backend/service"
	"github.com/adwski/watchparty/backend/storage/memory"
	sw "github.com/adwski/watchparty/backend/switch"
)

type nopPeer struct {
	id string
}

func (p *nopPeer) ID() string                                 { return p.id }
func (p *nopPeer) Send(context.Context, model.Envelope) error { return nil }
func (p *nopPeer) Close()                                     {}

func newTestAPI(t *testing.T) (*Server, *service.Service) {
	t.Helper()
	logger := zerolog.Nop()
	store := memory.NewMemStore()
	svc := service.NewService(service.Config{
		RoomStore: store,
		Switch:    sw.NewSwitch(sw.Config{Logger: &logger, Targets: store}),
		Logger:    &logger,
	})
	return NewServer(Config{Logger: &logger, RoomService: svc}), svc
}

func TestServer_Endpoints(t *testing.T) {
	srv, svc := newTestAPI(t)
	for _, id := range []string{"a", "b"} {
		sess := svc.OpenSession(&nopPeer{id: id})
		svc.Handle(context.Background(), sess, model.NewJoin("abc", "https://x/video"))
	}
	svc.OpenSession(&nopPeer{id: "idle"})

	tests := []struct {
		name     string
		path     string
		wantCode int
		wantBody string
	}{
		{
			name:     "health",
			path:     "/health",
			wantCode: http.StatusOK,
			wantBody: `{"status":"ok"}`,
		},
		{
			name:     "stats",
			path:     "/api/stats",
			wantCode: http.StatusOK,
			wantBody: `{"rooms":1,"members":2,"connections":3}`,
		},
		{
			name:     "existing room",
			path:     "/api/rooms/abc",
			wantCode: http.StatusOK,
			wantBody: `{"message":"OK","data":{"room_id":"abc","url":"https://x/video","members":2}}`,
		},
		{
			name:     "missing room",
			path:     "/api/rooms/nope",
			wantCode: http.StatusNotFound,
		},
		{
			name:     "unknown path",
			path:     "/api/unknown",
			wantCode: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestServer_MissingRoomError(t *testing.T) {
	srv, _ := newTestAPI(t)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms/nope", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	var resp GenericResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
	assert.Nil(t, resp.Data)
}

func TestServer_CORS(t *testing.T) {
	srv, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/stats", nil)
	req.Header.Set("Origin", "chrome-extension://party")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
