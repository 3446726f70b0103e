package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"wiresync/internal/models"
)

const (
	CoordinatorPrefix = "/rpc/v1/coordinator"
	AgentPrefix       = "/rpc/v1/agent"

	maxBodyBytes = 1 << 20
)

// RegisterCoordinator вешает CoordinatorAPI на роутер.
// Маршруты полными путями на корневом роутере: так mux отвечает 405 на чужой метод.
func RegisterCoordinator(r *mux.Router, api models.CoordinatorAPI) {
	post(r, CoordinatorPrefix+"/hello", handle(api.Hello))
	post(r, CoordinatorPrefix+"/submit", handle(api.Submit))
	post(r, CoordinatorPrefix+"/check", handle(api.Check))
	post(r, CoordinatorPrefix+"/pull", handle(api.Pull))
	post(r, CoordinatorPrefix+"/delete", handle(api.Delete))
}

// RegisterAgent вешает PeerAgentAPI на роутер.
func RegisterAgent(r *mux.Router, api models.PeerAgentAPI) {
	post(r, AgentPrefix+"/hello", handle(api.Hello))
	post(r, AgentPrefix+"/update-config", handle(api.UpdateConfig))
}

func post(r *mux.Router, path string, h http.HandlerFunc) {
	r.HandleFunc(path, h).Methods(http.MethodPost)
}

// handle: декодирует запрос, вызывает метод, отвечает тем же кодеком.
func handle[Req, Resp any](fn func(context.Context, Req) (*Resp, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		codec := codecFor(r.Header.Get("Content-Type"))

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: read body: %v", models.ErrValidation, err))
			return
		}
		var req Req
		if len(body) > 0 {
			if err := codec.Unmarshal(body, &req); err != nil {
				writeError(w, r, fmt.Errorf("%w: decode %s body: %v", models.ErrValidation, codec.Name(), err))
				return
			}
		}

		resp, err := fn(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		out, err := codec.Marshal(resp)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", codec.ContentType())
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
	}
}
