package httpapi

import (
	"net/http"
	"strconv"

	"github.com/brianvoe/gofakeit/v7"

	"github.com/PenroseAI/penrose/pkg/fn"
)

const fakeBatchMax = 20

// registerFake mounts the dev-only payload generator. These endpoints make
// it trivial to exercise /chat locally; they are never registered outside
// dev mode.
func (s *Server) registerFake(mux *http.ServeMux) {
	mux.HandleFunc("GET /fake/chat", s.handleFakeChat)
	mux.HandleFunc("GET /fake/chat/batch", s.handleFakeChatBatch)
}

func fakeChatBody() ChatRequest {
	return ChatRequest{
		UserID: gofakeit.UUID(),
		Text:   gofakeit.Sentence(10),
	}
}

// handleFakeChat returns one randomised ChatRequest ready to POST to /chat.
func (s *Server) handleFakeChat(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, fakeChatBody())
}

// handleFakeChatBatch returns n randomised ChatRequests (capped at 20).
func (s *Server) handleFakeChatBatch(w http.ResponseWriter, r *http.Request) {
	n := 5
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > fakeBatchMax {
		n = fakeBatchMax
	}

	bodies := fn.Map(make([]struct{}, n), func(struct{}) ChatRequest {
		return fakeChatBody()
	})
	writeJSON(w, http.StatusOK, bodies)
}
