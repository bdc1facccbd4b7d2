package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"privchat/internal/model"
	"privchat/internal/repository/messages"
	"privchat/internal/service/custody"
	"privchat/internal/utils/log"
	apperrors "privchat/pkg/errors"
)

type (
	// Cache is the redis surface the server uses: the offline envelope
	// cache, the presence set, and last-seen records.
	// *redis.RedisService satisfies it.
	Cache interface {
		RPush(ctx context.Context, key string, value ...any) error
		LRange(ctx context.Context, key string) ([]string, error)
		Del(ctx context.Context, key string) error
		Set(ctx context.Context, key string, value any, ttl time.Duration) error
		Get(ctx context.Context, key string) (string, error)
		SAdd(ctx context.Context, key string, members ...any) error
		SRem(ctx context.Context, key string, members ...any) error
		SMembers(ctx context.Context, key string) ([]string, error)
	}

	HttpServer struct {
		addr        string
		hub         *hub
		custody     *custody.Service
		messageRepo *messages.MessageRepo
		cache       Cache
	}
)

func NewHttpServer(addr string, custodySvc *custody.Service, messageRepo *messages.MessageRepo, cache Cache) *HttpServer {
	return &HttpServer{
		addr:        addr,
		hub:         newHub(),
		custody:     custodySvc,
		messageRepo: messageRepo,
		cache:       cache,
	}
}

func (s *HttpServer) Run() error {
	r := mux.NewRouter()

	r.HandleFunc("/keys/identity", s.HandleRegisterIdentityKey()).Methods(http.MethodPost)
	r.HandleFunc("/keys/prekeys", s.HandleUploadPreKeys()).Methods(http.MethodPost)
	r.HandleFunc("/keys/signed", s.HandleUploadSignedPreKey()).Methods(http.MethodPost)
	r.HandleFunc("/keys/signed/rotate", s.HandleRotateSignedPreKey()).Methods(http.MethodPost)
	r.HandleFunc("/keys/bundle/{userID}", s.HandleGetKeyBundle()).Methods(http.MethodGet)
	r.HandleFunc("/keys/prekeys/count", s.HandlePreKeyCount()).Methods(http.MethodGet)
	r.HandleFunc("/presence", s.HandleOnlineUsers()).Methods(http.MethodGet)
	r.HandleFunc("/presence/{userID}", s.HandleGetPresence()).Methods(http.MethodGet)
	r.HandleFunc("/conversations", s.HandleCreateConversation()).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}", s.HandleGetConversation()).Methods(http.MethodGet)
	r.HandleFunc("/messages/pending", s.HandleListPending()).Methods(http.MethodGet)
	r.HandleFunc("/messages/delivered", s.HandleMarkDelivered()).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.HandleWS()).Methods(http.MethodGet)

	log.Info("server listening", zap.String("addr", s.addr))
	return http.ListenAndServe(s.addr, r)
}

func (s *HttpServer) HandleRegisterIdentityKey() http.HandlerFunc {
	type request struct {
		UserID    string `json:"user_id"`
		PublicKey []byte `json:"public_key"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.InvalidArg("bad request body"))
			return
		}
		if err := s.custody.RegisterIdentityKey(r.Context(), req.UserID, req.PublicKey); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *HttpServer) HandleUploadPreKeys() http.HandlerFunc {
	type keyItem struct {
		KeyID     int    `json:"key_id"`
		PublicKey []byte `json:"public_key"`
	}
	type request struct {
		UserID string    `json:"user_id"`
		Keys   []keyItem `json:"keys"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.InvalidArg("bad request body"))
			return
		}
		batch := make([]*model.PreKey, 0, len(req.Keys))
		for _, k := range req.Keys {
			batch = append(batch, &model.PreKey{KeyID: k.KeyID, PublicKey: k.PublicKey})
		}
		if err := s.custody.UploadPreKeys(r.Context(), req.UserID, batch); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"uploaded": len(batch)})
	}
}

func (s *HttpServer) HandleUploadSignedPreKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeSignedPreKey(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.custody.UploadSignedPreKey(r.Context(), req.UserID, req.KeyID, req.PublicKey, req.Signature); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *HttpServer) HandleRotateSignedPreKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := decodeSignedPreKey(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := s.custody.RotateSignedPreKey(r.Context(), req.UserID, req.KeyID, req.PublicKey, req.Signature); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "rotated"})
	}
}

type signedPreKeyRequest struct {
	UserID    string `json:"user_id"`
	KeyID     int    `json:"key_id"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

func decodeSignedPreKey(r *http.Request) (*signedPreKeyRequest, error) {
	var req signedPreKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, apperrors.InvalidArg("bad request body")
	}
	return &req, nil
}

func (s *HttpServer) HandleGetKeyBundle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]
		bundle, err := s.custody.GetKeyBundle(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, bundle)
	}
}

// HandlePreKeyCount reports how many one-time prekeys a user still has
// unused, so clients know when to replenish the pool.
func (s *HttpServer) HandlePreKeyCount() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, apperrors.InvalidArg("user_id cannot be empty"))
			return
		}
		count, err := s.custody.PreKeyCount(r.Context(), userID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"count": count})
	}
}

func (s *HttpServer) HandleOnlineUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.OnlineUsers(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		if users == nil {
			users = []string{}
		}
		writeJSON(w, http.StatusOK, map[string][]string{"online": users})
	}
}

func (s *HttpServer) HandleGetPresence() http.HandlerFunc {
	type response struct {
		UserID   string `json:"user_id"`
		Online   bool   `json:"online"`
		LastSeen string `json:"last_seen,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID := mux.Vars(r)["userID"]

		users, err := s.OnlineUsers(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		resp := response{UserID: userID}
		for _, u := range users {
			if u == userID {
				resp.Online = true
				break
			}
		}
		// no last-seen record just leaves the field empty
		if t, err := s.LastSeen(r.Context(), userID); err == nil {
			resp.LastSeen = t.Format(time.RFC3339)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *HttpServer) HandleCreateConversation() http.HandlerFunc {
	type request struct {
		ID           string    `json:"id"`
		Participants [2]string `json:"participants"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.InvalidArg("bad request body"))
			return
		}
		conv, err := s.custody.CreateConversation(r.Context(), req.ID, req.Participants)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.custody.GetOrCreateSession(r.Context(), conv.ID, req.Participants[0], req.Participants[1]); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func (s *HttpServer) HandleGetConversation() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conv, err := s.custody.GetConversation(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, conv)
	}
}

func (s *HttpServer) HandleListPending() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			writeError(w, apperrors.InvalidArg("user_id cannot be empty"))
			return
		}
		conversationID := r.URL.Query().Get("conversation_id")

		msgs, err := s.messageRepo.ListPending(r.Context(), userID, conversationID)
		if err != nil {
			writeError(w, err)
			return
		}
		if msgs == nil {
			msgs = []*model.PendingMessage{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func (s *HttpServer) HandleMarkDelivered() http.HandlerFunc {
	type request struct {
		UserID string   `json:"user_id"`
		IDs    []string `json:"ids"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.InvalidArg("bad request body"))
			return
		}
		removed, err := s.messageRepo.DeleteByIDs(r.Context(), req.UserID, req.IDs)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"purged": removed})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error("encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.CodeInternal
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		switch appErr.Code {
		case apperrors.CodeInvalidArgument:
			status = http.StatusBadRequest
		case apperrors.CodeNotFound:
			status = http.StatusNotFound
		case apperrors.CodeFailedPrecondition:
			status = http.StatusConflict
		}
	}
	log.Error("request failed", zap.String("code", string(code)), zap.Error(err))
	writeJSON(w, status, map[string]string{"code": string(code), "error": err.Error()})
}
