// Package api exposes the HTTP surface: account registration and login,
// user and chat resources, and the websocket endpoint that hands the
// connection to the gateway.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/nebulachat/nebula/auth"
	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/gateway"
	"github.com/nebulachat/nebula/logger"
	"github.com/nebulachat/nebula/store"
)

// ChatStore is the slice of the store the HTTP layer needs.
type ChatStore interface {
	CreateChat(c core.Chat) error
	Chat(userID, chatID string) (core.Chat, error)
	Chats(userID string) ([]core.Chat, error)
	Messages(chatID string) ([]core.Message, error)
}

// Server wires the HTTP handlers together.
type Server struct {
	auth  *auth.Service
	store ChatStore
	gw    *gateway.Gateway
}

// New creates the HTTP server surface.
func New(a *auth.Service, s ChatStore, gw *gateway.Gateway) *Server {
	return &Server{auth: a, store: s, gw: gw}
}

// Router builds the route table. Auth routes and the health check are
// open; everything else sits behind the token middleware.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.gw.HandleWS)

	protected := r.PathPrefix("/api").Subrouter()
	protected.Use(s.auth.Middleware)
	protected.HandleFunc("/user", s.handleGetUser).Methods(http.MethodGet)
	protected.HandleFunc("/chat", s.handleCreateChat).Methods(http.MethodPost)
	protected.HandleFunc("/chat/get-chats", s.handleGetChats).Methods(http.MethodGet)
	protected.HandleFunc("/chat/get-messages/{chatID}", s.handleGetMessages).Methods(http.MethodGet)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type registerRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Password  string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return
	}
	if req.Email == "" || req.Password == "" || req.FirstName == "" || req.LastName == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "All fields are required"})
		return
	}

	u, token, err := s.auth.Register(req.FirstName, req.LastName, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrEmailTaken) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"message": "User already exists"})
			return
		}
		logger.Log.Error("register_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
		return
	}

	setTokenCookie(w, token)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "User Created Successfully",
		"user":    u.Public(),
	})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return
	}

	u, token, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidEmail):
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Invalid Email"})
		case errors.Is(err, auth.ErrInvalidPassword):
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid Password"})
		default:
			logger.Log.Error("login_failed", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
		}
		return
	}

	setTokenCookie(w, token)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Logged In Successfully",
		"user":    u.Public(),
	})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := auth.UserFrom(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid Token - Unauthorized"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": u.Public()})
}

type createChatRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())

	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Invalid request body"})
		return
	}
	if req.Title == "" {
		req.Title = "New Chat"
	}

	c := core.Chat{
		ID:           uuid.New().String(),
		UserID:       u.ID,
		Title:        req.Title,
		LastActivity: time.Now().UTC(),
	}
	if err := s.store.CreateChat(c); err != nil {
		logger.Log.Error("chat_create_failed", zap.String("user", u.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Chat Created Successfully",
		"chat":    c,
	})
}

func (s *Server) handleGetChats(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())

	chats, err := s.store.Chats(u.ID)
	if err != nil {
		logger.Log.Error("chats_fetch_failed", zap.String("user", u.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
		return
	}
	if chats == nil {
		chats = []core.Chat{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"chats": chats})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())
	chatID := mux.Vars(r)["chatID"]

	// Ownership gate: a chat owned by someone else looks exactly like a
	// missing chat.
	if _, err := s.store.Chat(u.ID, chatID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"message": "Chat Not Found"})
			return
		}
		logger.Log.Error("chat_fetch_failed", zap.String("chat", chatID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
		return
	}

	msgs, err := s.store.Messages(chatID)
	if err != nil {
		logger.Log.Error("messages_fetch_failed", zap.String("chat", chatID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"message": "Internal Server Error"})
		return
	}
	if msgs == nil {
		msgs = []core.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func setTokenCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.TokenCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Warn("response_encode_failed", zap.Error(err))
	}
}
