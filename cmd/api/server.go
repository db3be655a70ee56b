package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"expertflow/auth"
	"expertflow/notification"
	"expertflow/proposal"
	"expertflow/reliability"
	"expertflow/scanner"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

const sseKeepAlive = 25 * time.Second

type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
	VerifyToken(token string) (string, auth.Role, error)
}

type ProposalService interface {
	Create(ctx context.Context, params proposal.CreateParams) (proposal.Proposal, error)
	Respond(ctx context.Context, id string, decision proposal.Decision, actor proposal.Actor) (proposal.Proposal, error)
	Complete(ctx context.Context, id string, actor proposal.Actor) (proposal.Proposal, error)
	Get(ctx context.Context, id string) (proposal.Proposal, error)
	ListForExpert(ctx context.Context, expertID string, status proposal.Status) ([]proposal.Proposal, error)
	ListForClient(ctx context.Context, clientID string, status proposal.Status) ([]proposal.Proposal, error)
	History(ctx context.Context, id string) ([]proposal.Event, error)
	Stats(ctx context.Context) (proposal.Stats, error)
	Now() time.Time
}

type ReliabilityService interface {
	FreezeStatus(ctx context.Context, expertID string) (reliability.FreezeStatus, error)
	SetVisibility(ctx context.Context, expertID string, upd reliability.VisibilityUpdate) (reliability.State, error)
}

type NotificationService interface {
	List(ctx context.Context, userID string, limit int) ([]notification.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, id string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	NotifyNewMessage(ctx context.Context, ev notification.MessageEvent) (int, error)
}

// SessionRegistry opens and closes the per-expert scanner sessions.
type SessionRegistry interface {
	Open(ctx context.Context, expertID string) (scanner.TickResult, bool, error)
	Close(expertID string) bool
}

// Server is the HTTP JSON API.
type Server struct {
	authService         AuthService
	proposalService     ProposalService
	reliabilityService  ReliabilityService
	notificationService NotificationService
	sessions            SessionRegistry
	feed                notification.Subscriber
	metrics             http.Handler
	healthCheck         func(ctx context.Context) error
	logger              *slog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)

	mux.Handle("/api/proposals", s.requireAuth(s.handleProposals))
	mux.Handle("/api/proposals/", s.requireAuth(s.handleProposalDetail))
	mux.Handle("/api/experts/", s.requireAuth(s.handleExpert))
	mux.Handle("/api/sessions", s.requireAuth(s.handleSessions))
	mux.Handle("/api/notifications", s.requireAuth(s.handleNotifications))
	mux.Handle("/api/notifications/", s.requireAuth(s.handleNotificationDetail))
	mux.Handle("/api/messages/notify", s.requireAuth(s.handleMessageNotify))
	mux.Handle("/api/admin/proposals/stats", s.requireAuth(s.handleAdminStats))
	return mux
}

func (s *Server) log() *slog.Logger {
	if s.logger == nil {
		return slog.Default()
	}
	return s.logger
}

// requireAuth verifies the bearer token and stores the caller in the request
// context. EventSource cannot set headers, so a token query parameter is also
// accepted.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next(w, r.WithContext(ctx))
	})
}

func currentUser(r *http.Request) (string, auth.Role, bool) {
	userID, _ := r.Context().Value(ctxKeyUserID).(string)
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return userID, role, userID != ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.healthCheck != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.healthCheck(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req auth.RegisterRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req auth.LoginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	res, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": res.Token,
		"user":  toUserResponse(res.User),
	})
}

type countdownResponse struct {
	Text        string  `json:"text"`
	Percent     float64 `json:"percent"`
	RemainingMs int64   `json:"remaining_ms"`
}

type proposalResponse struct {
	ID          string             `json:"id"`
	ExpertID    string             `json:"expert_id"`
	ClientID    *string            `json:"client_id,omitempty"`
	ClientEmail string             `json:"client_email"`
	ClientName  *string            `json:"client_name,omitempty"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Budget      string             `json:"budget"`
	StartDate   string             `json:"start_date"`
	Priority    *string            `json:"priority,omitempty"`
	Status      string             `json:"status"`
	CreatedAt   string             `json:"created_at"`
	ExpiresAt   string             `json:"expires_at,omitempty"`
	CompletedAt string             `json:"completed_at,omitempty"`
	UpdatedAt   string             `json:"updated_at"`
	Countdown   *countdownResponse `json:"countdown,omitempty"`
}

func toCountdownResponse(c proposal.Countdown) countdownResponse {
	return countdownResponse{Text: c.Text, Percent: c.Percent, RemainingMs: c.RemainingMs}
}

func (s *Server) toProposalResponse(p proposal.Proposal) proposalResponse {
	resp := proposalResponse{
		ID:          p.ID,
		ExpertID:    p.ExpertID,
		ClientID:    p.ClientID,
		ClientEmail: p.ClientEmail,
		ClientName:  p.ClientName,
		Title:       p.Title,
		Description: p.Description,
		Budget:      p.Budget,
		StartDate:   p.StartDate,
		Priority:    p.Priority,
		Status:      string(p.Status),
		CreatedAt:   p.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if deadline, ok := p.Deadline(); ok {
		resp.ExpiresAt = deadline.UTC().Format(time.RFC3339)
	}
	if p.CompletedAt != nil {
		resp.CompletedAt = p.CompletedAt.UTC().Format(time.RFC3339)
	}
	if p.Status == proposal.StatusPending {
		c := toCountdownResponse(proposal.CountdownDisplay(p, s.proposalService.Now()))
		resp.Countdown = &c
	}
	return resp
}

type createProposalRequest struct {
	ExpertID    string `json:"expert_id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Budget      string `json:"budget"`
	StartDate   string `json:"start_date"`
	Priority    string `json:"priority"`
}

func (s *Server) handleProposals(w http.ResponseWriter, r *http.Request) {
	userID, role, _ := currentUser(r)

	switch r.Method {
	case http.MethodGet:
		status, err := parseStatusFilter(r.URL.Query().Get("status"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var items []proposal.Proposal
		if role == auth.RoleExpert {
			items, err = s.proposalService.ListForExpert(r.Context(), userID, status)
		} else {
			items, err = s.proposalService.ListForClient(r.Context(), userID, status)
		}
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		out := make([]proposalResponse, 0, len(items))
		for _, p := range items {
			out = append(out, s.toProposalResponse(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})

	case http.MethodPost:
		if role != auth.RoleRecruiter && role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "only recruiters can send proposals")
			return
		}
		var req createProposalRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		user, err := s.authService.GetUserByID(r.Context(), userID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		created, err := s.proposalService.Create(r.Context(), proposal.CreateParams{
			ExpertID: req.ExpertID,
			Originator: proposal.Originator{
				ClientID:    user.ID,
				ClientEmail: user.Email,
				ClientName:  user.DisplayName(),
			},
			Content: proposal.Content{
				Title:       req.Title,
				Description: req.Description,
				Budget:      req.Budget,
				StartDate:   req.StartDate,
				Priority:    req.Priority,
			},
		})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, s.toProposalResponse(created))

	default:
		writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleProposalDetail serves /api/proposals/{id} and its sub-resources.
func (s *Server) handleProposalDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/proposals/"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid proposal path")
		return
	}
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		p, ok := s.visibleProposal(w, r, id)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, s.toProposalResponse(p))
	case "countdown":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		p, ok := s.visibleProposal(w, r, id)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, toCountdownResponse(proposal.CountdownDisplay(p, s.proposalService.Now())))
	case "history":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleProposalHistory(w, r, id)
	case "respond":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		var req struct {
			Decision string `json:"decision"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		actor := s.actor(r)
		updated, err := s.proposalService.Respond(r.Context(), id, proposal.Decision(strings.ToLower(strings.TrimSpace(req.Decision))), actor)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.toProposalResponse(updated))
	case "complete":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		updated, err := s.proposalService.Complete(r.Context(), id, s.actor(r))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, s.toProposalResponse(updated))
	default:
		writeError(w, http.StatusNotFound, "unknown proposal action")
	}
}

type eventResponse struct {
	ID         string  `json:"id"`
	FromStatus *string `json:"from_status"`
	ToStatus   string  `json:"to_status"`
	ActorID    *string `json:"actor_id,omitempty"`
	ActorName  string  `json:"actor_name"`
	CreatedAt  string  `json:"created_at"`
}

func (s *Server) handleProposalHistory(w http.ResponseWriter, r *http.Request, id string) {
	if _, ok := s.visibleProposal(w, r, id); !ok {
		return
	}
	events, err := s.proposalService.History(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		item := eventResponse{
			ID:        ev.ID,
			ToStatus:  string(ev.ToStatus),
			ActorID:   ev.ActorID,
			ActorName: ev.ActorName,
			CreatedAt: ev.CreatedAt.UTC().Format(time.RFC3339),
		}
		if ev.FromStatus != nil {
			from := string(*ev.FromStatus)
			item.FromStatus = &from
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// visibleProposal loads a proposal the caller takes part in. Anyone else gets
// a 404 so ids cannot be enumerated.
func (s *Server) visibleProposal(w http.ResponseWriter, r *http.Request, id string) (proposal.Proposal, bool) {
	userID, role, _ := currentUser(r)
	p, err := s.proposalService.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return proposal.Proposal{}, false
	}
	isClient := p.ClientID != nil && *p.ClientID == userID
	if role != auth.RoleAdmin && p.ExpertID != userID && !isClient {
		writeError(w, http.StatusNotFound, "proposal not found")
		return proposal.Proposal{}, false
	}
	return p, true
}

func (s *Server) actor(r *http.Request) proposal.Actor {
	userID, _, _ := currentUser(r)
	actor := proposal.Actor{ID: userID}
	if user, err := s.authService.GetUserByID(r.Context(), userID); err == nil {
		actor.Name = user.DisplayName()
	}
	return actor
}

func parseStatusFilter(raw string) (proposal.Status, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	return proposal.ParseStatus(raw)
}

type freezeResponse struct {
	IsFrozen    bool   `json:"is_frozen"`
	RemainingMs int64  `json:"remaining_ms"`
	FrozenUntil string `json:"frozen_until,omitempty"`
	Strikes     int    `json:"strikes"`
	IsPublic    bool   `json:"is_public"`
	IsAvailable bool   `json:"is_available"`
}

func toFreezeResponse(st reliability.FreezeStatus) freezeResponse {
	resp := freezeResponse{
		IsFrozen:    st.IsFrozen,
		RemainingMs: st.RemainingMs,
		Strikes:     st.Strikes,
		IsPublic:    st.IsPublic,
		IsAvailable: st.IsAvailable,
	}
	if st.FrozenUntil != nil {
		resp.FrozenUntil = st.FrozenUntil.UTC().Format(time.RFC3339)
	}
	return resp
}

// handleExpert serves /api/experts/{id}/freeze and /api/experts/me/visibility.
func (s *Server) handleExpert(w http.ResponseWriter, r *http.Request) {
	userID, role, _ := currentUser(r)
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/experts/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "invalid expert path")
		return
	}
	expertID := parts[0]
	if expertID == "me" {
		expertID = userID
	}

	switch parts[1] {
	case "freeze":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		st, err := s.reliabilityService.FreezeStatus(r.Context(), expertID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toFreezeResponse(st))
	case "visibility":
		if r.Method != http.MethodPut {
			writeMethodNotAllowed(w, http.MethodPut)
			return
		}
		if expertID != userID || role != auth.RoleExpert {
			writeError(w, http.StatusForbidden, "experts can only change their own visibility")
			return
		}
		var req struct {
			IsPublic    *bool `json:"is_public"`
			IsAvailable *bool `json:"is_available"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		upd := reliability.VisibilityUpdate{IsPublic: req.IsPublic, IsAvailable: req.IsAvailable}
		if _, err := s.reliabilityService.SetVisibility(r.Context(), expertID, upd); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		st, err := s.reliabilityService.FreezeStatus(r.Context(), expertID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toFreezeResponse(st))
	default:
		writeError(w, http.StatusNotFound, "unknown expert resource")
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	userID, role, _ := currentUser(r)
	if role != auth.RoleExpert {
		writeError(w, http.StatusForbidden, "sessions are for experts")
		return
	}

	switch r.Method {
	case http.MethodPost:
		tick, opened, err := s.sessions.Open(r.Context(), userID)
		if err != nil {
			// The session is running; its first pass failed and will be retried.
			s.log().Warn("initial scan failed", "expert_id", userID, "error", err)
		}
		status := http.StatusOK
		if opened {
			status = http.StatusCreated
		}
		writeJSON(w, status, map[string]any{
			"opened":   opened,
			"expired":  tick.Expired,
			"unfrozen": tick.Unfrozen,
		})
	case http.MethodDelete:
		s.sessions.Close(userID)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, http.MethodPost, http.MethodDelete)
	}
}

type notificationResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Link      string `json:"link,omitempty"`
	RefID     string `json:"ref_id,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

func toNotificationResponse(n notification.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Type:      string(n.Type),
		Title:     n.Title,
		Body:      n.Body,
		Link:      n.Link,
		RefID:     n.RefID,
		FromName:  n.FromName,
		Read:      n.Read,
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	userID, _, _ := currentUser(r)
	limit := notification.DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.notificationService.List(r.Context(), userID, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	out := make([]notificationResponse, 0, len(items))
	for _, n := range items {
		out = append(out, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

// handleNotificationDetail serves unread-count, read-all, stream and {id}/read.
func (s *Server) handleNotificationDetail(w http.ResponseWriter, r *http.Request) {
	userID, _, _ := currentUser(r)
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/notifications/"), "/"), "/")

	switch {
	case len(parts) == 1 && parts[0] == "unread-count":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		count, err := s.notificationService.UnreadCount(r.Context(), userID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"count": count})
	case len(parts) == 1 && parts[0] == "read-all":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		updated, err := s.notificationService.MarkAllRead(r.Context(), userID)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
	case len(parts) == 1 && parts[0] == "stream":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w, http.MethodGet)
			return
		}
		s.handleNotificationStream(w, r, userID)
	case len(parts) == 2 && parts[0] != "" && parts[1] == "read":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, http.MethodPost)
			return
		}
		if err := s.notificationService.MarkRead(r.Context(), userID, parts[0]); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "unknown notification resource")
	}
}

func (s *Server) handleNotificationStream(w http.ResponseWriter, r *http.Request, userID string) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.feed == nil {
		writeError(w, http.StatusNotImplemented, "streaming unsupported")
		return
	}
	events, release, err := s.feed.Subscribe(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer release()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case n, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(toNotificationResponse(n))
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: notification\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

type messageNotifyRequest struct {
	ConversationID string `json:"conversation_id"`
	// SenderName is still accepted from older clients but ignored; the name
	// shown comes from the caller's account.
	SenderName     string   `json:"sender_name"`
	Text           string   `json:"text"`
	ParticipantIDs []string `json:"participant_ids"`
}

// handleMessageNotify fans a message out to the other participants. The
// caller must be one of them, and is always the named sender.
func (s *Server) handleMessageNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	userID, _, _ := currentUser(r)
	var req messageNotifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		writeError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}
	if !slices.Contains(req.ParticipantIDs, userID) {
		writeError(w, http.StatusForbidden, "caller is not a participant of the conversation")
		return
	}
	sender, err := s.authService.GetUserByID(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	sent, err := s.notificationService.NotifyNewMessage(r.Context(), notification.MessageEvent{
		ConversationID: req.ConversationID,
		SenderID:       userID,
		SenderName:     sender.DisplayName(),
		Text:           req.Text,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"notified": sent})
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if _, role, _ := currentUser(r); role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin only")
		return
	}
	stats, err := s.proposalService.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	byStatus := make(map[string]int, len(stats.ByStatus))
	for status, n := range stats.ByStatus {
		byStatus[string(status)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": stats.Total, "by_status": byStatus})
}

// writeServiceError maps domain errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *proposal.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrMissingFields),
		errors.Is(err, auth.ErrInvalidRole):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, proposal.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, proposal.ErrNotFound),
		errors.Is(err, reliability.ErrNotFound),
		errors.Is(err, notification.ErrNotFound),
		errors.Is(err, auth.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, proposal.ErrInvalidTransition),
		errors.Is(err, reliability.ErrFrozen),
		errors.Is(err, auth.ErrDuplicateEmail):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, proposal.ErrStoreUnavailable), errors.Is(err, reliability.ErrStoreUnavailable):
		s.log().Error("store unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, please retry")
	default:
		s.log().Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
