package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"

	"queue-notifier/line"
	"queue-notifier/pkg/notifier"
	"queue-notifier/storage"
)

const maxWebhookBody = 1 << 20

var queueNumberRegex = regexp.MustCompile(`^\d{4,5}$`)

var (
	checkCommands = map[string]bool{"check": true, "status": true, "เช็ค": true, "ตรวจสอบ": true, "สถานะ": true}
	stopCommands  = map[string]bool{"stop": true, "cancel": true, "หยุด": true, "ยกเลิก": true}
)

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.logger.Warn("Failed to read webhook body", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	payload, err := line.ParseWebhook(s.channelSecret, body, r.Header.Get(line.SignatureHeader))
	if errors.Is(err, line.ErrInvalidSignature) {
		s.logger.Warn("Rejected webhook with invalid signature", "remote_addr", r.RemoteAddr)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.logger.Warn("Failed to decode webhook", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	// Acknowledge immediately; LINE expects a fast 200.
	ctx := context.WithoutCancel(r.Context())
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		ctx, cancel := context.WithTimeout(ctx, webhookTimeout)
		defer cancel()
		for i := range payload.Events {
			s.handleEvent(ctx, &payload.Events[i])
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, `{"status":"ok"}`); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) handleEvent(ctx context.Context, ev *line.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling webhook event", "event_type", ev.Type, "panic", r)
		}
	}()

	userID := ev.Source.UserID
	if userID == "" {
		s.logger.Debug("Ignoring event without user", "event_type", ev.Type, "source_type", ev.Source.Type)
		return
	}

	switch ev.Type {
	case line.EventFollow:
		s.handleFollow(ctx, userID, ev.ReplyToken)
	case line.EventUnfollow:
		if err := s.store.Deactivate(ctx, userID); err != nil {
			s.logger.Error("Failed to deactivate subscriber", "subscriber", line.Redact(userID), "error", err)
			return
		}
		s.logger.Info("User unfollowed", "subscriber", line.Redact(userID))
	case line.EventMessage:
		if ev.Message == nil || ev.Message.Type != "text" {
			return
		}
		s.handleText(ctx, userID, ev.ReplyToken, ev.Message.Text)
	default:
		s.logger.Debug("Ignoring unsupported event", "event_type", ev.Type)
	}
}

func (s *Server) handleFollow(ctx context.Context, userID, replyToken string) {
	var displayName string
	profile, err := s.messenger.Profile(ctx, userID)
	if err != nil {
		s.logger.Warn("Failed to fetch profile", "subscriber", line.Redact(userID), "error", err)
	} else {
		displayName = profile.DisplayName
	}

	if _, err := s.store.Follow(ctx, userID, displayName); err != nil {
		s.logger.Error("Failed to save follower", "subscriber", line.Redact(userID), "error", err)
		s.reply(ctx, replyToken, s.messages.Failure())
		return
	}
	s.reply(ctx, replyToken, s.messages.Welcome(displayName))
}

func (s *Server) handleText(ctx context.Context, userID, replyToken, text string) {
	text = strings.TrimSpace(text)
	s.logger.Info("Received message", "subscriber", line.Redact(userID), "text_length", len(text))

	command := strings.ToLower(text)
	switch {
	case queueNumberRegex.MatchString(text):
		s.reply(ctx, replyToken, s.register(ctx, userID, text))
	case checkCommands[command]:
		s.reply(ctx, replyToken, s.status(ctx, userID))
	case stopCommands[command]:
		if err := s.store.ClearTracked(ctx, userID); err != nil && !s.isNotFound(err) {
			s.logger.Error("Failed to stop tracking", "subscriber", line.Redact(userID), "error", err)
			s.reply(ctx, replyToken, s.messages.Failure())
			return
		}
		s.reply(ctx, replyToken, s.messages.Stopped())
	default:
		s.reply(ctx, replyToken, s.messages.Help())
	}
}

func (s *Server) register(ctx context.Context, userID, queueNumber string) string {
	sub, err := s.store.Register(ctx, userID, queueNumber)
	var conflict *storage.ConflictError
	switch {
	case errors.As(err, &conflict):
		return s.messages.Conflict(conflict.QueueNumber, conflict.HolderName)
	case err != nil:
		s.logger.Error("Failed to register queue number", "subscriber", line.Redact(userID), "queue_number", queueNumber, "error", err)
		return s.messages.Failure()
	}
	return s.messages.Registered(sub.TrackedNumber, s.nearThreshold)
}

func (s *Server) status(ctx context.Context, userID string) string {
	sub, err := s.store.Load(ctx, userID)
	if s.isNotFound(err) {
		return s.messages.NotTracking()
	}
	if err != nil {
		s.logger.Error("Failed to load subscription", "subscriber", line.Redact(userID), "error", err)
		return s.messages.Failure()
	}
	if !sub.Tracking() {
		return s.messages.NotTracking()
	}

	number, ok := notifier.ParseQueueNumber(sub.TrackedNumber)
	if !ok {
		return s.messages.InvalidNumber(sub.TrackedNumber)
	}
	counter, _ := notifier.CounterFor(number)

	latest, found, err := s.oracle.LatestCalled(ctx, counter)
	if err != nil {
		s.logger.Error("Failed to read queue state", "counter_id", counter, "error", err)
		return s.messages.Failure()
	}
	if !found {
		return s.messages.NoData(sub.TrackedNumber, counter)
	}
	return s.messages.Status(notifier.Evaluate(number, latest, s.nearThreshold))
}

func (s *Server) reply(ctx context.Context, replyToken, text string) {
	if replyToken == "" {
		return
	}
	if err := s.messenger.Reply(ctx, replyToken, text); err != nil {
		s.logger.Warn("Failed to send reply", "error", err)
	}
}
