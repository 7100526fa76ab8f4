// Package chat implements the regional chat session protocol. A Service
// interprets inbound frames from a connection and drives the registry, the
// store, the moderation engine and the broadcast engine.
package chat

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/broadcast"
	"github.com/festival/regionchat/internal/metrics"
	"github.com/festival/regionchat/internal/moderation"
	"github.com/festival/regionchat/internal/protocol"
	"github.com/festival/regionchat/internal/registry"
	"github.com/festival/regionchat/internal/store"
)

// Config holds chat policy.
type Config struct {
	MaxContentChars int
	HistoryLimit    int
	DuplicateWindow time.Duration
	// FrameTimeout bounds store calls made while handling one frame.
	FrameTimeout time.Duration
}

// DefaultConfig returns the production chat policy.
func DefaultConfig() Config {
	return Config{
		MaxContentChars: DefaultMaxContentChars,
		HistoryLimit:    50,
		DuplicateWindow: DefaultDuplicateWindow,
		FrameTimeout:    5 * time.Second,
	}
}

// Presence mirrors connection sessions to an external store so other tools
// can see who is online. All methods are best effort.
type Presence interface {
	Track(ctx context.Context, sess registry.Session) error
	SetRegion(ctx context.Context, connID, from, to string) error
	Untrack(ctx context.Context, sess registry.Session) error
}

type noopPresence struct{}

func (noopPresence) Track(context.Context, registry.Session) error           { return nil }
func (noopPresence) SetRegion(context.Context, string, string, string) error { return nil }
func (noopPresence) Untrack(context.Context, registry.Session) error         { return nil }

// Service handles the frames of every connection. It is safe for concurrent
// use; frames of a single connection must be delivered sequentially.
type Service struct {
	cfg        Config
	reg        *registry.Registry
	store      store.Store
	bcast      *broadcast.Engine
	moderation *moderation.Engine
	guard      *Guard
	filter     *moderation.Filter
	presence   Presence
	log        *zap.Logger
	now        func() time.Time
}

// Deps are the collaborators of a Service. Filter, Presence and Logger are
// optional; a nil Filter blocks DefaultTerms.
type Deps struct {
	Registry   *registry.Registry
	Store      store.Store
	Broadcast  *broadcast.Engine
	Moderation *moderation.Engine
	Filter     *moderation.Filter
	Presence   Presence
	Logger     *zap.Logger
}

// NewService wires a Service.
func NewService(cfg Config, d Deps) *Service {
	def := DefaultConfig()
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = def.MaxContentChars
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = def.FrameTimeout
	}
	if d.Presence == nil {
		d.Presence = noopPresence{}
	}
	if d.Filter == nil {
		d.Filter = moderation.NewFilter(moderation.DefaultTerms, false)
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}

	s := &Service{
		cfg:        cfg,
		reg:        d.Registry,
		store:      d.Store,
		bcast:      d.Broadcast,
		moderation: d.Moderation,
		guard:      NewGuard(d.Store, cfg.DuplicateWindow),
		filter:     d.Filter,
		presence:   d.Presence,
		log:        d.Logger.Named("chat"),
		now:        time.Now,
	}
	s.bcast.OnPrune(s.forget)
	return s
}

// Connect registers an authenticated connection.
func (s *Service) Connect(ctx context.Context, conn registry.Conn, id registry.Identity) {
	id.DisplayName = TruncateName(id.DisplayName)
	sess := s.reg.Register(conn, id)
	if err := s.presence.Track(ctx, sess); err != nil {
		s.log.Warn("presence track", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
	s.log.Debug("connected", zap.String("conn_id", conn.ID()), zap.Int64("user_id", id.UserID))
}

// Disconnect releases a connection after its transport closed. The vacated
// region learns the new presence count.
func (s *Service) Disconnect(connID string) {
	sess, ok := s.reg.Close(connID)
	if !ok {
		return
	}
	s.forget(sess)
	if sess.Region != "" {
		s.bcast.BroadcastPresence(sess.Region)
	}
	s.log.Debug("disconnected", zap.String("conn_id", connID), zap.String("region", sess.Region))
}

func (s *Service) forget(sess registry.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FrameTimeout)
	defer cancel()
	if err := s.presence.Untrack(ctx, sess); err != nil {
		s.log.Warn("presence untrack", zap.String("conn_id", sess.ConnID), zap.Error(err))
	}
}

// fallbacks are the client-facing messages for unclassified failures.
var fallbacks = map[string]string{
	protocol.TypeJoinRegion:    "failed to join region",
	protocol.TypeLeaveRegion:   "failed to leave region",
	protocol.TypeSendMessage:   "failed to send message",
	protocol.TypeDeleteMessage: "failed to delete message",
	protocol.TypeReportMessage: "failed to report message",
	protocol.TypePing:          "failed to process message",
}

// HandleFrame processes one inbound frame. Every failure, including a panic
// in a handler, is answered with an ERROR event to conn only.
func (s *Service) HandleFrame(ctx context.Context, conn registry.Conn, data []byte) {
	start := time.Now()
	frameType, f, err := protocol.ParseClientFrame(data)
	label := frameType
	if _, known := fallbacks[label]; !known {
		label = "unknown"
	}
	if err != nil {
		metrics.FramesTotal.WithLabelValues(label, "invalid").Inc()
		s.log.Debug("invalid frame", zap.String("conn_id", conn.ID()), zap.String("type", frameType), zap.Error(err))
		if label == "unknown" && frameType != "" {
			s.reply(conn, protocol.ErrorFrame(fmt.Sprintf("unknown message type %q", frameType)))
		} else {
			s.reply(conn, protocol.ErrorFrame("malformed message"))
		}
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.FramesTotal.WithLabelValues(label, "panic").Inc()
			s.log.Error("panic handling frame",
				zap.String("conn_id", conn.ID()), zap.String("type", frameType), zap.Any("panic", r), zap.Stack("stack"))
			s.reply(conn, protocol.ErrorFrame(fallbacks[frameType]))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FrameTimeout)
	defer cancel()

	if err := s.dispatch(ctx, conn, f); err != nil {
		metrics.FramesTotal.WithLabelValues(label, "error").Inc()
		s.replyError(conn, frameType, err)
	} else {
		metrics.FramesTotal.WithLabelValues(label, "ok").Inc()
	}
	metrics.FrameLatency.WithLabelValues(label).Observe(time.Since(start).Seconds())
}

func (s *Service) dispatch(ctx context.Context, conn registry.Conn, f protocol.Frame) error {
	sess, ok := s.reg.Session(conn.ID())
	if !ok {
		return apperr.Unauthenticated("connection is not authenticated")
	}

	switch f := f.(type) {
	case protocol.JoinRegionFrame:
		return s.join(ctx, conn, sess, f)
	case protocol.LeaveRegionFrame:
		return s.leave(ctx, sess)
	case protocol.SendMessageFrame:
		return s.send(ctx, sess, f)
	case protocol.DeleteMessageFrame:
		return s.delete(ctx, sess, f)
	case protocol.ReportMessageFrame:
		return s.report(ctx, conn, sess, f)
	case protocol.PingFrame:
		s.reply(conn, mustEncode(protocol.Event{Type: protocol.TypePong, Payload: protocol.PongEvent{}}))
		return nil
	default:
		return fmt.Errorf("chat: unhandled frame %T", f)
	}
}

func (s *Service) join(ctx context.Context, conn registry.Conn, sess registry.Session, f protocol.JoinRegionFrame) error {
	region, err := ValidateRegion(f.Region)
	if err != nil {
		return err
	}
	prev, err := s.reg.Join(sess.ConnID, region)
	if err != nil {
		return err
	}
	if err := s.presence.SetRegion(ctx, sess.ConnID, prev, region); err != nil {
		s.log.Warn("presence set region", zap.String("conn_id", sess.ConnID), zap.Error(err))
	}
	s.log.Info("joined region",
		zap.String("conn_id", sess.ConnID), zap.Int64("user_id", sess.Identity.UserID),
		zap.String("region", region), zap.String("previous", prev))

	s.sendHistory(ctx, conn, region)

	if prev != "" {
		s.bcast.BroadcastPresence(prev)
	}
	s.bcast.BroadcastPresence(region)
	return nil
}

// sendHistory delivers the region's recent messages, oldest first. A store
// failure is reported to the joiner but does not undo the join.
func (s *Service) sendHistory(ctx context.Context, conn registry.Conn, region string) {
	msgs, err := s.store.RecentMessages(ctx, region, s.cfg.HistoryLimit)
	if err != nil {
		s.log.Warn("load recent messages", zap.String("region", region), zap.Error(err))
		s.reply(conn, protocol.ErrorFrame("failed to load recent messages"))
		return
	}
	out := make([]protocol.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = toWire(m)
	}
	s.reply(conn, mustEncode(protocol.Event{
		Type:    protocol.TypeRegionMessages,
		Payload: protocol.RegionMessagesEvent{Region: region, Messages: out},
	}))
}

func (s *Service) leave(ctx context.Context, sess registry.Session) error {
	prev := s.reg.Leave(sess.ConnID)
	if prev == "" {
		return nil
	}
	if err := s.presence.SetRegion(ctx, sess.ConnID, prev, ""); err != nil {
		s.log.Warn("presence set region", zap.String("conn_id", sess.ConnID), zap.Error(err))
	}
	s.log.Info("left region", zap.String("conn_id", sess.ConnID), zap.String("region", prev))
	s.bcast.BroadcastPresence(prev)
	return nil
}

func (s *Service) send(ctx context.Context, sess registry.Session, f protocol.SendMessageFrame) error {
	if sess.Region == "" {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return apperr.Validation("join a region before sending messages")
	}
	if f.Region != "" {
		if region, err := ValidateRegion(f.Region); err != nil || region != sess.Region {
			metrics.MessagesTotal.WithLabelValues("invalid").Inc()
			return apperr.Validation("not joined to region %q", f.Region)
		}
	}
	if err := ValidateContent(f.Content, s.cfg.MaxContentChars); err != nil {
		metrics.MessagesTotal.WithLabelValues("invalid").Inc()
		return err
	}
	if res := s.filter.Check(f.Content); res.Blocked {
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		s.log.Info("message blocked",
			zap.Int64("user_id", sess.Identity.UserID), zap.String("region", sess.Region),
			zap.String("reason", res.Reason), zap.String("term", res.Term))
		return apperr.Validation("message contains inappropriate content")
	}

	dup, err := s.guard.IsDuplicate(ctx, sess.Identity.UserID, sess.Region, f.Content, s.now())
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return err
	}
	if dup {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return apperr.Duplicate("the same message cannot be sent again so soon")
	}

	msg, err := s.store.AppendMessage(ctx, store.NewMessage{
		Region:            sess.Region,
		AuthorUserID:      sess.Identity.UserID,
		AuthorDisplayName: sess.Identity.DisplayName,
		Content:           f.Content,
	})
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	s.bcast.Broadcast(sess.Region, protocol.Event{
		Type:    protocol.TypeNewMessage,
		Payload: protocol.NewMessageEvent{ChatMessage: toWire(msg)},
	})
	return nil
}

func (s *Service) delete(ctx context.Context, sess registry.Session, f protocol.DeleteMessageFrame) error {
	if f.MessageID <= 0 {
		return apperr.Validation("messageId is required")
	}
	msg, err := s.store.GetMessage(ctx, f.MessageID)
	if err != nil {
		return err
	}
	if msg.AuthorUserID != sess.Identity.UserID {
		return apperr.NotAuthorized("you can only delete your own messages")
	}
	if err := s.store.DeleteMessage(ctx, msg.ID); err != nil {
		return err
	}

	s.log.Info("message deleted by author",
		zap.Int64("message_id", msg.ID), zap.Int64("user_id", sess.Identity.UserID), zap.String("region", msg.Region))
	s.bcast.Broadcast(msg.Region, moderation.DeletedEvent(msg.ID))
	s.moderation.PublishDeleted(ctx, msg.ID, msg.Region, sess.Identity.UserID)
	return nil
}

func (s *Service) report(ctx context.Context, conn registry.Conn, sess registry.Session, f protocol.ReportMessageFrame) error {
	if f.MessageID <= 0 {
		return apperr.Validation("messageId is required")
	}
	_, err := s.moderation.FileReport(ctx, moderation.ReportRequest{
		MessageID:      f.MessageID,
		ReporterUserID: sess.Identity.UserID,
		ReporterName:   sess.Identity.DisplayName,
		Reason:         f.Reason,
		Description:    f.Description,
	})
	if err != nil {
		return err
	}
	s.reply(conn, mustEncode(protocol.Event{
		Type:    protocol.TypeReportConfirmed,
		Payload: protocol.ReportConfirmedEvent{MessageID: f.MessageID},
	}))
	return nil
}

func (s *Service) replyError(conn registry.Conn, frameType string, err error) {
	fallback := fallbacks[frameType]
	switch apperr.KindOf(err) {
	case apperr.KindPersistence, apperr.KindInternal:
		s.log.Error("frame failed",
			zap.String("conn_id", conn.ID()), zap.String("type", frameType), zap.Error(err))
	default:
		s.log.Debug("frame rejected",
			zap.String("conn_id", conn.ID()), zap.String("type", frameType), zap.Error(err))
	}
	s.reply(conn, protocol.ErrorFrame(apperr.PublicMessage(err, fallback)))
}

// reply queues a frame to one connection. A connection that cannot take
// the frame is closed; its reader then unregisters it.
func (s *Service) reply(conn registry.Conn, data []byte) {
	if data == nil {
		return
	}
	if err := conn.Send(data); err != nil {
		s.log.Debug("reply dropped, closing", zap.String("conn_id", conn.ID()), zap.Error(err))
		_ = conn.Close()
	}
}

func mustEncode(ev protocol.Event) []byte {
	data, err := ev.Encode()
	if err != nil {
		panic(fmt.Sprintf("chat: encode %s: %v", ev.Type, err))
	}
	return data
}

func toWire(m store.Message) protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:                m.ID,
		Content:           m.Content,
		AuthorUserID:      m.AuthorUserID,
		AuthorDisplayName: m.AuthorDisplayName,
		Region:            m.Region,
		Timestamp:         protocol.FormatTimestamp(m.CreatedAt),
	}
}
