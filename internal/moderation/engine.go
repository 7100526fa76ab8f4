package moderation

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/apperr"
	"github.com/festival/regionchat/internal/metrics"
	"github.com/festival/regionchat/internal/store"
)

const (
	MaxReasonChars      = 100
	MaxDescriptionChars = 1000
	MaxAdminNotesChars  = 1000
)

// Config holds moderation tuning.
type Config struct {
	// HideThreshold is the PENDING+RESOLVED report count at which a message
	// is hidden.
	HideThreshold int
}

// DefaultConfig returns the production moderation policy.
func DefaultConfig() Config {
	return Config{HideThreshold: 5}
}

// ReportRequest carries a REPORT_MESSAGE frame after identity resolution.
type ReportRequest struct {
	MessageID      int64
	ReporterUserID int64
	ReporterName   string
	Reason         string
	Description    string
}

// FileResult describes the outcome of a successful FileReport.
type FileResult struct {
	Report store.Report
	Region string
	Count  int
	// Hidden is true only for the report that caused the message to be hidden.
	Hidden bool
}

// Engine runs the report workflow against a store and announces deletions
// through a Notifier.
type Engine struct {
	store     store.Store
	notify    Notifier
	events    EventPublisher
	sanctions Sanctioner
	cfg       Config
	log       *zap.Logger
	now       func() time.Time
}

// NewEngine creates a moderation engine. A nil publisher disables the
// moderation feed.
func NewEngine(s store.Store, notify Notifier, events EventPublisher, cfg Config, logger *zap.Logger) *Engine {
	if events == nil {
		events = NoopPublisher
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HideThreshold <= 0 {
		cfg.HideThreshold = DefaultConfig().HideThreshold
	}
	return &Engine{
		store:  s,
		notify: notify,
		events: events,
		cfg:    cfg,
		log:    logger.Named("moderation"),
		now:    time.Now,
	}
}

// SetSanctioner makes removals count against the message author. Call it
// before the engine is shared.
func (e *Engine) SetSanctioner(s Sanctioner) { e.sanctions = s }

// Threshold returns the configured hide threshold.
func (e *Engine) Threshold() int { return e.cfg.HideThreshold }

// FileReport records a PENDING report and hides the message once it has
// collected HideThreshold reports. The hide and its MESSAGE_DELETED
// broadcast happen at most once per message.
func (e *Engine) FileReport(ctx context.Context, req ReportRequest) (FileResult, error) {
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		return FileResult{}, apperr.Validation("report reason is required")
	}
	if utf8.RuneCountInString(req.Reason) > MaxReasonChars {
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		return FileResult{}, apperr.Validation("report reason exceeds %d characters", MaxReasonChars)
	}
	if utf8.RuneCountInString(req.Description) > MaxDescriptionChars {
		metrics.ReportsTotal.WithLabelValues("rejected").Inc()
		return FileResult{}, apperr.Validation("report description exceeds %d characters", MaxDescriptionChars)
	}

	msg, err := e.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return FileResult{}, err
	}

	report, err := e.store.SaveReport(ctx, store.Report{
		MessageID:      req.MessageID,
		ReporterUserID: req.ReporterUserID,
		ReporterName:   req.ReporterName,
		Reason:         req.Reason,
		Description:    req.Description,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindDuplicate {
			metrics.ReportsTotal.WithLabelValues("duplicate").Inc()
		}
		return FileResult{}, err
	}
	metrics.ReportsTotal.WithLabelValues("filed").Inc()

	res := FileResult{Report: report, Region: msg.Region}
	e.log.Info("report filed",
		zap.Int64("report_id", report.ID),
		zap.Int64("message_id", msg.ID),
		zap.Int64("user_id", req.ReporterUserID),
		zap.String("region", msg.Region),
		zap.String("reason", req.Reason))

	count, err := e.store.CountReports(ctx, msg.ID)
	if err != nil {
		// The report is stored; the threshold is re-evaluated on the next one.
		e.log.Warn("count reports", zap.Int64("message_id", msg.ID), zap.Error(err))
		e.publish(ctx, Event{Kind: EventReported, MessageID: msg.ID, Region: msg.Region,
			ReportID: report.ID, ActorUserID: req.ReporterUserID})
		return res, nil
	}
	res.Count = count
	e.publish(ctx, Event{Kind: EventReported, MessageID: msg.ID, Region: msg.Region,
		ReportID: report.ID, ActorUserID: req.ReporterUserID, ReportCount: count})

	if count < e.cfg.HideThreshold {
		return res, nil
	}

	changed, err := e.store.HideMessage(ctx, msg.ID)
	if err != nil {
		e.log.Warn("auto-hide failed", zap.Int64("message_id", msg.ID), zap.Error(err))
		return res, nil
	}
	if !changed {
		return res, nil
	}

	res.Hidden = true
	metrics.AutoHiddenTotal.Inc()
	e.log.Info("message auto-hidden",
		zap.Int64("message_id", msg.ID), zap.String("region", msg.Region), zap.Int("reports", count))
	e.notify.Broadcast(msg.Region, DeletedEvent(msg.ID))
	e.publish(ctx, Event{Kind: EventHidden, MessageID: msg.ID, Region: msg.Region,
		ReportID: report.ID, ActorUserID: req.ReporterUserID, ReportCount: count})
	e.strike(ctx, msg, "message hidden after reports")
	return res, nil
}

// ListReports returns one page of reports, newest first.
func (e *Engine) ListReports(ctx context.Context, f store.ReportFilter) (store.ReportPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return store.ReportPage{}, apperr.Validation("unknown report status %q", f.Status)
	}
	return e.store.ListReports(ctx, f)
}

// ResolveReport finalizes a PENDING report. RESOLVED deletes the message with
// every report on it and tells the region; REJECTED only records the
// decision.
func (e *Engine) ResolveReport(ctx context.Context, reportID, adminUserID int64, status store.ReportStatus, notes string) (store.ReportView, error) {
	if status != store.StatusResolved && status != store.StatusRejected {
		return store.ReportView{}, apperr.Validation("status must be RESOLVED or REJECTED")
	}
	if utf8.RuneCountInString(notes) > MaxAdminNotesChars {
		return store.ReportView{}, apperr.Validation("admin notes exceed %d characters", MaxAdminNotesChars)
	}

	// The message is gone after a RESOLVED cascade, so read its author first.
	var target store.Message
	if status == store.StatusResolved && e.sanctions != nil {
		if r, err := e.store.GetReport(ctx, reportID); err == nil {
			target, _ = e.store.GetMessage(ctx, r.MessageID)
		}
	}

	view, err := e.store.ResolveReport(ctx, reportID, store.Resolution{
		Status:      status,
		AdminUserID: adminUserID,
		AdminNotes:  notes,
		At:          e.now(),
	})
	if err != nil {
		return store.ReportView{}, err
	}
	metrics.ResolutionsTotal.WithLabelValues(string(status)).Inc()

	e.log.Info("report resolved",
		zap.Int64("report_id", reportID),
		zap.Int64("message_id", view.MessageID),
		zap.Int64("user_id", adminUserID),
		zap.String("status", string(status)))

	if status == store.StatusResolved {
		e.notify.Broadcast(view.Region, DeletedEvent(view.MessageID))
	}
	e.publish(ctx, Event{Kind: EventResolved, MessageID: view.MessageID, Region: view.Region,
		ReportID: reportID, ActorUserID: adminUserID, Status: string(status)})
	if target.ID != 0 {
		e.strike(ctx, target, "report upheld: "+view.Reason)
	}
	return view, nil
}

// ForceDelete removes any message with its reports on behalf of an admin.
func (e *Engine) ForceDelete(ctx context.Context, messageID, adminUserID int64) error {
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteMessage(ctx, messageID); err != nil {
		return err
	}

	e.log.Info("message deleted by admin",
		zap.Int64("message_id", messageID), zap.Int64("user_id", adminUserID), zap.String("region", msg.Region))
	e.notify.Broadcast(msg.Region, DeletedEvent(messageID))
	e.publish(ctx, Event{Kind: EventDeleted, MessageID: messageID, Region: msg.Region, ActorUserID: adminUserID})
	e.strike(ctx, msg, "message removed by admin")
	return nil
}

// RegionStats summarizes the last week of activity per region.
func (e *Engine) RegionStats(ctx context.Context) ([]store.RegionStats, error) {
	return e.store.RegionStats(ctx, e.now())
}

// PublishDeleted reports an author's own deletion to the moderation feed.
func (e *Engine) PublishDeleted(ctx context.Context, messageID int64, region string, actorUserID int64) {
	e.publish(ctx, Event{Kind: EventDeleted, MessageID: messageID, Region: region, ActorUserID: actorUserID})
}

// strike is best effort; a failing sanction store never undoes a removal.
func (e *Engine) strike(ctx context.Context, msg store.Message, reason string) {
	if e.sanctions == nil || msg.AuthorUserID == 0 {
		return
	}
	d, err := e.sanctions.Strike(ctx, msg.AuthorUserID, msg.ID, reason)
	if err != nil {
		e.log.Warn("record strike", zap.Int64("user_id", msg.AuthorUserID), zap.Error(err))
		return
	}
	if d <= 0 {
		return
	}
	metrics.SuspensionsTotal.WithLabelValues("auto").Inc()
	e.log.Info("author suspended",
		zap.Int64("user_id", msg.AuthorUserID), zap.Int64("message_id", msg.ID), zap.Duration("duration", d))
	e.publish(ctx, Event{Kind: EventSuspended, MessageID: msg.ID, Region: msg.Region,
		ActorUserID: msg.AuthorUserID, Status: d.String()})
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	ev.At = e.now()
	if err := e.events.PublishModeration(ctx, ev); err != nil {
		e.log.Warn("publish moderation event",
			zap.String("event", string(ev.Kind)), zap.Int64("message_id", ev.MessageID), zap.Error(err))
	}
}
