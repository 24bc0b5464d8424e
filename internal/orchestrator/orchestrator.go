// Package orchestrator implements the per-meeting orchestration engine:
// the core state machine that reconciles owner/room, drives the
// conference API and live-stream bridge, and enqueues outbound mail,
// recording every observable transition to the status ledger.
//
// Grounded structurally on a per-room driver loop (state mutate, then
// broadcast) generalized from an in-memory room to a ledger-backed
// meeting driver, and a session-hub tick/cleanup idiom of "iterate every
// known entity, advance its state machine, never block on one bad
// entity."
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aau-zid/schedulight-go/internal/apperror"
	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/conference"
	"github.com/aau-zid/schedulight-go/internal/ledger"
	"github.com/aau-zid/schedulight-go/internal/livestream"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/mail"
	"github.com/aau-zid/schedulight-go/internal/mailtemplate"
	"github.com/aau-zid/schedulight-go/internal/metrics"
	"github.com/aau-zid/schedulight-go/internal/model"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const settleWait = 4 * time.Second

// Store is the subset of the tenant DB adapter the orchestration engine
// needs, narrowed to an interface so a tick's DB-facing logic can be
// exercised in tests against a fake instead of a live Postgres.
type Store interface {
	GetIDByEmail(ctx context.Context, email string) (int64, bool)
	CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string, roleID int, provider string) int64
	GetTableField(ctx context.Context, table, key string, value any, field string) (any, bool)
	CreateRoom(ctx context.Context, email, meetingName, meetingUID, roomSettings, bbbID, attendeePW, moderatorPW, accessCode string) int64
	UpdateField(ctx context.Context, table, matchField string, matchValue any, setField string, setValue any) (int64, error)
	ShareRoom(ctx context.Context, roomRef, email, by string) (int64, error)
}

// Engine drives every known meeting forward by one tick each pass.
type Engine struct {
	b        *broker.Service
	db       Store
	conf     *conference.Client
	stream   *livestream.Bridge
	v        *validator.Validate
	defaults model.EngineDefaults
}

// New constructs an orchestration engine. stream may be nil if no meeting
// in this deployment uses liveStreaming.
func New(b *broker.Service, db Store, conf *conference.Client, stream *livestream.Bridge, defaults model.EngineDefaults) *Engine {
	return &Engine{b: b, db: db, conf: conf, stream: stream, v: model.NewValidator(), defaults: defaults}
}

// RunOnce iterates the `meetings` set and ticks every member once. A bad
// entity never blocks the others.
func (e *Engine) RunOnce(ctx context.Context) {
	ids, err := e.b.SetMembers(ctx, "meetings")
	if err != nil {
		logging.Error(ctx, "failed to list meetings", zap.Error(err))
		return
	}
	metrics.MeetingsActive.Set(float64(len(ids)))

	now := time.Now().UTC()
	for _, id := range ids {
		tickCtx := context.WithValue(ctx, logging.MeetingIDKey, id)
		if err := e.Tick(tickCtx, id, now); err != nil {
			logging.Error(tickCtx, "tick failed", zap.Error(err))
		}
	}
}

// Tick runs the full per-meeting pipeline for one meeting, using a
// single wall-clock sample for every temporal predicate in this pass.
func (e *Engine) Tick(ctx context.Context, id string, now time.Time) error {
	raw, found, err := e.b.GetRecord(ctx, "meeting", id)
	if err != nil {
		return fmt.Errorf("load meeting %s: %w", id, err)
	}
	if !found {
		// A record without set membership is orphaned; a set member
		// without a record is equally not processable this tick.
		return nil
	}

	var m model.Meeting
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		logging.Error(ctx, "meeting record decode failed, skipping", zap.String("id", id), zap.Error(err))
		return nil
	}
	if err := e.v.Struct(m); err != nil {
		logging.Error(ctx, "meeting record failed validation, skipping", zap.String("id", id), zap.Error(err))
		return nil
	}

	statusKey := model.StatusKey("meeting", id)

	statusHist, err := e.loadField(ctx, statusKey, "status")
	if err != nil {
		return err
	}
	if ledger.IsDisabled(statusHist) {
		return nil
	}

	serverRaw, found, err := e.b.GetRecord(ctx, "server", m.Server)
	if err != nil {
		return fmt.Errorf("load server %s: %w", m.Server, err)
	}
	if !found {
		logging.Warn(ctx, "server config missing, skipping meeting", zap.String("server", m.Server))
		return nil
	}
	var srvModel model.Server
	if err := json.Unmarshal([]byte(serverRaw), &srvModel); err != nil {
		logging.Error(ctx, "server record decode failed, skipping", zap.Error(err))
		return nil
	}
	srv := conference.Server{BBBURL: srvModel.BBBURL, BBBSecret: srvModel.BBBSecret}

	t := &tick{e: e, ctx: ctx, id: id, m: &m, srv: srvModel, confSrv: srv, statusKey: statusKey, now: now}

	if err := t.resolveOwner(); err != nil {
		return t.persist()
	}
	if err := t.resolveRoom(); err != nil {
		return t.persist()
	}
	t.propagateRoomOverrides()
	t.loadRoomCredentials()

	t.computeTemporal()

	code, _, _ := t.loadStatus("status")
	if code != ledger.CodeStartedUsersJoined {
		t.startLogic()
	}
	t.endAfterLogic()

	code, _, _ = t.loadStatus("status")
	if code == ledger.CodeStartedUsersJoined {
		t.liveStreamingLogic()
	}

	t.mailLogic()

	return t.persist()
}

// loadField reads and decodes one ledger field.
func (e *Engine) loadField(ctx context.Context, statusKey, field string) (ledger.History, error) {
	encoded, _, err := e.b.HashGet(ctx, statusKey, field)
	if err != nil {
		return nil, fmt.Errorf("load ledger field %s/%s: %w", statusKey, field, err)
	}
	return ledger.DecodeHistory(encoded)
}

// tick carries the mutable state threaded through one meeting's pipeline.
type tick struct {
	e         *Engine
	ctx       context.Context
	id        string
	m         *model.Meeting
	srv       model.Server
	confSrv   conference.Server
	statusKey string
	now       time.Time

	roomID          int64
	roomFound       bool
	roomBBBID       string
	roomAttendeePW  string
	roomModeratorPW string
	minutesLeft     float64
	minutesPassed   float64
	preOpen         int
	preStart        int
	endAfter        int
	reminder        int
}

// writeStatus appends a transition to field unless its code is unchanged
// (the skip-if-unchanged idempotency rule).
func (t *tick) writeStatus(field, code, message string) {
	hist, err := t.e.loadField(t.ctx, t.statusKey, field)
	if err != nil {
		logging.Error(t.ctx, "load ledger field failed", zap.String("field", field), zap.Error(err))
		return
	}
	newHist, changed := ledger.Append(hist, t.now.Unix(), code, message)
	if !changed {
		return
	}
	encoded, err := ledger.EncodeHistory(newHist)
	if err != nil {
		logging.Error(t.ctx, "encode ledger field failed", zap.Error(err))
		return
	}
	if err := t.e.b.HashPut(t.ctx, t.statusKey, field, encoded); err != nil {
		logging.Error(t.ctx, "write ledger field failed", zap.Error(err))
		return
	}
	metrics.TicksTotal.WithLabelValues(field, code).Inc()
}

func (t *tick) loadStatus(field string) (code, message string, ok bool) {
	hist, err := t.e.loadField(t.ctx, t.statusKey, field)
	if err != nil {
		return "", "", false
	}
	return hist.Effective()
}

// resolveOwner looks up the meeting's owner by email, creating it if
// absent. Returns a non-nil error to stop remaining stages this tick.
func (t *tick) resolveOwner() error {
	if _, found := t.e.db.GetIDByEmail(t.ctx, t.m.Owner.Email); found {
		return nil
	}
	id := t.e.db.CreateUser(t.ctx, t.m.Owner.Email, t.m.Owner.FullName, "", "", "", 1, "ldap")
	if id == 0 {
		t.writeStatus("status", ledger.CodeNotFound, "no owner")
		return apperror.ErrPrecondition
	}
	return nil
}

// resolveRoom implements the three mutually exclusive room policies:
// home room, pinned room uid, or no room configured.
func (t *tick) resolveRoom() error {
	if t.m.UseHomeRoom {
		field, found := t.e.db.GetTableField(t.ctx, "users", "email", t.m.Owner.Email, "room_id")
		if found && field != nil {
			if id, ok := toInt64(field); ok && id != 0 {
				t.roomID = id
				t.roomFound = true
			}
		}
		if !t.roomFound {
			id := t.e.db.CreateRoom(t.ctx, t.m.Owner.Email, t.m.MeetingName, t.m.MeetingUID, "", "", "", "", t.m.AccessCode)
			if id == 0 {
				t.writeStatus("status", ledger.CodeNotFound, "no room")
				return apperror.ErrPrecondition
			}
			t.roomID = id
			t.roomFound = true
			if _, err := t.e.db.UpdateField(t.ctx, "users", "email", t.m.Owner.Email, "room_id", id); err != nil {
				logging.Error(t.ctx, "link home room failed", zap.Error(err))
			}
		}
		return nil
	}

	if t.m.MeetingUID != "" {
		field, found := t.e.db.GetTableField(t.ctx, "rooms", "uid", t.m.MeetingUID, "id")
		if found {
			if id, ok := toInt64(field); ok {
				t.roomID = id
				t.roomFound = true
			}
		}
		if !t.roomFound {
			id := t.e.db.CreateRoom(t.ctx, t.m.Owner.Email, t.m.MeetingName, t.m.MeetingUID, "", "", "", "", t.m.AccessCode)
			if id == 0 {
				t.writeStatus("status", ledger.CodeNotFound, "no room")
				return apperror.ErrPrecondition
			}
			t.roomID = id
			t.roomFound = true
		}
		return nil
	}

	t.writeStatus("status", ledger.CodeNotFound, "no room")
	return apperror.ErrPrecondition
}

// propagateRoomOverrides pushes the meeting's overrides onto the resolved
// room row, on room presence.
func (t *tick) propagateRoomOverrides() {
	overrides := map[string]string{
		"name":        t.m.MeetingName,
		"uid":         t.m.MeetingUID,
		"access_code": t.m.AccessCode,
		"bbb_id":      t.m.MeetingID,
	}
	for field, value := range overrides {
		if value == "" {
			continue
		}
		if _, err := t.e.db.UpdateField(t.ctx, "rooms", "id", t.roomID, field, value); err != nil {
			logging.Error(t.ctx, "propagate room override failed", zap.String("field", field), zap.Error(err))
		}
	}
}

// loadRoomCredentials re-reads the resolved room's generated bbb_id,
// attendee_pw and moderator_pw after propagateRoomOverrides has applied the
// meeting's own overrides, mirroring the original processor's fetch of
// room_data straight after room resolution/override.
func (t *tick) loadRoomCredentials() {
	if v, ok := t.e.db.GetTableField(t.ctx, "rooms", "id", t.roomID, "bbb_id"); ok {
		if s, ok := v.(string); ok {
			t.roomBBBID = s
		}
	}
	if v, ok := t.e.db.GetTableField(t.ctx, "rooms", "id", t.roomID, "attendee_pw"); ok {
		if s, ok := v.(string); ok {
			t.roomAttendeePW = s
		}
	}
	if v, ok := t.e.db.GetTableField(t.ctx, "rooms", "id", t.roomID, "moderator_pw"); ok {
		if s, ok := v.(string); ok {
			t.roomModeratorPW = s
		}
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

// computeTemporal samples the tick's predicates off the single wall-clock
// reading for this pass.
func (t *tick) computeTemporal() {
	t.preOpen = t.m.PreOpen(t.e.defaults)
	t.preStart = t.m.PreStart(t.e.defaults)
	t.endAfter = t.m.EndAfter(t.e.defaults)
	t.reminder = t.m.Reminder(t.e.defaults)

	if t.m.StartDate == nil {
		return
	}
	diff := t.m.StartDate.Sub(t.now).Minutes()
	if diff > 0 {
		t.minutesLeft = diff
	} else {
		t.minutesPassed = -diff
	}
}

// bbbMeetingID is the conference-server meeting identifier: the resolved
// room's bbb_id column once a room exists (reflecting any meetingID
// override already propagated onto it), falling back to the meeting's own
// override or id before a room has been resolved.
func (t *tick) bbbMeetingID() string {
	if t.roomBBBID != "" {
		return t.roomBBBID
	}
	if t.m.MeetingID != "" {
		return t.m.MeetingID
	}
	return t.m.ID
}

// startLogic decides whether to create/recreate the meeting at the
// pre-start/pre-open boundaries, or to hold and wait for startDate.
func (t *tick) startLogic() {
	if t.m.StartDate == nil {
		t.attemptCreate("status")
		return
	}

	if t.minutesLeft-float64(t.preStart) <= 0 {
		t.attemptCreate("status")
		return
	}

	t.writeStatus("status", ledger.CodeWaiting, "waiting for startDate")

	preOpenCode, _, _ := t.loadStatus("preOpen")
	if t.minutesLeft-float64(t.preOpen+t.preStart) <= 0 && preOpenCode != ledger.CodeStartedUsersJoined {
		if err := t.closeThenReopen(); err != nil {
			logging.Error(t.ctx, "pre-open close/reopen failed", zap.Error(err))
		}
	}
}

func (t *tick) attemptCreate(field string) {
	res, err := t.e.conf.CreateMeeting(t.ctx, t.confSrv, conference.CreateMeetingParams{
		MeetingID:               t.bbbMeetingID(),
		Name:                    t.m.MeetingName,
		AttendeePW:              t.roomAttendeePW,
		ModeratorPW:             t.roomModeratorPW,
		MaxParticipants:         t.m.MaxParticipants,
		Record:                  t.m.Record,
		Duration:                t.m.Duration,
		MuteOnStart:             t.m.MuteOnStart,
		LogoutURL:               t.m.LogoutURL,
		Welcome:                 t.m.Welcome,
		BannerText:              t.m.BannerText,
		AutoStartRecording:      t.m.AutoStartRecording,
		AllowStartStopRecording: t.m.AllowStartStopRecording,
	})
	if err != nil || !res.Success {
		t.writeStatus(field, ledger.CodeBadRequest, "could not be started")
		return
	}
	if res.UsersJoined {
		t.writeStatus(field, ledger.CodeStartedUsersJoined, "started, users joined")
	} else {
		t.writeStatus(field, ledger.CodeStartedNoUsers, "started, no users joined")
	}
}

// closeThenReopen resets conference-side parameters at the pre-open
// boundary: end, settle, verify closed, then recreate. The 4-second
// settle wait is intentional and preserved verbatim.
func (t *tick) closeThenReopen() error {
	if _, err := t.e.conf.EndMeeting(t.ctx, t.confSrv, t.bbbMeetingID()); err != nil {
		return fmt.Errorf("%w: pre-open end: %v", apperror.ErrTransient, err)
	}
	time.Sleep(settleWait)

	if _, ok, err := t.e.conf.GetMeetingInfo(t.ctx, t.confSrv, t.bbbMeetingID()); err != nil {
		return fmt.Errorf("%w: pre-open verify: %v", apperror.ErrTransient, err)
	} else if ok {
		t.writeStatus("preOpen", ledger.CodeBadRequest, "did not close in time")
		return nil
	}

	t.writeStatus("preOpen", ledger.CodeStartedUsersJoined, "reset at pre-open boundary")
	t.attemptCreate("preOpen")
	return nil
}

// endAfterLogic ends the meeting once its end_after window has elapsed.
func (t *tick) endAfterLogic() {
	if t.endAfter <= 0 || t.minutesPassed < float64(t.endAfter) {
		return
	}
	endCode, _, _ := t.loadStatus("endMeeting")
	if endCode == ledger.CodeStartedUsersJoined {
		return
	}

	if _, err := t.e.conf.EndMeeting(t.ctx, t.confSrv, t.bbbMeetingID()); err != nil {
		t.writeStatus("endMeeting", ledger.CodeBadRequest, "could not be ended")
		return
	}
	time.Sleep(settleWait)

	_, ok, err := t.e.conf.GetMeetingInfo(t.ctx, t.confSrv, t.bbbMeetingID())
	if err != nil || ok {
		t.writeStatus("endMeeting", ledger.CodeBadRequest, "did not close in time")
		return
	}
	t.writeStatus("endMeeting", ledger.CodeStartedUsersJoined, "closed")
	t.writeStatus("status", ledger.CodeStartedUsersJoined, "has finished and was closed")
}

// liveStreamingLogic restarts the stream bridge once per meeting start.
func (t *tick) liveStreamingLogic() {
	if t.m.LiveStreaming == nil || t.e.stream == nil {
		return
	}
	code, _, _ := t.loadStatus("liveStreaming")
	if code == ledger.CodeStartedUsersJoined {
		return
	}

	err := t.e.stream.Restart(t.ctx, t.m.LiveStreaming.StreamerHost, livestream.Params{
		BBBURL:       t.srv.BBBURL,
		BBBSecret:    t.srv.BBBSecret,
		BBBMeetingID: t.bbbMeetingID(),
		BBBStreamURL: t.m.LiveStreaming.TargetURL,
		BBBIntro:     t.m.LiveStreaming.PlayIntro,
	})
	if err != nil {
		logging.Error(t.ctx, "live stream restart failed", zap.Error(err))
		t.writeStatus("liveStreaming", ledger.CodeBadRequest, "stream bridge failed")
		return
	}
	t.writeStatus("liveStreaming", ledger.CodeStartedUsersJoined, "stream bridge up")
}

// mailLogic sends each stage's one-shot confirmation mail.
func (t *tick) mailLogic() {
	t.sendOnceMail("owner_infoMailSent", mailtemplate.OwnerInfo, t.m.Owner.Email, t.m.Owner.FullName, func() bool { return true })

	statusCode, _, _ := t.loadStatus("status")
	t.sendOnceMail("owner_startMailSent", mailtemplate.OwnerStart, t.m.Owner.Email, t.m.Owner.FullName, func() bool {
		return statusCode == ledger.CodeStartedNoUsers || statusCode == ledger.CodeStartedUsersJoined
	})

	if t.m.StartDate != nil && t.reminder > 0 && statusCode != ledger.CodeStartedUsersJoined {
		window := t.minutesLeft - float64(t.preStart)
		if window > 0 && window <= float64(t.reminder) {
			t.sendOnceMail("owner_reminderMailSent", mailtemplate.OwnerReminder, t.m.Owner.Email, t.m.Owner.FullName, func() bool { return true })
		}
	}

	for email, target := range t.m.ShareWith {
		t.shareMailStage(email, target)
	}
	for email, target := range t.m.SendInvitationLink {
		t.sendOnceMail("sendInvitationLink_"+email, mailtemplate.InvitationLink, email, target.FullName, func() bool { return true })
	}
	for email, target := range t.m.SendModeratorLink {
		t.sendOnceMail("sendModeratorLink_"+email, mailtemplate.ModeratorLink, email, target.FullName, func() bool { return true })
	}
}

func (t *tick) shareMailStage(email string, target model.ShareTarget) {
	dbField := "shareWith_" + email
	if code, _, _ := t.loadStatus(dbField); code != ledger.CodeMailSent {
		n, err := t.e.db.ShareRoom(t.ctx, t.m.MeetingUID, email, "uid")
		if err != nil || n == 0 {
			t.writeStatus(dbField, ledger.CodeBadRequest, "share failed")
			return
		}
		t.writeStatus(dbField, ledger.CodeMailSent, "shared")
	}
	t.sendOnceMail("shareWith_"+email+"_sendShareMail", mailtemplate.RoomShared, email, target.FullName, func() bool { return true })
}

// sendOnceMail enqueues a mail to mailStream when guard() is true and the
// stage's own sub-status has not already reached 250 (mail sent).
func (t *tick) sendOnceMail(field string, tmpl mailtemplate.Template, to, toName string, guard func() bool) {
	if code, _, _ := t.loadStatus(field); code == ledger.CodeMailSent {
		return
	}
	if !guard() {
		return
	}

	from, fromName, toEmail, toDisplayName := t.resolveMailOverrides(to, toName)

	body, subject, err := mailtemplate.Render(tmpl, mailtemplate.Data{
		MeetingName:    t.m.MeetingName,
		OwnerName:      t.m.Owner.FullName,
		OwnerEmail:     t.m.Owner.Email,
		ServerName:     t.m.Server,
		RoomUID:        t.m.MeetingUID,
		RecipientEmail: toEmail,
		RecipientName:  toDisplayName,
	}, t.m.TemplateOverrides[string(tmpl)])
	if err != nil {
		logging.Error(t.ctx, "render mail template failed", zap.Error(err))
		t.writeStatus(field, ledger.CodeBadRequest, "template render failed")
		return
	}

	env := mail.Envelope{
		SMTPServer:   t.srv.MailServer,
		SMTPUser:     t.srv.MailUser,
		SMTPPassword: t.srv.MailPassword,
		From:         from,
		FromName:     fromName,
		To:           toEmail,
		ToName:       toDisplayName,
		Subject:      subject,
		Body:         body,
		ContentType:  mail.ContentTypePlain,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		logging.Error(t.ctx, "encode mail envelope failed", zap.Error(err))
		return
	}
	if _, err := t.e.b.StreamAppend(t.ctx, "mailStream", t.id+"_"+field, string(encoded)); err != nil {
		logging.Error(t.ctx, "enqueue mail failed", zap.Error(err))
		t.writeStatus(field, ledger.CodeBadRequest, "enqueue failed")
		return
	}
	t.writeStatus(field, ledger.CodeMailSent, "mail sent")
}

// resolveMailOverrides applies the strict override chain meeting ▷ server
// ▷ default (owner email/name, recipient email/derived local-part name).
func (t *tick) resolveMailOverrides(to, toName string) (from, fromName, toEmail, toDisplayName string) {
	from = t.m.Options.MailFrom
	if from == "" {
		from = t.srv.MailFrom
	}
	if from == "" {
		from = t.m.Owner.Email
	}

	fromName = t.m.Options.MailFromName
	if fromName == "" {
		fromName = t.srv.MailFromName
	}
	if fromName == "" {
		fromName = t.m.Owner.FullName
	}

	toEmail = t.m.Options.MailTo
	if toEmail == "" {
		toEmail = t.srv.MailTo
	}
	if toEmail == "" {
		toEmail = to
	}

	toDisplayName = t.m.Options.MailToName
	if toDisplayName == "" {
		toDisplayName = t.srv.MailToName
	}
	if toDisplayName == "" {
		toDisplayName = toName
	}
	if toDisplayName == "" {
		toDisplayName = localPart(toEmail)
	}
	return
}

func localPart(email string) string {
	for i, r := range email {
		if r == '@' {
			return email[:i]
		}
	}
	return email
}

// persist replaces the meeting record wholesale at the end of every tick.
func (t *tick) persist() error {
	encoded, err := json.Marshal(t.m)
	if err != nil {
		return fmt.Errorf("encode meeting record: %w", err)
	}
	return t.e.b.PutRecord(t.ctx, "meeting", t.id, string(encoded), 0)
}
