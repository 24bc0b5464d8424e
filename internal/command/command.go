// Package command implements the command processor: a commandStream
// consumer that applies declarative tenant-DB mutations (rename/share/
// unshare/create/delete room, create/delete user), enqueueing confirmation
// mail where applicable.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aau-zid/schedulight-go/internal/apperror"
	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/mail"
	"github.com/aau-zid/schedulight-go/internal/mailtemplate"
	"github.com/aau-zid/schedulight-go/internal/metrics"
	"github.com/aau-zid/schedulight-go/internal/model"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const (
	streamName   = "commandStream"
	groupName    = "commandNotifications"
	consumerName = "consumer1"
	batchSize    = 10
	readBlock    = 2 * time.Second
	mailStream   = "mailStream"
)

// Envelope is the full command payload decoded from one stream message.
// Data maps a single caller-chosen key (a room uid or user email,
// depending on the command) to its command-specific sub-payload.
type Envelope struct {
	Command string                     `json:"command"`
	Server  string                     `json:"server"`
	Data    map[string]json.RawMessage `json:"data"`
}

// Store is the subset of the tenant DB adapter the command processor
// needs, narrowed to an interface so tests can substitute a fake instead
// of a live Postgres.
type Store interface {
	RenameRoom(ctx context.Context, oldValue, newValue, by string) (int64, error)
	ShareRoom(ctx context.Context, roomRef, email, by string) (int64, error)
	UnshareRoom(ctx context.Context, roomRef, email, by string) (int64, error)
	CreateRoom(ctx context.Context, email, meetingName, meetingUID, roomSettings, bbbID, attendeePW, moderatorPW, accessCode string) int64
	DeleteRoom(ctx context.Context, roomRef, by string) (int64, error)
	CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string, roleID int, provider string) int64
	DeleteUser(ctx context.Context, userRef, by string) (int64, error)
}

// Processor applies command envelopes against the tenant DB.
type Processor struct {
	b  *broker.Service
	db Store
	v  *validator.Validate
}

// NewProcessor constructs a command processor.
func NewProcessor(b *broker.Service, db Store) *Processor {
	return &Processor{b: b, db: db, v: model.NewValidator()}
}

// EnsureGroup creates the commandNotifications consumer group if absent.
func (p *Processor) EnsureGroup(ctx context.Context) error {
	return p.b.EnsureGroup(ctx, streamName, groupName)
}

// RunOnce drains pending commands then reads new ones.
func (p *Processor) RunOnce(ctx context.Context) {
	p.drain(ctx, "0")
	p.drain(ctx, ">")
}

func (p *Processor) drain(ctx context.Context, cursor string) {
	msgs, err := p.b.StreamReadGroup(ctx, streamName, groupName, consumerName, cursor, batchSize, readBlock)
	if err != nil {
		logging.Error(ctx, "command processor stream read failed", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		p.process(ctx, msg.ID, msg.Values)
		// Every message is acknowledged after processing whether success
		// or failure: at-least-once delivery relies on application-level
		// idempotency (e.g. createUser returning 0 on duplicate email).
		if err := p.b.StreamAck(ctx, streamName, groupName, msg.ID); err != nil {
			logging.Error(ctx, "command processor ack failed", zap.Error(err))
		}
	}
}

func (p *Processor) process(ctx context.Context, id string, values map[string]any) {
	for verb, raw := range values {
		payload, ok := raw.(string)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			logging.Error(ctx, "command decode error", zap.String("verb", verb), zap.Error(err))
			metrics.CommandsProcessedTotal.WithLabelValues(verb, "decode_error").Inc()
			continue
		}
		if env.Command == "" {
			env.Command = verb
		}

		// The original sets success=false on validation failure but still
		// dispatches into the per-command branch on the same message.
		// Whether that is intentional is unclear; preserved verbatim
		// rather than silently corrected.
		success := true
		if err := p.validate(env); err != nil {
			logging.Warn(ctx, "command validation failed, dispatching anyway", zap.String("command", env.Command), zap.Error(err))
			success = false
		}

		outcome := p.dispatch(ctx, env)
		if !success {
			outcome = "validation_failed_" + outcome
		}
		metrics.CommandsProcessedTotal.WithLabelValues(env.Command, outcome).Inc()
	}
}

func (p *Processor) singleEntry(env Envelope) (key string, value json.RawMessage, err error) {
	if len(env.Data) != 1 {
		return "", nil, fmt.Errorf("%w: command data must have exactly one key, got %d", apperror.ErrConfig, len(env.Data))
	}
	for k, v := range env.Data {
		return k, v, nil
	}
	return "", nil, fmt.Errorf("%w: empty command data", apperror.ErrConfig)
}

func (p *Processor) validate(env Envelope) error {
	if env.Command == "" {
		return fmt.Errorf("%w: missing command verb", apperror.ErrConfig)
	}
	_, _, err := p.singleEntry(env)
	return err
}

func (p *Processor) dispatch(ctx context.Context, env Envelope) string {
	key, value, err := p.singleEntry(env)
	if err != nil {
		return "bad_envelope"
	}

	switch env.Command {
	case "rename_room":
		return p.renameRoom(ctx, key, value)
	case "share_room":
		return p.shareRoom(ctx, env.Server, key, value, true)
	case "unshare_room":
		// unshare_room validates against the share_room schema. Likely
		// intentional but unconfirmed; preserved verbatim.
		return p.shareRoom(ctx, env.Server, key, value, false)
	case "create_room":
		return p.createRoom(ctx, key, value)
	case "delete_room":
		return p.deleteRoom(ctx, key)
	case "create_user":
		return p.createUser(ctx, key, value)
	case "delete_user":
		return p.deleteUser(ctx, key)
	default:
		logging.Error(ctx, "unknown command verb", zap.String("command", env.Command))
		return "unknown_command"
	}
}

func (p *Processor) renameRoom(ctx context.Context, oldUID string, value json.RawMessage) string {
	var data struct {
		RoomUID string `json:"roomUID" validate:"required"`
	}
	if err := json.Unmarshal(value, &data); err != nil {
		logging.Error(ctx, "rename_room decode failed", zap.Error(err))
		return "decode_error"
	}
	n, err := p.db.RenameRoom(ctx, oldUID, data.RoomUID, "uid")
	if err != nil {
		logging.Error(ctx, "rename_room failed", zap.Error(err))
		return "error"
	}
	if n == 0 {
		return "no_match"
	}
	return "ok"
}

func (p *Processor) shareRoom(ctx context.Context, serverID, roomUID string, value json.RawMessage, share bool) string {
	var targets map[string]string // email -> fullName
	if err := json.Unmarshal(value, &targets); err != nil {
		logging.Error(ctx, "share_room decode failed", zap.Error(err))
		return "decode_error"
	}

	outcome := "ok"
	for email, fullName := range targets {
		var n int64
		var err error
		if share {
			n, err = p.db.ShareRoom(ctx, roomUID, email, "uid")
		} else {
			n, err = p.db.UnshareRoom(ctx, roomUID, email, "uid")
		}
		if err != nil {
			logging.Error(ctx, "share/unshare room failed", zap.String("email", logging.RedactEmail(email)), zap.Error(err))
			outcome = "error"
			continue
		}
		if n == 0 {
			outcome = "no_match"
			continue
		}
		if share {
			p.enqueueTemplateMail(ctx, serverID, email, fullName, mailtemplate.RoomShared, roomUID)
		} else {
			p.enqueueTemplateMail(ctx, serverID, email, fullName, mailtemplate.RoomUnshared, roomUID)
		}
	}
	return outcome
}

func (p *Processor) createRoom(ctx context.Context, roomUID string, value json.RawMessage) string {
	var data struct {
		Email      string `json:"email" validate:"required,email"`
		RoomUID    string `json:"roomUID,omitempty"`
		AccessCode string `json:"accessCode,omitempty"`
	}
	if err := json.Unmarshal(value, &data); err != nil {
		logging.Error(ctx, "create_room decode failed", zap.Error(err))
		return "decode_error"
	}
	uid := data.RoomUID
	if uid == "" {
		uid = roomUID
	}
	id := p.db.CreateRoom(ctx, data.Email, roomUID, uid, "", "", "", "", data.AccessCode)
	if id == 0 {
		return "failed"
	}
	return "ok"
}

func (p *Processor) deleteRoom(ctx context.Context, roomUID string) string {
	n, err := p.db.DeleteRoom(ctx, roomUID, "uid")
	if err != nil {
		logging.Error(ctx, "delete_room failed", zap.Error(err))
		return "error"
	}
	if n == 0 {
		return "no_match"
	}
	return "ok"
}

func (p *Processor) createUser(ctx context.Context, email string, value json.RawMessage) string {
	var data struct {
		FullName string `json:"fullName"`
		Pwd      string `json:"pwd,omitempty"`
		Role     int    `json:"role,omitempty"`
		Provider string `json:"provider,omitempty"`
	}
	if err := json.Unmarshal(value, &data); err != nil {
		logging.Error(ctx, "create_user decode failed", zap.Error(err))
		return "decode_error"
	}
	roleID := data.Role
	if roleID == 0 {
		roleID = 1
	}
	provider := data.Provider
	if provider == "" {
		provider = "ldap"
	}
	id := p.db.CreateUser(ctx, email, data.FullName, "", "", data.Pwd, roleID, provider)
	if id == 0 {
		return "failed"
	}
	return "ok"
}

func (p *Processor) deleteUser(ctx context.Context, email string) string {
	n, err := p.db.DeleteUser(ctx, email, "email")
	if err != nil {
		logging.Error(ctx, "delete_user failed", zap.Error(err))
		return "error"
	}
	if n == 0 {
		return "no_match"
	}
	return "ok"
}

// enqueueTemplateMail renders a confirmation template and appends it to
// mailStream; credentials are resolved from the server record.
func (p *Processor) enqueueTemplateMail(ctx context.Context, serverID, email, fullName string, tmpl mailtemplate.Template, roomUID string) {
	raw, found, err := p.b.GetRecord(ctx, "server", serverID)
	if err != nil || !found {
		logging.Error(ctx, "cannot enqueue mail: server record missing", zap.String("server", serverID))
		return
	}
	var srv model.Server
	if err := json.Unmarshal([]byte(raw), &srv); err != nil {
		logging.Error(ctx, "cannot decode server record for mail", zap.Error(err))
		return
	}

	body, subject, err := mailtemplate.Render(tmpl, mailtemplate.Data{
		RecipientEmail: email,
		RecipientName:  fullName,
		RoomUID:        roomUID,
	}, "")
	if err != nil {
		logging.Error(ctx, "render mail template failed", zap.Error(err))
		return
	}

	env := mail.Envelope{
		SMTPServer:   srv.MailServer,
		SMTPUser:     srv.MailUser,
		SMTPPassword: srv.MailPassword,
		From:         srv.MailFrom,
		FromName:     srv.MailFromName,
		To:           email,
		ToName:       fullName,
		Subject:      subject,
		Body:         body,
		ContentType:  mail.ContentTypePlain,
	}
	encoded, err := json.Marshal(env)
	if err != nil {
		logging.Error(ctx, "encode mail envelope failed", zap.Error(err))
		return
	}
	if _, err := p.b.StreamAppend(ctx, mailStream, email, string(encoded)); err != nil {
		logging.Error(ctx, "enqueue mail failed", zap.Error(err))
	}
}
