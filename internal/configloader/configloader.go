// Package configloader ingests declared state from a YAML document or a
// semicolon-delimited CSV roster into broker records, and replays a
// config file's `commands` list onto commandStream.
package configloader

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/aau-zid/schedulight-go/internal/apperror"
	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/model"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"
)

// Document is the top-level shape of the loader's YAML config file.
type Document struct {
	Servers  []model.Server    `yaml:"servers"`
	Meetings []model.Meeting   `yaml:"meetings"`
	Commands []json.RawMessage `yaml:"commands"`
}

// Loader replaces broker state from a Document.
type Loader struct {
	b              *broker.Service
	v              *validator.Validate
	keepRedisCache int
}

// New constructs a Loader. keepRedisCache is the TTL (seconds) applied to
// every record this Loader writes, per the `keep_redis_cache` flag.
func New(b *broker.Service, keepRedisCache int) *Loader {
	return &Loader{b: b, v: model.NewValidator(), keepRedisCache: keepRedisCache}
}

// Parse decodes a YAML document from r.
func Parse(r io.Reader) (Document, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Document{}, fmt.Errorf("read config: %w", err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Document{}, fmt.Errorf("%w: decode config yaml: %v", apperror.ErrConfig, err)
	}
	return doc, nil
}

// Apply writes every server and meeting in doc to the broker, validating
// each entry first (invalid entries are skipped and logged, not fatal to
// the whole document). If deleteMeetings is true, any previously-known
// meeting id that is not among doc's valid meetings is removed (a
// set-difference deletion; an id whose entry failed validation is removed
// too). Each entry of doc.Commands is appended to commandStream under its
// command verb as the field name, as POST /commands does.
func (l *Loader) Apply(ctx context.Context, doc Document, deleteMeetings bool) error {
	ttl := time.Duration(l.keepRedisCache) * time.Second

	newMeetingIDs := make(map[string]bool, len(doc.Meetings))

	for _, srv := range doc.Servers {
		if err := l.v.Struct(srv); err != nil {
			logging.Error(ctx, "skipping invalid server record", zap.String("id", srv.ID), zap.Error(err))
			continue
		}
		if err := l.putServer(ctx, srv, ttl); err != nil {
			logging.Error(ctx, "write server record failed", zap.String("id", srv.ID), zap.Error(err))
		}
	}

	for _, m := range doc.Meetings {
		if err := l.v.Struct(m); err != nil {
			logging.Error(ctx, "skipping invalid meeting record", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		newMeetingIDs[m.ID] = true
		if err := l.putMeeting(ctx, m, ttl); err != nil {
			logging.Error(ctx, "write meeting record failed", zap.String("id", m.ID), zap.Error(err))
		}
	}

	if deleteMeetings {
		if err := l.pruneMeetings(ctx, newMeetingIDs); err != nil {
			return err
		}
	}

	for _, raw := range doc.Commands {
		var head struct {
			Command string `json:"command"`
		}
		field := "command"
		if err := json.Unmarshal(raw, &head); err == nil && head.Command != "" {
			field = head.Command
		}
		if _, err := l.b.StreamAppend(ctx, "commandStream", field, string(raw)); err != nil {
			logging.Error(ctx, "enqueue config command failed", zap.Error(err))
		}
	}

	return nil
}

func (l *Loader) putServer(ctx context.Context, srv model.Server, ttl time.Duration) error {
	encoded, err := json.Marshal(srv)
	if err != nil {
		return fmt.Errorf("encode server %s: %w", srv.ID, err)
	}
	if err := l.b.PutRecord(ctx, "server", srv.ID, string(encoded), ttl); err != nil {
		return err
	}
	return l.b.SetAdd(ctx, "servers", srv.ID)
}

func (l *Loader) putMeeting(ctx context.Context, m model.Meeting, ttl time.Duration) error {
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode meeting %s: %w", m.ID, err)
	}
	if err := l.b.PutRecord(ctx, "meeting", m.ID, string(encoded), ttl); err != nil {
		return err
	}
	return l.b.SetAdd(ctx, "meetings", m.ID)
}

// pruneMeetings removes every meeting currently in the `meetings` set that
// is absent from keep, deleting its record and status ledger.
func (l *Loader) pruneMeetings(ctx context.Context, keep map[string]bool) error {
	existing, err := l.b.SetMembers(ctx, "meetings")
	if err != nil {
		return fmt.Errorf("list existing meetings: %w", err)
	}
	for _, id := range existing {
		if keep[id] {
			continue
		}
		if err := l.b.DeleteRecord(ctx, "meeting", id); err != nil {
			logging.Error(ctx, "delete surplus meeting record failed", zap.String("id", id), zap.Error(err))
		}
		if err := l.b.HashDelete(ctx, model.StatusKey("meeting", id)); err != nil {
			logging.Error(ctx, "delete surplus meeting status failed", zap.String("id", id), zap.Error(err))
		}
		if err := l.b.SetRemove(ctx, "meetings", id); err != nil {
			logging.Error(ctx, "remove surplus meeting from set failed", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// csvColumns is the fixed 9-column shape of the CSV roster import format.
var csvColumns = []string{"givenname", "sn", "email", "password", "startdate", "room_url", "live_url", "title", "server"}

// ImportCSV reads semicolon-delimited rows and turns each into a Meeting.
// `startdate == "0000-00-00"` becomes an absent startDate.
func ImportCSV(r io.Reader) ([]model.Meeting, error) {
	cr := csv.NewReader(r)
	cr.Comma = ';'
	cr.FieldsPerRecord = len(csvColumns)

	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: read csv: %v", apperror.ErrConfig, err)
	}

	meetings := make([]model.Meeting, 0, len(rows))
	for i, row := range rows {
		m, err := rowToMeeting(row)
		if err != nil {
			return nil, fmt.Errorf("csv row %d: %w", i+1, err)
		}
		meetings = append(meetings, m)
	}
	return meetings, nil
}

func rowToMeeting(row []string) (model.Meeting, error) {
	givenname, sn, email, password, startdate, roomURL, liveURL, title, server := row[0], row[1], row[2], row[3], row[4], row[5], row[6], row[7], row[8]

	fullName := givenname + " " + sn
	m := model.Meeting{
		ID:          email + ":" + server,
		MeetingName: title,
		Server:      server,
		Owner:       model.Owner{Email: email, FullName: fullName},
		UseHomeRoom: true,
	}
	_ = password // the original roster row carries an owner password; the
	// tenant DB adapter generates one on createUser if absent, so it is
	// not threaded onto the Meeting record itself.
	_ = roomURL // parsed for column-count fidelity, never referenced: the
	// roster import always routes through the owner's home room.

	if startdate != "" && startdate != "0000-00-00" {
		t, err := time.Parse("2006-01-02", startdate)
		if err != nil {
			return model.Meeting{}, fmt.Errorf("%w: invalid startdate %q: %v", apperror.ErrConfig, startdate, err)
		}
		m.StartDate = &t
	}

	if liveURL != "" {
		m.LiveStreaming = &model.LiveStreaming{
			StreamerHost: liveURL,
			TargetURL:    fmt.Sprintf("rtmp://%s/stream/bbb", liveURL),
		}
	}

	return m, nil
}

// ParseKeepRedisCache validates a --keep_redis_cache CLI argument.
func ParseKeepRedisCache(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: keep_redis_cache must be a non-negative integer, got %q", apperror.ErrConfig, s)
	}
	return n, nil
}
