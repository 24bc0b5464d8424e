// Package conference implements the thin, stateless BBB (BigBlueButton)
// HTTP+XML API contract: createMeeting, endMeeting, getMeetingInfo,
// getMeetings, buildJoinUrl. Every call is checksum-signed per the BBB API
// convention (sha1 of apiCall name + query string + shared secret) and
// wrapped in the same circuit-breaker pattern as the broker.
package conference

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aau-zid/schedulight-go/internal/metrics"
	"github.com/sony/gobreaker"
)

// Server identifies one conference endpoint (mirrors model.Server's
// conference fields, kept separate to avoid an import cycle).
type Server struct {
	BBBURL    string
	BBBSecret string
}

// Client is a stateless BBB client; every call takes the target Server.
type Client struct {
	http *http.Client
	cb   *gobreaker.CircuitBreaker
}

// NewClient constructs a BBB client wrapped in a circuit breaker.
func NewClient() *Client {
	st := gobreaker.Settings{
		Name:        "conference_api",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var v float64
			switch to {
			case gobreaker.StateOpen:
				v = 1
			case gobreaker.StateHalfOpen:
				v = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("conference_api").Set(v)
		},
	}
	return &Client{
		http: &http.Client{Timeout: 30 * time.Second},
		cb:   gobreaker.NewCircuitBreaker(st),
	}
}

// CreateMeetingParams carries the subset of BBB create parameters the
// engine drives; zero values are omitted from the request.
type CreateMeetingParams struct {
	MeetingID               string
	Name                    string
	AttendeePW              string
	ModeratorPW             string
	Welcome                 string
	LogoutURL               string
	MaxParticipants         int
	Record                  bool
	Duration                int
	AutoStartRecording      bool
	AllowStartStopRecording bool
	MuteOnStart             bool
	BannerText              string
}

// CreateMeetingResult reports the tri-state create outcome: failure, open
// with no attendance, or running with attendance.
type CreateMeetingResult struct {
	Success          bool
	DuplicateWarning bool
	UsersJoined      bool
}

type bbbResponse struct {
	XMLName              xml.Name `xml:"response"`
	ReturnCode           string   `xml:"returncode"`
	MessageKey           string   `xml:"messageKey"`
	Message              string   `xml:"message"`
	MeetingID            string   `xml:"meetingID"`
	Running              string   `xml:"running"`
	ParticipantCount     int      `xml:"participantCount"`
	HasBeenForciblyEnded string   `xml:"hasBeenForciblyEnded"`
	ModeratorPW          string   `xml:"moderatorPW"`
	AttendeePW           string   `xml:"attendeePW"`
}

type meetingsResponse struct {
	XMLName    xml.Name      `xml:"response"`
	ReturnCode string        `xml:"returncode"`
	Meetings   []bbbResponse `xml:"meetings>meeting"`
}

// CreateMeeting creates (or re-joins) a meeting on the conference server.
func (c *Client) CreateMeeting(ctx context.Context, srv Server, p CreateMeetingParams) (CreateMeetingResult, error) {
	params := url.Values{}
	params.Set("meetingID", p.MeetingID)
	params.Set("name", p.Name)
	if p.AttendeePW != "" {
		params.Set("attendeePW", p.AttendeePW)
	}
	if p.ModeratorPW != "" {
		params.Set("moderatorPW", p.ModeratorPW)
	}
	if p.Welcome != "" {
		params.Set("welcome", p.Welcome)
	}
	if p.LogoutURL != "" {
		params.Set("logoutURL", p.LogoutURL)
	}
	if p.MaxParticipants > 0 {
		params.Set("maxParticipants", strconv.Itoa(p.MaxParticipants))
	}
	params.Set("record", strconv.FormatBool(p.Record))
	if p.Duration > 0 {
		params.Set("duration", strconv.Itoa(p.Duration))
	}
	params.Set("autoStartRecording", strconv.FormatBool(p.AutoStartRecording))
	params.Set("allowStartStopRecording", strconv.FormatBool(p.AllowStartStopRecording))
	params.Set("muteOnStart", strconv.FormatBool(p.MuteOnStart))
	if p.BannerText != "" {
		params.Set("bannerText", p.BannerText)
	}

	resp, err := c.call(ctx, srv, "create", params)
	if err != nil {
		return CreateMeetingResult{}, err
	}

	if resp.ReturnCode != "SUCCESS" {
		return CreateMeetingResult{Success: false}, nil
	}
	return CreateMeetingResult{
		Success:          true,
		DuplicateWarning: resp.MessageKey == "duplicateWarning",
		UsersJoined:      resp.ParticipantCount > 0,
	}, nil
}

// EndMeeting ends a running meeting. It internally fetches the moderator
// password first.
func (c *Client) EndMeeting(ctx context.Context, srv Server, bbbID string) (bool, error) {
	info, ok, err := c.GetMeetingInfo(ctx, srv, bbbID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	params := url.Values{}
	params.Set("meetingID", bbbID)
	params.Set("password", info.ModeratorPW)

	resp, err := c.call(ctx, srv, "end", params)
	if err != nil {
		return false, err
	}
	return resp.ReturnCode == "SUCCESS", nil
}

// MeetingInfo is the subset of getMeetingInfo's response the engine needs.
type MeetingInfo struct {
	MeetingID   string
	Running     bool
	ModeratorPW string
	AttendeePW  string
}

// GetMeetingInfo fetches a meeting's live state. ok is false if the
// meeting does not exist (BBB returns a non-SUCCESS code).
func (c *Client) GetMeetingInfo(ctx context.Context, srv Server, bbbID string) (MeetingInfo, bool, error) {
	params := url.Values{}
	params.Set("meetingID", bbbID)

	resp, err := c.call(ctx, srv, "getMeetingInfo", params)
	if err != nil {
		return MeetingInfo{}, false, err
	}
	if resp.ReturnCode != "SUCCESS" {
		return MeetingInfo{}, false, nil
	}
	return MeetingInfo{
		MeetingID:   resp.MeetingID,
		Running:     resp.Running == "true",
		ModeratorPW: resp.ModeratorPW,
		AttendeePW:  resp.AttendeePW,
	}, true, nil
}

// GetMeetings lists every meeting known to the server. The BBB XML schema
// collapses a single-item response to a bare element rather than a list;
// the decoder above normalises both shapes to a slice.
func (c *Client) GetMeetings(ctx context.Context, srv Server) ([]MeetingInfo, error) {
	apiURL, err := c.signedURL(srv, "getMeetings", url.Values{})
	if err != nil {
		return nil, err
	}

	res, err := c.execute(ctx, "get_meetings", func() (any, error) {
		return c.doGet(ctx, apiURL)
	})
	if err != nil {
		return nil, err
	}
	body := res.([]byte)

	var parsed meetingsResponse
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode getMeetings response: %w", err)
	}
	out := make([]MeetingInfo, 0, len(parsed.Meetings))
	for _, m := range parsed.Meetings {
		out = append(out, MeetingInfo{
			MeetingID:   m.MeetingID,
			Running:     m.Running == "true",
			ModeratorPW: m.ModeratorPW,
			AttendeePW:  m.AttendeePW,
		})
	}
	return out, nil
}

// BuildJoinURL builds a signed join link. pw overrides the password
// lookup; otherwise the password is resolved via GetMeetingInfo.
func (c *Client) BuildJoinURL(ctx context.Context, srv Server, bbbID, displayName string, role string, pw string) (string, error) {
	if pw == "" {
		info, ok, err := c.GetMeetingInfo(ctx, srv, bbbID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("cannot build join url: meeting %s not found", bbbID)
		}
		if role == "moderator" {
			pw = info.ModeratorPW
		} else {
			pw = info.AttendeePW
		}
	}

	params := url.Values{}
	params.Set("meetingID", bbbID)
	params.Set("fullName", displayName)
	params.Set("password", pw)

	return c.signedURL(srv, "join", params)
}

func (c *Client) call(ctx context.Context, srv Server, apiCall string, params url.Values) (bbbResponse, error) {
	apiURL, err := c.signedURL(srv, apiCall, params)
	if err != nil {
		return bbbResponse{}, err
	}

	res, err := c.execute(ctx, apiCall, func() (any, error) {
		return c.doGet(ctx, apiURL)
	})
	if err != nil {
		return bbbResponse{}, err
	}

	var parsed bbbResponse
	if err := xml.Unmarshal(res.([]byte), &parsed); err != nil {
		return bbbResponse{}, fmt.Errorf("decode %s response: %w", apiCall, err)
	}
	return parsed, nil
}

func (c *Client) execute(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	res, err := c.cb.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("conference_api").Inc()
		}
		return nil, fmt.Errorf("conference api %s: %w", op, err)
	}
	return res, nil
}

func (c *Client) doGet(ctx context.Context, apiURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// signedURL builds the checksum-signed BBB API URL for apiCall.
func (c *Client) signedURL(srv Server, apiCall string, params url.Values) (string, error) {
	base := strings.TrimRight(srv.BBBURL, "/")
	query := encodeSorted(params)

	checksumInput := apiCall + query + srv.BBBSecret
	sum := sha1.Sum([]byte(checksumInput))
	checksum := hex.EncodeToString(sum[:])

	full := fmt.Sprintf("%s/%s?%s&checksum=%s", base, apiCall, query, checksum)
	return full, nil
}

// encodeSorted renders url.Values in sorted key order, matching BBB's
// requirement that the checksum be computed over a deterministic query
// string (url.Values.Encode already sorts keys, kept explicit here since
// the checksum is security-sensitive).
func encodeSorted(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(k))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params.Get(k)))
	}
	return b.String()
}
