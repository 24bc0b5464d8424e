// Package mailtemplate renders the outbound mail bodies for every stage of
// the meeting lifecycle (owner info/start/reminder mail, share/unshare
// confirmation, invitation and moderator links) from a small set of
// text/template templates fed the current local environment (meeting,
// owner, room, server, links).
package mailtemplate

import (
	"bytes"
	"fmt"
	"text/template"
)

// Template names one of the fixed mail bodies.
type Template string

const (
	OwnerInfo      Template = "owner_info"
	OwnerStart     Template = "owner_start"
	OwnerReminder  Template = "owner_reminder"
	RoomShared     Template = "roomSharedTemplate"
	RoomUnshared   Template = "roomUnsharedTemplate"
	InvitationLink Template = "invitation_link"
	ModeratorLink  Template = "moderator_link"
)

// Data is the rendering environment threaded into every template.
type Data struct {
	MeetingName    string
	OwnerName      string
	OwnerEmail     string
	ServerName     string
	RoomUID        string
	JoinURL        string
	StartDate      string
	RecipientEmail string
	RecipientName  string
}

var subjects = map[Template]string{
	OwnerInfo:      "Your meeting {{.MeetingName}} has been scheduled",
	OwnerStart:     "Your meeting {{.MeetingName}} is ready to join",
	OwnerReminder:  "Reminder: {{.MeetingName}} starts soon",
	RoomShared:     "A room has been shared with you",
	RoomUnshared:   "A room is no longer shared with you",
	InvitationLink: "You are invited to {{.MeetingName}}",
	ModeratorLink:  "Your moderator link for {{.MeetingName}}",
}

var bodies = map[Template]string{
	OwnerInfo: "Hello {{.OwnerName}},\n\nYour meeting \"{{.MeetingName}}\" has been scheduled" +
		"{{if .StartDate}} for {{.StartDate}}{{end}}.\n",
	OwnerStart: "Hello {{.OwnerName}},\n\nYour meeting \"{{.MeetingName}}\" is ready.\nJoin: {{.JoinURL}}\n",
	OwnerReminder: "Hello {{.OwnerName}},\n\nThis is a reminder that \"{{.MeetingName}}\" starts soon" +
		"{{if .StartDate}} at {{.StartDate}}{{end}}.\n",
	RoomShared:     "Hello {{.RecipientName}},\n\nThe room {{.RoomUID}} has been shared with you ({{.RecipientEmail}}).\n",
	RoomUnshared:   "Hello {{.RecipientName}},\n\nThe room {{.RoomUID}} is no longer shared with you ({{.RecipientEmail}}).\n",
	InvitationLink: "Hello {{.RecipientName}},\n\nYou are invited to \"{{.MeetingName}}\".\nJoin: {{.JoinURL}}\n",
	ModeratorLink:  "Hello {{.RecipientName}},\n\nYour moderator link for \"{{.MeetingName}}\": {{.JoinURL}}\n",
}

// Render renders a template's subject and body against d. A non-empty
// override replaces the stage's default body text (the per-meeting
// template-override mechanism); the subject always uses the stage default.
func Render(t Template, d Data, override string) (body string, subject string, err error) {
	bodyTmpl, ok := bodies[t]
	if !ok {
		return "", "", fmt.Errorf("unknown mail template %q", t)
	}
	if override != "" {
		bodyTmpl = override
	}
	subjectTmpl := subjects[t]

	body, err = execute(bodyTmpl, d)
	if err != nil {
		return "", "", fmt.Errorf("render body for %s: %w", t, err)
	}
	subject, err = execute(subjectTmpl, d)
	if err != nil {
		return "", "", fmt.Errorf("render subject for %s: %w", t, err)
	}
	return body, subject, nil
}

func execute(tmplText string, d Data) (string, error) {
	tmpl, err := template.New("mail").Parse(tmplText)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}
