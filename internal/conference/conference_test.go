package conference

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func ctx() context.Context { return context.Background() }

// fakeBBB mimics just enough of the BBB XML contract to drive the client
// through create/get/end without a live conference server.
func fakeBBB(t *testing.T) *httptest.Server {
	running := map[string]bool{}

	mux := http.NewServeMux()
	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		requireValidChecksum(t, r)
		id := r.URL.Query().Get("meetingID")
		running[id] = true
		fmt.Fprintf(w, `<response><returncode>SUCCESS</returncode><meetingID>%s</meetingID><participantCount>0</participantCount></response>`, id)
	})
	mux.HandleFunc("/getMeetingInfo", func(w http.ResponseWriter, r *http.Request) {
		requireValidChecksum(t, r)
		id := r.URL.Query().Get("meetingID")
		if !running[id] {
			fmt.Fprint(w, `<response><returncode>FAILED</returncode></response>`)
			return
		}
		fmt.Fprintf(w, `<response><returncode>SUCCESS</returncode><meetingID>%s</meetingID><running>true</running><moderatorPW>mod</moderatorPW><attendeePW>att</attendeePW></response>`, id)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		requireValidChecksum(t, r)
		id := r.URL.Query().Get("meetingID")
		delete(running, id)
		fmt.Fprint(w, `<response><returncode>SUCCESS</returncode></response>`)
	})

	return httptest.NewServer(mux)
}

func requireValidChecksum(t *testing.T, r *http.Request) {
	t.Helper()
	q := r.URL.Query()
	got := q.Get("checksum")
	q.Del("checksum")

	apiCall := strings.TrimPrefix(r.URL.Path, "/")
	sum := sha1.Sum([]byte(apiCall + encodeSorted(q) + secret))
	want := hex.EncodeToString(sum[:])
	require.Equal(t, want, got, "checksum mismatch for %s", apiCall)
}

func TestCreateGetEndMeeting(t *testing.T) {
	srv := fakeBBB(t)
	defer srv.Close()

	c := NewClient()
	target := Server{BBBURL: srv.URL, BBBSecret: secret}

	res, err := c.CreateMeeting(ctx(), target, CreateMeetingParams{MeetingID: "m1", Name: "Weekly Sync"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.UsersJoined)

	info, ok, err := c.GetMeetingInfo(ctx(), target, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, info.Running)
	assert.Equal(t, "mod", info.ModeratorPW)

	ended, err := c.EndMeeting(ctx(), target, "m1")
	require.NoError(t, err)
	assert.True(t, ended)

	_, ok, err = c.GetMeetingInfo(ctx(), target, "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMeetingInfo_NotFound(t *testing.T) {
	srv := fakeBBB(t)
	defer srv.Close()

	c := NewClient()
	_, ok, err := c.GetMeetingInfo(ctx(), Server{BBBURL: srv.URL, BBBSecret: secret}, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignedURL_IsDeterministicallyOrdered(t *testing.T) {
	c := NewClient()
	params := url.Values{"b": {"2"}, "a": {"1"}}
	signed, err := c.signedURL(Server{BBBURL: "https://bbb.example.com", BBBSecret: secret}, "create", params)
	require.NoError(t, err)
	assert.Contains(t, signed, "a=1&b=2")
}
