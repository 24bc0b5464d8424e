package orchestrator

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/conference"
	"github.com/aau-zid/schedulight-go/internal/ledger"
	"github.com/aau-zid/schedulight-go/internal/model"
)

const bbbSecret = "test-secret"

// fakeBBB mimics just enough of the BBB XML contract to drive a tick
// through create/get/end without a live conference server.
func fakeBBB(t *testing.T) *httptest.Server {
	t.Helper()
	running := map[string]bool{}
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/create", func(w http.ResponseWriter, r *http.Request) {
		requireValidChecksum(t, r)
		id := r.URL.Query().Get("meetingID")
		mu.Lock()
		running[id] = true
		mu.Unlock()
		fmt.Fprintf(w, `<response><returncode>SUCCESS</returncode><meetingID>%s</meetingID><participantCount>0</participantCount></response>`, id)
	})
	mux.HandleFunc("/getMeetingInfo", func(w http.ResponseWriter, r *http.Request) {
		requireValidChecksum(t, r)
		id := r.URL.Query().Get("meetingID")
		mu.Lock()
		ok := running[id]
		mu.Unlock()
		if !ok {
			fmt.Fprint(w, `<response><returncode>FAILED</returncode></response>`)
			return
		}
		fmt.Fprintf(w, `<response><returncode>SUCCESS</returncode><meetingID>%s</meetingID><running>true</running><moderatorPW>mod</moderatorPW><attendeePW>att</attendeePW></response>`, id)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		requireValidChecksum(t, r)
		id := r.URL.Query().Get("meetingID")
		mu.Lock()
		delete(running, id)
		mu.Unlock()
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
	keys := make([]string, 0, len(q))
	for k := range q {
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
		b.WriteString(url.QueryEscape(q.Get(k)))
	}
	sum := sha1.Sum([]byte(apiCall + b.String() + bbbSecret))
	want := hex.EncodeToString(sum[:])
	require.Equal(t, want, got, "checksum mismatch for %s", apiCall)
}

// fakeStore is an in-memory Store fake: enough to drive owner/room
// resolution without a live Postgres connection.
type fakeStore struct {
	usersByEmail    map[string]int64
	rooms           map[string]int64 // uid -> room id
	homeRooms       map[string]int64 // email -> room id
	nextRoomID      int64
	shared          map[string]bool
	createRoomCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		usersByEmail: map[string]int64{},
		rooms:        map[string]int64{},
		homeRooms:    map[string]int64{},
		nextRoomID:   100,
		shared:       map[string]bool{},
	}
}

func (f *fakeStore) GetIDByEmail(ctx context.Context, email string) (int64, bool) {
	id, ok := f.usersByEmail[email]
	return id, ok
}

func (f *fakeStore) CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string, roleID int, provider string) int64 {
	f.nextRoomID++
	id := f.nextRoomID
	f.usersByEmail[email] = id
	return id
}

func (f *fakeStore) GetTableField(ctx context.Context, table, key string, value any, field string) (any, bool) {
	switch table {
	case "users":
		if field == "room_id" {
			email, _ := value.(string)
			id, ok := f.homeRooms[email]
			if !ok {
				return nil, false
			}
			return id, true
		}
	case "rooms":
		if field == "id" {
			uid, _ := value.(string)
			id, ok := f.rooms[uid]
			if !ok {
				return nil, false
			}
			return id, true
		}
	}
	return nil, false
}

func (f *fakeStore) CreateRoom(ctx context.Context, email, meetingName, meetingUID, roomSettings, bbbID, attendeePW, moderatorPW, accessCode string) int64 {
	f.createRoomCalls++
	f.nextRoomID++
	id := f.nextRoomID
	if meetingUID != "" {
		f.rooms[meetingUID] = id
	}
	return id
}

func (f *fakeStore) UpdateField(ctx context.Context, table, matchField string, matchValue any, setField string, setValue any) (int64, error) {
	if table == "users" && setField == "room_id" {
		email, _ := matchValue.(string)
		id, _ := setValue.(int64)
		f.homeRooms[email] = id
	}
	return 1, nil
}

func (f *fakeStore) ShareRoom(ctx context.Context, roomRef, email, by string) (int64, error) {
	f.shared[email] = true
	return 1, nil
}

func newTestEngine(t *testing.T, bbbURL string) (*Engine, *broker.Service, *miniredis.Miniredis, *fakeStore) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	b, err := broker.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	store := newFakeStore()
	conf := conference.NewClient()

	srv := model.Server{ID: "srv1", BBBURL: bbbURL, BBBSecret: bbbSecret, LinkBase: "https://meet.example.org"}
	encoded, err := json.Marshal(srv)
	require.NoError(t, err)
	require.NoError(t, b.PutRecord(context.Background(), "server", "srv1", string(encoded), 0))

	e := New(b, store, conf, nil, model.EngineDefaults{PreOpenMinutes: 90})
	return e, b, mr, store
}

func putMeeting(t *testing.T, b *broker.Service, m model.Meeting) {
	t.Helper()
	encoded, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, b.PutRecord(context.Background(), "meeting", m.ID, string(encoded), 0))
	require.NoError(t, b.SetAdd(context.Background(), "meetings", m.ID))
}

func statusOf(t *testing.T, b *broker.Service, id, field string) (string, string, bool) {
	t.Helper()
	encoded, _, err := b.HashGet(context.Background(), model.StatusKey("meeting", id), field)
	require.NoError(t, err)
	hist, err := ledger.DecodeHistory(encoded)
	require.NoError(t, err)
	return hist.Effective()
}

func TestTick_NoRoomConfigured_NotFound(t *testing.T) {
	srv := fakeBBB(t)
	defer srv.Close()

	e, b, _, _ := newTestEngine(t, srv.URL)

	m := model.Meeting{
		ID:          "m1",
		MeetingName: "Weekly Sync",
		Server:      "srv1",
		Owner:       model.Owner{Email: "owner@example.org", FullName: "Owner"},
	}
	putMeeting(t, b, m)

	err := e.Tick(context.Background(), "m1", time.Now().UTC())
	require.NoError(t, err)

	code, _, ok := statusOf(t, b, "m1", "status")
	require.True(t, ok)
	assert.Equal(t, ledger.CodeNotFound, code)
}

func TestTick_CreatesRoomAndStartsMeeting(t *testing.T) {
	srv := fakeBBB(t)
	defer srv.Close()

	e, b, _, _ := newTestEngine(t, srv.URL)

	m := model.Meeting{
		ID:          "m2",
		MeetingName: "Weekly Sync",
		MeetingUID:  "uid-m2",
		Server:      "srv1",
		Owner:       model.Owner{Email: "owner@example.org", FullName: "Owner"},
	}
	putMeeting(t, b, m)

	err := e.Tick(context.Background(), "m2", time.Now().UTC())
	require.NoError(t, err)

	code, msg, ok := statusOf(t, b, "m2", "status")
	require.True(t, ok)
	assert.Equal(t, ledger.CodeStartedNoUsers, code)
	assert.Equal(t, "started, no users joined", msg)

	mailCode, _, ok := statusOf(t, b, "m2", "owner_infoMailSent")
	require.True(t, ok)
	assert.Equal(t, ledger.CodeMailSent, mailCode)

	require.NoError(t, b.EnsureGroup(context.Background(), "mailStream", "mailWorkers"))
	msgs, err := b.StreamReadGroup(context.Background(), "mailStream", "mailWorkers", "c1", ">", 10, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, msgs, "owner_info mail should have been enqueued onto mailStream")
}

func TestTick_DisabledMeeting_IsSkipped(t *testing.T) {
	srv := fakeBBB(t)
	defer srv.Close()

	e, b, _, _ := newTestEngine(t, srv.URL)

	m := model.Meeting{
		ID:          "m3",
		MeetingName: "Weekly Sync",
		MeetingUID:  "uid-m3",
		Server:      "srv1",
		Owner:       model.Owner{Email: "owner@example.org", FullName: "Owner"},
	}
	putMeeting(t, b, m)

	hist, _ := ledger.Append(nil, time.Now().Unix(), ledger.Disabled, "disabled by operator")
	encoded, err := ledger.EncodeHistory(hist)
	require.NoError(t, err)
	require.NoError(t, b.HashPut(context.Background(), model.StatusKey("meeting", "m3"), "status", encoded))

	err = e.Tick(context.Background(), "m3", time.Now().UTC())
	require.NoError(t, err)

	_, _, ok := statusOf(t, b, "m3", "owner_infoMailSent")
	assert.False(t, ok, "a disabled meeting must not be processed at all")
}

func TestTick_HomeRoom_ReusesExistingRoom(t *testing.T) {
	srv := fakeBBB(t)
	defer srv.Close()

	e, b, _, store := newTestEngine(t, srv.URL)
	store.homeRooms["owner@example.org"] = 42

	m := model.Meeting{
		ID:          "m4",
		MeetingName: "Weekly Sync",
		UseHomeRoom: true,
		Server:      "srv1",
		Owner:       model.Owner{Email: "owner@example.org", FullName: "Owner"},
	}
	putMeeting(t, b, m)

	err := e.Tick(context.Background(), "m4", time.Now().UTC())
	require.NoError(t, err)

	code, _, ok := statusOf(t, b, "m4", "status")
	require.True(t, ok)
	assert.NotEqual(t, ledger.CodeNotFound, code)
	assert.Equal(t, 0, store.createRoomCalls, "an existing home room must be reused, not recreated")
}

func TestRunOnce_OneBadMeetingDoesNotBlockOthers(t *testing.T) {
	srv := fakeBBB(t)
	defer srv.Close()

	e, b, _, _ := newTestEngine(t, srv.URL)

	require.NoError(t, b.SetAdd(context.Background(), "meetings", "bad"))
	require.NoError(t, b.PutRecord(context.Background(), "meeting", "bad", "{not json", 0))

	good := model.Meeting{
		ID:          "good",
		MeetingName: "Weekly Sync",
		MeetingUID:  "uid-good",
		Server:      "srv1",
		Owner:       model.Owner{Email: "owner@example.org", FullName: "Owner"},
	}
	putMeeting(t, b, good)

	e.RunOnce(context.Background())

	code, _, ok := statusOf(t, b, "good", "status")
	require.True(t, ok)
	assert.Equal(t, ledger.CodeStartedNoUsers, code)
}
