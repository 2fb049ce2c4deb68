package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"room-relay/auth"
	"room-relay/domain"
	"room-relay/domain/idgen"
	stores "room-relay/infrastructure/storage"
	"room-relay/moderation"
	"room-relay/pubsub"
	"room-relay/runtime"
	"room-relay/search"
	"room-relay/services"
	"room-relay/storage"
	"strings"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type streamEvent struct {
	ID   string
	Data map[string]any
}

type relay struct {
	url string
	ids *idgen.Generator
}

func newRelay(t *testing.T) relay {
	return newRelayBehind(t, false)
}

// newRelayBehind starts a relay that trusts forwarding headers when trustProxy is set.
func newRelayBehind(t *testing.T, trustProxy bool) relay {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ids := idgen.NewGenerator()
	heartbeat := pubsub.NewHeartbeat(log, time.Hour)
	t.Cleanup(heartbeat.Close)

	backend, err := storage.NewBackend[domain.Record](log, stores.NoneStore{}, 16)
	req.NoError(err)
	index, err := search.NewRoomIndex("", log)
	req.NoError(err)
	t.Cleanup(func() { _ = index.Close() })
	moderator, err := moderation.NewModerator([]string{"badger"}, '*', log)
	req.NoError(err)

	registry := runtime.NewRoomRegistry(log, ids, heartbeat, backend, index, 64)
	t.Cleanup(registry.Close)
	service := services.NewRoomService(log, registry, index, moderator,
		auth.NewBlockController(log, 5, time.Hour),
		auth.NewBlockController(log, 5, time.Hour))

	srv := httptest.NewServer(NewRoomServer(log, service, nil, 128, trustProxy).Handler())
	t.Cleanup(srv.Close)
	return relay{url: srv.URL, ids: ids}
}

func (r relay) do(t *testing.T, method, path, accept, authorization, body string) *http.Response {
	req, err := http.NewRequest(method, r.url+path, strings.NewReader(body))
	require.NoError(t, err)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (r relay) createRoom(t *testing.T, name, password string) map[string]any {
	resp := r.do(t, http.MethodPost, "/rooms", "application/json", "",
		`{"name":"`+name+`","description":"","password":"`+password+`"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[map[string]any](t, resp.Body)
}

// open starts an event stream and decodes its events in the background.
// The stream ends with the test.
func (r relay) open(t *testing.T, path, lastEventID string) (*http.Response, <-chan streamEvent) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return r.openWithContext(t, ctx, path, lastEventID)
}

func (r relay) openWithContext(t *testing.T, ctx context.Context, path, lastEventID string) (*http.Response, <-chan streamEvent) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url+path, nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	events := make(chan streamEvent, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		var current streamEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				if current.Data != nil {
					events <- current
				}
				current = streamEvent{}
			case strings.HasPrefix(line, "id:"):
				current.ID = strings.TrimPrefix(line, "id:")
			case strings.HasPrefix(line, "data:"):
				_ = json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &current.Data)
			}
		}
	}()
	return resp, events
}

// waitFor skips events until one of the given type shows up.
func waitFor(t *testing.T, events <-chan streamEvent, kind string) streamEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case e, ok := <-events:
			require.True(t, ok, "stream ended before %q", kind)
			if e.Data["type"] == kind {
				return e
			}
		case <-timeout:
			require.FailNow(t, "no event", "waiting for %q", kind)
		}
	}
}

func decode[T any](t *testing.T, body io.Reader) T {
	var v T
	require.NoError(t, json.NewDecoder(body).Decode(&v))
	return v
}

func TestRoomServer_Create_And_Get(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)

	// Given a created room
	room := r.createRoom(t, "The badger den", "pw")

	// Then its public projection is returned, censored and without secrets
	req.Equal("The ****** den", room["name"])
	req.EqualValues(0, room["players"])
	req.NotContains(room, "password")
	req.NotContains(room, "salt")
	id := room["id"].(string)
	req.True(idgen.IsValid(id))

	// When fetching it back
	resp := r.do(t, http.MethodGet, "/rooms/"+id, "application/json", "", "")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal(id, decode[map[string]any](t, resp.Body)["id"])

	// And fetching unknown ids
	req.Equal(http.StatusNotFound, r.do(t, http.MethodGet, "/rooms/"+r.ids.MustNext(), "", "", "").StatusCode)
	req.Equal(http.StatusNotFound, r.do(t, http.MethodGet, "/rooms/nope", "", "", "").StatusCode)
}

func TestRoomServer_Rejects_Bad_Bodies(t *testing.T) {
	r := newRelay(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown property", `{"name":"a","description":"","password":"","admin":true}`},
		{"missing property", `{"name":"a","password":""}`},
		{"empty name", `{"name":"","description":"","password":""}`},
		{"malformed json", `{"name":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			resp := r.do(t, http.MethodPost, "/rooms", "application/json", "", tt.body)
			req.Equal(http.StatusBadRequest, resp.StatusCode)
			req.NotEmpty(decode[map[string]string](t, resp.Body)["error"])
		})
	}
}

func TestRoomServer_Not_Acceptable(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)
	id := r.createRoom(t, "Chess", "")["id"].(string)

	req.Equal(http.StatusNotAcceptable, r.do(t, http.MethodGet, "/rooms", "text/html", "", "").StatusCode)
	req.Equal(http.StatusNotAcceptable, r.do(t, http.MethodGet, "/rooms/"+id, "text/event-stream", "", "").StatusCode)
	req.Equal(http.StatusNotAcceptable, r.do(t, http.MethodGet, "/rooms/"+id+"/signals", "application/json", "", "").StatusCode)
	req.Equal(http.StatusNotAcceptable, r.do(t, http.MethodPost, "/rooms", "application/json;q=0", "", `{}`).StatusCode)
}

func TestRoomServer_Signals_Require_Password(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)
	id := r.createRoom(t, "Chess", "pw")["id"].(string)

	resp := r.do(t, http.MethodGet, "/rooms/"+id+"/signals?password=nope", "text/event-stream", "", "")

	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Equal(`X-Password realm="`+id+`"`, resp.Header.Get("WWW-Authenticate"))
}

func TestRoomServer_Blocks_After_Repeated_Failures(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)
	id := r.createRoom(t, "Chess", "pw")["id"].(string)

	for i := 0; i < 5; i++ {
		resp := r.do(t, http.MethodGet, "/rooms/"+id+"/signals?password=nope", "text/event-stream", "", "")
		req.Equal(http.StatusUnauthorized, resp.StatusCode)
	}

	resp := r.do(t, http.MethodGet, "/rooms/"+id+"/signals?password=pw", "text/event-stream", "", "")
	req.Equal(http.StatusForbidden, resp.StatusCode)
	req.NotEmpty(resp.Header.Get("Retry-After"))
}

// putWithForwardedFor sends an update with a bogus bearer from a claimed client address.
func (r relay) putWithForwardedFor(t *testing.T, id, forwardedFor string) *http.Response {
	req, err := http.NewRequest(http.MethodPut, r.url+"/rooms/"+id,
		strings.NewReader(`{"name":"Go","description":"","password":""}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.ids.MustNext())
	req.Header.Set("X-Forwarded-For", forwardedFor)
	req.Header.Set("X-Real-IP", forwardedFor)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestRoomServer_Ignores_Forwarding_Headers_By_Default(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)
	id := r.createRoom(t, "Chess", "")["id"].(string)

	// Given five bad tokens, each claiming another client address
	for i := 1; i <= 5; i++ {
		resp := r.putWithForwardedFor(t, id, fmt.Sprintf("10.0.0.%d", i))
		req.Equal(http.StatusUnauthorized, resp.StatusCode, "attempt %d", i)
	}

	// Then the real address is blocked anyway
	resp := r.putWithForwardedFor(t, id, "10.0.0.6")
	req.Equal(http.StatusForbidden, resp.StatusCode)
	req.NotEmpty(resp.Header.Get("Retry-After"))
}

func TestRoomServer_Trusts_Forwarding_Headers_Behind_A_Proxy(t *testing.T) {
	req := require.New(t)
	r := newRelayBehind(t, true)
	id := r.createRoom(t, "Chess", "")["id"].(string)

	// Given five bad tokens from one forwarded client
	for i := 0; i < 5; i++ {
		req.Equal(http.StatusUnauthorized, r.putWithForwardedFor(t, id, "10.0.0.1").StatusCode)
	}

	// Then that client is blocked but another one behind the same proxy is not
	req.Equal(http.StatusForbidden, r.putWithForwardedFor(t, id, "10.0.0.1").StatusCode)
	req.Equal(http.StatusUnauthorized, r.putWithForwardedFor(t, id, "10.0.0.2").StatusCode)
}

func TestRoomServer_Update_Requires_Bearer(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)
	id := r.createRoom(t, "Chess", "")["id"].(string)
	body := `{"name":"Go","description":"","password":""}`

	resp := r.do(t, http.MethodPut, "/rooms/"+id, "", "", body)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Equal(`Bearer realm="`+id+`"`, resp.Header.Get("WWW-Authenticate"))

	resp = r.do(t, http.MethodPut, "/rooms/"+id, "", "Bearer "+r.ids.MustNext(), body)
	req.Equal(http.StatusUnauthorized, resp.StatusCode)
	req.Equal(`Bearer realm="`+id+`", error="invalid_token"`, resp.Header.Get("WWW-Authenticate"))

	// A malformed body on a missing room is a 404
	resp = r.do(t, http.MethodPut, "/rooms/"+r.ids.MustNext(), "", "", `{"name":`)
	req.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestRoomServer_Signaling_Scenario(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)

	// Given a listener on the global feed
	resp, rooms := r.open(t, "/rooms", "")
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("text/event-stream", resp.Header.Get("Content-Type"))
	ready := waitFor(t, rooms, "ready")
	req.Equal([]any{}, ready.Data["rooms"])

	// And a room with two peers
	id := r.createRoom(t, "Chess", "pw")["id"].(string)
	_, a := r.open(t, "/rooms/"+id+"/signals?password=pw", "")
	readyA := waitFor(t, a, "ready")
	peerA := readyA.Data["peerId"].(string)
	req.Equal(id, readyA.Data["room"].(map[string]any)["id"])
	active := waitFor(t, rooms, "active")
	req.Equal(id, active.Data["room"].(map[string]any)["id"])

	_, b := r.open(t, "/rooms/"+id+"/signals?password=pw", "")
	peerB := waitFor(t, b, "ready").Data["peerId"].(string)
	join := waitFor(t, a, "join")
	req.Equal(peerB, join.Data["peerId"])

	// When A sends an offer to B
	resp = r.do(t, http.MethodPost, "/rooms/"+id+"/signals", "", "Bearer "+peerA,
		`{"type":"negotiationOffer","targetId":"`+peerB+`","description":{"sdp":"v=0"}}`)
	req.Equal(http.StatusNoContent, resp.StatusCode)

	// Then B receives it stamped with A
	offer := waitFor(t, b, "negotiationOffer")
	req.Equal(peerA, offer.Data["senderId"])
	req.Equal(map[string]any{"sdp": "v=0"}, offer.Data["description"])
	req.True(strings.HasSuffix(offer.ID, peerB))

	// When B renames the room
	resp = r.do(t, http.MethodPut, "/rooms/"+id, "", "Bearer "+peerB, `{"name":"Go","description":"Weiqi","password":"pw"}`)
	req.Equal(http.StatusNoContent, resp.StatusCode)

	// Then A and the global feed see it
	update := waitFor(t, a, "update")
	req.Equal("Go", update.Data["room"].(map[string]any)["name"])
	for {
		e := waitFor(t, rooms, "update")
		if e.Data["room"].(map[string]any)["name"] == "Go" {
			break
		}
	}

	// And the JSON list shows the active room with its peers
	resp = r.do(t, http.MethodGet, "/rooms", "application/json", "", "")
	list := decode[[]map[string]any](t, resp.Body)
	req.Len(list, 1)
	req.Equal(id, list[0]["id"])
	req.EqualValues(2, list[0]["players"])

	// And search finds it by its new name
	resp = r.do(t, http.MethodGet, "/rooms?q=wei", "application/json", "", "")
	found := decode[[]map[string]any](t, resp.Body)
	req.Len(found, 1)
	req.Equal(id, found[0]["id"])
}

func TestRoomServer_Resumes_With_Last_Event_ID(t *testing.T) {
	req := require.New(t)
	r := newRelay(t)
	id := r.createRoom(t, "Chess", "pw")["id"].(string)

	ctx, leave := context.WithCancel(context.Background())
	defer leave()
	_, a := r.openWithContext(t, ctx, "/rooms/"+id+"/signals?password=pw", "")
	peerA := waitFor(t, a, "ready").Data["peerId"].(string)
	_, b := r.open(t, "/rooms/"+id+"/signals?password=pw", "")
	peerB := waitFor(t, b, "ready").Data["peerId"].(string)
	lastSeen := waitFor(t, a, "join").ID

	// Given A drops its connection and misses an answer
	leave()
	resp := r.do(t, http.MethodPost, "/rooms/"+id+"/signals", "", "Bearer "+peerB,
		`{"type":"negotiationAnswer","targetId":"`+peerA+`","description":{"sdp":"v=0"}}`)
	req.Equal(http.StatusNoContent, resp.StatusCode)

	// When A comes back with its last event id
	resp, resumed := r.open(t, "/rooms/"+id+"/signals?password=pw", lastSeen)
	req.Equal(http.StatusOK, resp.StatusCode)

	// Then the missed answer is replayed under the same identity
	answer := waitFor(t, resumed, "negotiationAnswer")
	req.Equal(peerB, answer.Data["senderId"])
	req.True(strings.HasSuffix(answer.ID, peerA))
}

func TestAccepts(t *testing.T) {
	tests := []struct {
		accept    string
		mediaType string
		want      bool
	}{
		{"", mediaJSON, true},
		{"application/json", mediaJSON, true},
		{"application/*", mediaJSON, true},
		{"*/*", mediaEventStream, true},
		{"text/html, application/json;q=0.5", mediaJSON, true},
		{"text/event-stream", mediaJSON, false},
		{"application/json;q=0", mediaJSON, false},
		{"APPLICATION/JSON", mediaJSON, true},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.accept != "" {
				r.Header.Set("Accept", tt.accept)
			}
			require.Equal(t, tt.want, accepts(r, tt.mediaType))
		})
	}
}

func TestClientAddress(t *testing.T) {
	req := require.New(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	r.RemoteAddr = "192.0.2.1:5555"
	req.Equal("192.0.2.1", clientAddress(r))

	r.RemoteAddr = "192.0.2.1"
	req.Equal("192.0.2.1", clientAddress(r))
}
