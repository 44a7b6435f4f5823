package devserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nelsonmandeladev/retrochat-client/internal/backend"
	"github.com/nelsonmandeladev/retrochat-client/internal/config"
	"github.com/nelsonmandeladev/retrochat-client/internal/protocol"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Load()
	cfg.Token = "tok_dev"
	cfg.PingInterval = 50 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	cfg.WriteTimeout = 2 * time.Second
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s := NewServer(cfg, logger)
	s.streamDelay = time.Millisecond
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) (protocol.BaseEvent, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var base protocol.BaseEvent
	if err := json.Unmarshal(data, &base); err != nil {
		t.Fatalf("unmarshal base: %v", err)
	}
	return base, data
}

func expectType(t *testing.T, conn *websocket.Conn, want string) []byte {
	t.Helper()
	base, data := readEvent(t, conn)
	if base.Type != want {
		t.Fatalf("expected %s, got %s: %s", want, base.Type, data)
	}
	return data
}

func handshake(t *testing.T, conn *websocket.Conn, token string) string {
	t.Helper()
	writeEvent(t, conn, protocol.HelloEvent{
		BaseEvent: protocol.NewBase(protocol.TypeHello),
		Token:     token,
	})
	data := expectType(t, conn, protocol.TypeHelloAck)
	var ack protocol.HelloAckEvent
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal hello_ack: %v", err)
	}
	return ack.SessionID
}

func TestHandshake(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	sessionID := handshake(t, conn, "tok_dev")
	if !strings.HasPrefix(sessionID, "sess_") {
		t.Errorf("expected generated session id, got %q", sessionID)
	}
}

func TestHandshakeRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	writeEvent(t, conn, protocol.HelloEvent{
		BaseEvent: protocol.NewBase(protocol.TypeHello),
		Token:     "tok_wrong",
	})

	data := expectType(t, conn, protocol.TypeError)
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if ev.Code != protocol.ErrorCodeUnauthorized {
		t.Errorf("expected unauthorized, got %q", ev.Code)
	}
}

func TestEventsBeforeHandshakeAreRejected(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	writeEvent(t, conn, protocol.PresenceCheckEvent{
		BaseEvent:      protocol.NewBase(protocol.TypePresenceCheck),
		ParticipantIDs: []string{"u_alice"},
	})

	data := expectType(t, conn, protocol.TypeError)
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if ev.Code != protocol.ErrorCodeUnauthorized {
		t.Errorf("expected unauthorized, got %q", ev.Code)
	}
}

func TestHandshakeResumesOfferedSession(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)

	writeEvent(t, conn, protocol.HelloEvent{
		BaseEvent: protocol.NewBase(protocol.TypeHello),
		Token:     "tok_dev",
		SessionID: "sess_keep",
	})

	data := expectType(t, conn, protocol.TypeHelloAck)
	var ack protocol.HelloAckEvent
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal hello_ack: %v", err)
	}
	if ack.SessionID != "sess_keep" {
		t.Errorf("expected resumed session sess_keep, got %q", ack.SessionID)
	}
}

func TestPresenceCheckAnswersKnownContacts(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	writeEvent(t, conn, protocol.PresenceCheckEvent{
		BaseEvent:      protocol.NewBase(protocol.TypePresenceCheck),
		ParticipantIDs: []string{"u_alice", "u_bob", "u_ghost"},
	})

	data := expectType(t, conn, protocol.TypePresenceBatch)
	var batch protocol.PresenceBatchEvent
	if err := json.Unmarshal(data, &batch); err != nil {
		t.Fatalf("unmarshal presence_batch: %v", err)
	}
	if len(batch.Statuses) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(batch.Statuses))
	}
	got := map[string]string{}
	for _, e := range batch.Statuses {
		got[e.ParticipantID] = e.Status
	}
	if got["u_alice"] != "online" || got["u_bob"] != "away" {
		t.Errorf("unexpected statuses: %v", got)
	}
}

func TestSendDirectEchoesAck(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	writeEvent(t, conn, protocol.SendDirectEvent{
		BaseEvent:       protocol.NewBase(protocol.TypeSendDirect),
		ToParticipantID: "u_alice",
		Content:         "hi alice",
		ClientTag:       "tag_1",
	})

	data := expectType(t, conn, protocol.TypeDirectAck)
	var ack protocol.DirectMessageEvent
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal direct_ack: %v", err)
	}
	if ack.ToParticipantID != "u_alice" {
		t.Errorf("expected target u_alice, got %q", ack.ToParticipantID)
	}
	if ack.Message.Content != "hi alice" {
		t.Errorf("expected echoed content, got %q", ack.Message.Content)
	}
	if ack.Message.ClientTag != "tag_1" {
		t.Errorf("expected echoed client tag, got %q", ack.Message.ClientTag)
	}
	if ack.Message.SenderID != "u_self" {
		t.Errorf("expected sender u_self, got %q", ack.Message.SenderID)
	}
	if !strings.HasPrefix(ack.Message.ID, "msg_") {
		t.Errorf("expected assigned message id, got %q", ack.Message.ID)
	}
}

func TestSendDirectUnknownTarget(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	writeEvent(t, conn, protocol.SendDirectEvent{
		BaseEvent:       protocol.NewBase(protocol.TypeSendDirect),
		ToParticipantID: "u_ghost",
		Content:         "anyone there?",
	})

	data := expectType(t, conn, protocol.TypeError)
	var ev protocol.ErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if ev.Code != protocol.ErrorCodeUnknownTarget {
		t.Errorf("expected unknown_target, got %q", ev.Code)
	}
}

func TestSendGroupResolvesMentions(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	writeEvent(t, conn, protocol.SendGroupEvent{
		BaseEvent: protocol.NewBase(protocol.TypeSendGroup),
		GroupID:   "g_retro",
		Content:   "ping @alice, and @ai too",
		ClientTag: "tag_2",
	})

	data := expectType(t, conn, protocol.TypeGroupAck)
	var ack protocol.GroupMessageEvent
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("unmarshal group_ack: %v", err)
	}
	if ack.GroupID != "g_retro" {
		t.Errorf("expected group g_retro, got %q", ack.GroupID)
	}
	if ack.Message.ClientTag != "tag_2" {
		t.Errorf("expected echoed client tag, got %q", ack.Message.ClientTag)
	}
	want := []string{"u_alice", "ai"}
	if len(ack.Mentions) != len(want) {
		t.Fatalf("expected mentions %v, got %v", want, ack.Mentions)
	}
	for i, id := range want {
		if ack.Mentions[i] != id {
			t.Errorf("mention %d: expected %q, got %q", i, id, ack.Mentions[i])
		}
	}
}

func TestCompanionStreamSequence(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	writeEvent(t, conn, protocol.SendCompanionEvent{
		BaseEvent:   protocol.NewBase(protocol.TypeSendCompanion),
		CompanionID: "c_ava",
		Content:     "hello there",
	})

	data := expectType(t, conn, protocol.TypeStreamStart)
	var start protocol.StreamStartEvent
	if err := json.Unmarshal(data, &start); err != nil {
		t.Fatalf("unmarshal stream start: %v", err)
	}
	if start.CompanionID != "c_ava" {
		t.Errorf("expected companion binding, got %+v", start.StreamBinding)
	}
	if start.ChannelID == "" {
		t.Fatal("expected a channel id")
	}

	var chunks []string
	var final protocol.StreamEndEvent
	for {
		base, data := readEvent(t, conn)
		switch base.Type {
		case protocol.TypeStreamChunk:
			var ev protocol.StreamChunkEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				t.Fatalf("unmarshal chunk: %v", err)
			}
			if ev.ChannelID != start.ChannelID {
				t.Fatalf("chunk on wrong channel %q", ev.ChannelID)
			}
			chunks = append(chunks, ev.Text)
			continue
		case protocol.TypeStreamEnd:
			if err := json.Unmarshal(data, &final); err != nil {
				t.Fatalf("unmarshal stream end: %v", err)
			}
		default:
			t.Fatalf("unexpected event %s", base.Type)
		}
		break
	}

	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for i := 1; i < len(chunks); i++ {
		if !strings.HasPrefix(chunks[i], chunks[i-1]) {
			t.Errorf("chunk %d does not extend chunk %d: %q vs %q", i, i-1, chunks[i], chunks[i-1])
		}
	}
	if final.Message.Content != chunks[len(chunks)-1] {
		t.Errorf("final content %q does not match last chunk %q", final.Message.Content, chunks[len(chunks)-1])
	}
	if !final.Message.AIGenerated {
		t.Error("expected final message to be AI generated")
	}
	if final.ChannelID != start.ChannelID {
		t.Errorf("end on wrong channel %q", final.ChannelID)
	}
}

func TestGroupMentionTriggersStream(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	writeEvent(t, conn, protocol.GroupAIMentionEvent{
		BaseEvent: protocol.NewBase(protocol.TypeGroupAIMention),
		GroupID:   "g_retro",
		Content:   "@ai settle this debate",
	})

	data := expectType(t, conn, protocol.TypeStreamStart)
	var start protocol.StreamStartEvent
	if err := json.Unmarshal(data, &start); err != nil {
		t.Fatalf("unmarshal stream start: %v", err)
	}
	if start.GroupID != "g_retro" {
		t.Errorf("expected group binding, got %+v", start.StreamBinding)
	}

	for {
		base, data := readEvent(t, conn)
		if base.Type == protocol.TypeStreamChunk {
			continue
		}
		if base.Type != protocol.TypeStreamEnd {
			t.Fatalf("unexpected event %s", base.Type)
		}
		var end protocol.StreamEndEvent
		if err := json.Unmarshal(data, &end); err != nil {
			t.Fatalf("unmarshal stream end: %v", err)
		}
		if end.Message.SenderID != aiParticipantID {
			t.Errorf("expected AI sender, got %q", end.Message.SenderID)
		}
		return
	}
}

func TestFailingStreamsAbortAfterFirstChunk(t *testing.T) {
	s, ts := newTestServer(t)
	s.FailStreams(true)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	writeEvent(t, conn, protocol.SendCompanionEvent{
		BaseEvent:   protocol.NewBase(protocol.TypeSendCompanion),
		CompanionID: "c_ava",
		Content:     "hello",
	})

	expectType(t, conn, protocol.TypeStreamStart)
	expectType(t, conn, protocol.TypeStreamChunk)
	data := expectType(t, conn, protocol.TypeStreamError)

	var ev protocol.StreamErrorEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal stream error: %v", err)
	}
	if ev.Code != protocol.ErrorCodeStreamFailed {
		t.Errorf("expected stream_failed, got %q", ev.Code)
	}
	if ev.CompanionID != "c_ava" {
		t.Errorf("expected companion binding, got %+v", ev.StreamBinding)
	}
}

func TestPushBroadcastsToConnections(t *testing.T) {
	s, ts := newTestServer(t)
	conn := dialWS(t, ts)
	handshake(t, conn, "tok_dev")

	if got := len(s.connIDs()); got != 1 {
		t.Fatalf("expected 1 registered connection, got %d", got)
	}

	s.Push(protocol.PresenceEvent{
		BaseEvent:     protocol.NewBase(protocol.TypePresence),
		ParticipantID: "u_alice",
		Status:        "away",
	})

	data := expectType(t, conn, protocol.TypePresence)
	var ev protocol.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal presence: %v", err)
	}
	if ev.ParticipantID != "u_alice" || ev.Status != "away" {
		t.Errorf("unexpected presence: %+v", ev)
	}
}

func TestSnapshotEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/snapshot")
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var snap backend.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.SelfID != "u_self" {
		t.Errorf("expected self u_self, got %q", snap.SelfID)
	}
	if len(snap.Contacts) != 3 {
		t.Errorf("expected 3 contacts, got %d", len(snap.Contacts))
	}
	if len(snap.Conversations) != 4 {
		t.Fatalf("expected 4 conversations, got %d", len(snap.Conversations))
	}

	groupIdx := -1
	for i, conv := range snap.Conversations {
		if conv.Key.TargetID == "g_retro" {
			groupIdx = i
			break
		}
	}
	if groupIdx < 0 {
		t.Fatal("group conversation missing from snapshot")
	}
	msgs := snap.Conversations[groupIdx].Messages
	if len(msgs) != recentTail {
		t.Fatalf("expected %d tail messages, got %d", recentTail, len(msgs))
	}
	if msgs[len(msgs)-1].ID != "msg_g045" {
		t.Errorf("expected newest seed message last, got %q", msgs[len(msgs)-1].ID)
	}
}

func TestHistoryEndpointPagesBackwards(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/conversations/group/g_retro/messages?before=msg_g011&limit=5")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var page struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(page.Messages))
	}
	if page.Messages[0].ID != "msg_g006" || page.Messages[4].ID != "msg_g010" {
		t.Errorf("unexpected page bounds: %s .. %s", page.Messages[0].ID, page.Messages[4].ID)
	}
}

func TestHistoryEndpointRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/v1/conversations/carrier/x/messages")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown kind, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/conversations/group/g_retro/messages?limit=0")
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("expected healthy, got %q", body.Status)
	}
}
