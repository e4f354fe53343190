package server_test

import (
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/rocketchat-adapter/internal/server"
	"github.com/omochice/rocketchat-adapter/pkg/protocol"
)

type testClient struct {
	t    *testing.T
	conn *websocket.Conn
	seq  int
}

func startServer(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	srv := server.New("127.0.0.1:0", opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/websocket"
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	c := &testClient{t: t, conn: conn}
	greeting := c.read()
	assert.Empty(t, greeting.Msg)

	c.write(&protocol.Message{Msg: protocol.MessageTypeConnect, Version: "1", Support: protocol.SupportedVersions})
	connected := c.read()
	require.Equal(t, protocol.MessageTypeConnected, connected.Msg)
	require.NotEmpty(t, connected.Session)
	return c
}

func (c *testClient) write(msg *protocol.Message) {
	c.t.Helper()
	data, err := msg.Encode()
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *testClient) read() protocol.Message {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	var msg protocol.Message
	require.NoError(c.t, msg.Decode(data))
	return msg
}

// readUntil skips frames until one matches.
func (c *testClient) readUntil(match func(protocol.Message) bool) protocol.Message {
	c.t.Helper()
	for {
		msg := c.read()
		if match(msg) {
			return msg
		}
	}
}

func (c *testClient) call(method string, params ...any) protocol.Message {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("%s-%d", method, c.seq)
	msg, err := protocol.NewMethod(id, method, params...)
	require.NoError(c.t, err)
	c.write(msg)
	res := c.readUntil(func(m protocol.Message) bool {
		return m.Msg == protocol.MessageTypeResult && m.ID == id
	})
	if res.Error == nil {
		updated := c.read()
		require.Equal(c.t, protocol.MessageTypeUpdated, updated.Msg)
		require.Equal(c.t, []string{id}, updated.Methods)
	}
	return res
}

func (c *testClient) login(username, password string) protocol.LoginResult {
	c.t.Helper()
	res := c.call(protocol.MethodLogin, protocol.LoginRequest{
		User:     &protocol.LoginUser{Username: username},
		Password: &protocol.PasswordProof{Digest: protocol.PasswordDigest(password), Algorithm: protocol.DigestAlgorithm},
	})
	require.Nil(c.t, res.Error)
	var out protocol.LoginResult
	require.NoError(c.t, json.Unmarshal(res.Result, &out))
	return out
}

func seed(srv *server.Server) {
	srv.AddUser(server.User{ID: "u1", Username: "alice", Name: "Alice", Password: "secret", Avatar: "/avatar/alice"})
	srv.AddUser(server.User{ID: "u2", Username: "bob", Name: "Bob", Password: "hunter2"})
	srv.AddRoom("GENERAL")
}

func TestServer_ConnectRejectsUnknownVersion(t *testing.T) {
	_, url := startServer(t, server.Options{})

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	c := &testClient{t: t, conn: conn}
	c.read()
	c.write(&protocol.Message{Msg: protocol.MessageTypeConnect, Version: "2"})
	msg := c.read()
	assert.Equal(t, protocol.MessageTypeFailed, msg.Msg)
	assert.Equal(t, protocol.Version, msg.Version)
}

func TestServer_Login(t *testing.T) {
	srv, url := startServer(t, server.Options{})
	seed(srv)

	tests := []struct {
		name     string
		username string
		password string
		reason   string
	}{
		{name: "valid credentials", username: "alice", password: "secret"},
		{name: "wrong password", username: "alice", password: "nope", reason: "Incorrect password"},
		{name: "unknown user", username: "carol", password: "secret", reason: "User not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, url)
			res := c.call(protocol.MethodLogin, protocol.LoginRequest{
				User:     &protocol.LoginUser{Username: tt.username},
				Password: &protocol.PasswordProof{Digest: protocol.PasswordDigest(tt.password), Algorithm: protocol.DigestAlgorithm},
			})
			if tt.reason != "" {
				require.NotNil(t, res.Error)
				assert.Equal(t, protocol.ErrorCode("403"), res.Error.Code)
				assert.Equal(t, tt.reason, res.Error.Reason)
				return
			}
			require.Nil(t, res.Error)
			var out protocol.LoginResult
			require.NoError(t, json.Unmarshal(res.Result, &out))
			assert.Equal(t, "u1", out.ID)
			assert.NotEmpty(t, out.Token)
			require.NotNil(t, out.TokenExpires)
			assert.True(t, out.TokenExpires.After(time.Now()))
		})
	}
}

func TestServer_LoginResume(t *testing.T) {
	srv, url := startServer(t, server.Options{})
	seed(srv)

	token := dial(t, url).login("alice", "secret").Token

	c := dial(t, url)
	res := c.call(protocol.MethodLogin, protocol.LoginRequest{Resume: token})
	require.Nil(t, res.Error)

	res = c.call(protocol.MethodLogin, protocol.LoginRequest{Resume: "stale"})
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrorCode("403"), res.Error.Code)
}

func TestServer_LoadHistory(t *testing.T) {
	srv, url := startServer(t, server.Options{})
	seed(srv)

	base := time.UnixMilli(1700000000000)
	for i, text := range []string{"first", "second", "third"} {
		srv.AddMessage(protocol.Record{
			ID:        text,
			RoomID:    "GENERAL",
			Text:      text,
			Timestamp: protocol.NewDate(base.Add(time.Duration(i) * time.Minute)),
			User:      protocol.User{ID: "u2", Username: "bob"},
		})
	}

	c := dial(t, url)
	c.login("alice", "secret")

	t.Run("latest page newest first", func(t *testing.T) {
		res := c.call(protocol.MethodLoadHistory, "GENERAL", nil, 2, protocol.NewDate(time.Now()))
		require.Nil(t, res.Error)
		var out protocol.HistoryResult
		require.NoError(t, json.Unmarshal(res.Result, &out))
		require.Len(t, out.Messages, 2)
		assert.Equal(t, "third", out.Messages[0].Text)
		assert.Equal(t, "second", out.Messages[1].Text)
	})

	t.Run("before cursor", func(t *testing.T) {
		res := c.call(protocol.MethodLoadHistory, "GENERAL", protocol.NewDate(base.Add(90*time.Second)), 10, nil)
		require.Nil(t, res.Error)
		var out protocol.HistoryResult
		require.NoError(t, json.Unmarshal(res.Result, &out))
		require.Len(t, out.Messages, 2)
		assert.Equal(t, "second", out.Messages[0].Text)
		assert.Equal(t, "first", out.Messages[1].Text)
	})

	t.Run("unknown room", func(t *testing.T) {
		res := c.call(protocol.MethodLoadHistory, "NOPE", nil, 10, nil)
		require.NotNil(t, res.Error)
		assert.Equal(t, protocol.ErrorCode(protocol.ErrInvalidRoom), res.Error.Code)
	})
}

func TestServer_LoadHistoryRequiresLogin(t *testing.T) {
	srv, url := startServer(t, server.Options{})
	seed(srv)

	res := dial(t, url).call(protocol.MethodLoadHistory, "GENERAL", nil, 10, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrorCode("error-not-allowed"), res.Error.Code)
}

func TestServer_SendMessageBroadcasts(t *testing.T) {
	srv, url := startServer(t, server.Options{})
	seed(srv)

	alice := dial(t, url)
	alice.login("alice", "secret")
	bob := dial(t, url)
	bob.login("bob", "hunter2")

	sub, err := protocol.NewSub("s1", protocol.StreamRoomMessages, "GENERAL", false)
	require.NoError(t, err)
	bob.write(sub)
	ready := bob.readUntil(func(m protocol.Message) bool { return m.Msg == protocol.MessageTypeReady })
	require.Equal(t, protocol.MessageTypeReady, ready.Msg)
	assert.Equal(t, []string{"s1"}, ready.Subs)

	res := alice.call(protocol.MethodSendMessage, protocol.OutgoingRecord{ID: "m1", RoomID: "GENERAL", Text: "hi"})
	require.Nil(t, res.Error)

	changed := bob.readUntil(func(m protocol.Message) bool { return m.Msg == protocol.MessageTypeChanged })
	assert.Equal(t, protocol.StreamRoomMessages, changed.Collection)
	var fields protocol.StreamFields
	require.NoError(t, json.Unmarshal(changed.Fields, &fields))
	assert.Equal(t, "GENERAL", fields.EventName)
	require.Len(t, fields.Args, 1)
	assert.Equal(t, "m1", fields.Args[0].ID)
	assert.Equal(t, "hi", fields.Args[0].Text)
	assert.Equal(t, "u1", fields.Args[0].User.ID)
	assert.Equal(t, "/avatar/alice", fields.Args[0].Avatar)

	stored := srv.Messages("GENERAL")
	require.Len(t, stored, 1)
	assert.Equal(t, "m1", stored[0].ID)

	calls := srv.Calls(protocol.MethodSendMessage)
	require.Len(t, calls, 1)
	assert.JSONEq(t, `[{"_id":"m1","rid":"GENERAL","msg":"hi"}]`, string(calls[0].Params))
}

func TestServer_SendMessageUnknownRoom(t *testing.T) {
	t.Run("rejected", func(t *testing.T) {
		srv, url := startServer(t, server.Options{})
		seed(srv)
		c := dial(t, url)
		c.login("alice", "secret")

		res := c.call(protocol.MethodSendMessage, protocol.OutgoingRecord{ID: "m1", RoomID: "NEW", Text: "hi"})
		require.NotNil(t, res.Error)
		assert.Equal(t, protocol.ErrorCode(protocol.ErrInvalidRoom), res.Error.Code)
		assert.False(t, srv.HasRoom("NEW"))
	})

	t.Run("auto created", func(t *testing.T) {
		srv, url := startServer(t, server.Options{AutoCreateRooms: true})
		seed(srv)
		c := dial(t, url)
		c.login("alice", "secret")

		res := c.call(protocol.MethodSendMessage, protocol.OutgoingRecord{ID: "m1", RoomID: "NEW", Text: "hi"})
		require.Nil(t, res.Error)
		assert.True(t, srv.HasRoom("NEW"))
		assert.Len(t, srv.Messages("NEW"), 1)
	})
}

func TestServer_Subscriptions(t *testing.T) {
	tests := []struct {
		name   string
		opts   server.Options
		stream string
		room   string
		code   protocol.ErrorCode
	}{
		{name: "unknown stream", stream: "stream-notify-user", room: "GENERAL", code: "404"},
		{name: "unknown room", stream: protocol.StreamRoomMessages, room: "NOPE", code: "error-not-allowed"},
		{name: "rejected", opts: server.Options{RejectSubscriptions: true}, stream: protocol.StreamRoomMessages, room: "GENERAL", code: "error-not-allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, url := startServer(t, tt.opts)
			seed(srv)
			c := dial(t, url)

			sub, err := protocol.NewSub("s1", tt.stream, tt.room, false)
			require.NoError(t, err)
			c.write(sub)

			msg := c.read()
			assert.Equal(t, protocol.MessageTypeNoSub, msg.Msg)
			assert.Equal(t, "s1", msg.ID)
			require.NotNil(t, msg.Error)
			assert.Equal(t, tt.code, msg.Error.Code)
		})
	}
}

func TestServer_ReadyGate(t *testing.T) {
	gate := make(chan struct{})
	srv, url := startServer(t, server.Options{ReadyGate: gate})
	seed(srv)
	c := dial(t, url)

	sub, err := protocol.NewSub("s1", protocol.StreamRoomMessages, "GENERAL", false)
	require.NoError(t, err)
	c.write(sub)

	c.write(&protocol.Message{Msg: protocol.MessageTypePing, ID: "p1"})
	pong := c.read()
	assert.Equal(t, protocol.MessageTypePong, pong.Msg)
	assert.Equal(t, "p1", pong.ID)

	close(gate)
	ready := c.read()
	assert.Equal(t, protocol.MessageTypeReady, ready.Msg)
}

func TestServer_FailMethods(t *testing.T) {
	srv, url := startServer(t, server.Options{FailMethods: map[string]*protocol.Error{
		protocol.MethodLoadHistory: {Code: "error-boom", Message: "boom"},
	}})
	seed(srv)
	c := dial(t, url)
	c.login("alice", "secret")

	res := c.call(protocol.MethodLoadHistory, "GENERAL", nil, 10, nil)
	require.NotNil(t, res.Error)
	assert.Equal(t, "boom", res.Error.Error())
}

func TestServer_SuccessfulCallIsFollowedByUpdated(t *testing.T) {
	srv, url := startServer(t, server.Options{})
	seed(srv)
	c := dial(t, url)

	msg, err := protocol.NewMethod("l1", protocol.MethodLogin, protocol.LoginRequest{
		User:     &protocol.LoginUser{Username: "bob"},
		Password: &protocol.PasswordProof{Digest: protocol.PasswordDigest("hunter2"), Algorithm: protocol.DigestAlgorithm},
	})
	require.NoError(t, err)
	c.write(msg)

	res := c.read()
	assert.Equal(t, protocol.MessageTypeResult, res.Msg)
	assert.Equal(t, "l1", res.ID)

	updated := c.read()
	assert.Equal(t, protocol.MessageTypeUpdated, updated.Msg)
	assert.Equal(t, []string{"l1"}, updated.Methods)

	sub, err := protocol.NewSub("s1", protocol.StreamRoomMessages, "GENERAL", false)
	require.NoError(t, err)
	c.write(sub)
	assert.Equal(t, protocol.MessageTypeReady, c.read().Msg)
}

func TestServer_UnknownMethod(t *testing.T) {
	_, url := startServer(t, server.Options{})

	res := dial(t, url).call("getRoomRoles", "GENERAL")
	require.NotNil(t, res.Error)
	assert.Equal(t, protocol.ErrorCode("404"), res.Error.Code)
}

func TestServer_ClientCount(t *testing.T) {
	srv, url := startServer(t, server.Options{})

	c := dial(t, url)
	assert.Equal(t, 1, srv.ClientCount())

	c.conn.Close()
	assert.Eventually(t, func() bool { return srv.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
