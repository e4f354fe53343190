package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/rocketchat-adapter/internal/config"
	"github.com/omochice/rocketchat-adapter/internal/server"
	"github.com/omochice/rocketchat-adapter/pkg/protocol"
)

// syncBuffer guards the output written from the input loop and the read goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRun(t *testing.T) {
	srv := server.New("127.0.0.1:0", server.Options{})
	srv.AddUser(server.User{ID: "u1", Username: "alice", Name: "alice", Password: "secret"})
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 11; i++ {
		srv.AddMessage(protocol.Record{
			RoomID:    "GENERAL",
			Text:      "old " + string(rune('a'+i)),
			Timestamp: protocol.NewDate(base.Add(time.Duration(i) * time.Minute)),
			User:      protocol.User{ID: "u2", Username: "bob"},
		})
	}
	ts := httptest.NewServer(srv.Handler())
	defer func() {
		srv.Stop()
		ts.Close()
	}()

	cfg := config.Default()
	cfg.BackendURL = ts.URL
	cfg.Username = "alice"
	cfg.Password = "secret"
	cfg.Timeout = 2 * time.Second

	out := &syncBuffer{}
	in := strings.NewReader("hello there\n/older\n\nquit\n")
	require.NoError(t, run(context.Background(), cfg, in, out))

	output := out.String()
	assert.Contains(t, output, "[bob]: old k")
	assert.Contains(t, output, "[bob]: old a")
	assert.Less(t, strings.Index(output, "old k"), strings.Index(output, "old a"))

	calls := srv.Calls(protocol.MethodSendMessage)
	require.Len(t, calls, 1)
	assert.Contains(t, string(calls[0].Params), `"msg":"hello there"`)
}

func TestReadLines_StopsWhenDone(t *testing.T) {
	done := make(chan struct{})
	lines := readLines(strings.NewReader("quit\nleft\nover\n"), done)

	assert.Equal(t, "quit", <-lines)
	close(done)

	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-lines:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("reader did not stop after done was closed")
		}
	}
}

func TestReadLines_ClosesAtEOF(t *testing.T) {
	done := make(chan struct{})
	defer close(done)

	var got []string
	for line := range readLines(strings.NewReader("a\nb\n"), done) {
		got = append(got, line)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestApplyFlags(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--url", "https://chat.example.com", "-u", "bob", "--channel", "ops"}))

	cfg := config.Default()
	cfg.Password = "from-file"
	applyFlags(cmd, &options{
		url:      "https://chat.example.com",
		username: "bob",
		channel:  "ops",
	}, &cfg)

	assert.Equal(t, "https://chat.example.com", cfg.BackendURL)
	assert.Equal(t, "bob", cfg.Username)
	assert.Equal(t, "ops", cfg.ChannelID)
	assert.Equal(t, "from-file", cfg.Password)
	assert.Equal(t, "info", cfg.LogLevel)
}
