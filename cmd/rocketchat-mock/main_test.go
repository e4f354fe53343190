package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	srv, err := newServer(&options{
		addr:  "127.0.0.1:0",
		users: []string{"alice:secret"},
		rooms: []string{"GENERAL", "ops"},
	})
	require.NoError(t, err)
	assert.True(t, srv.HasRoom("GENERAL"))
	assert.True(t, srv.HasRoom("ops"))
	assert.False(t, srv.HasRoom("random"))
}

func TestNewServer_InvalidUser(t *testing.T) {
	_, err := newServer(&options{users: []string{"alice"}})
	assert.Error(t, err)
}

func TestRootCommand_Flags(t *testing.T) {
	cmd := newRootCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--addr", ":4000", "--user", "carol:pw", "--room", "dev", "--auto-create-rooms"}))

	users, err := cmd.Flags().GetStringSlice("user")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol:pw"}, users)

	addr, err := cmd.Flags().GetString("addr")
	require.NoError(t, err)
	assert.Equal(t, ":4000", addr)

	auto, err := cmd.Flags().GetBool("auto-create-rooms")
	require.NoError(t, err)
	assert.True(t, auto)
}
