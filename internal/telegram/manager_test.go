package telegram

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moodwatch/moodwatch-bot/internal/lock"
)

const sampleToken = "123456789:AAEabcdefghijklmnopqrstuvwxyz012345"

func TestInitializeFastPathSkipsReconnect(t *testing.T) {
	m := NewManager(nil, nil, lock.NewMemoryLock())
	m.ready = true
	m.credential = sampleToken

	require.NoError(t, m.Initialize(sampleToken, false))
	require.NoError(t, m.Initialize(" "+sampleToken+" ", false))
	assert.True(t, m.IsReady())
}

func TestInitializeRejectsMalformedToken(t *testing.T) {
	m := NewManager(nil, nil, lock.NewMemoryLock())

	err := m.Initialize("not-a-telegram-token", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid Telegram bot token")
	assert.False(t, m.IsReady())
}

func TestInitializeFailsHardWhenLockHeld(t *testing.T) {
	locker := lock.NewMemoryLock()
	require.NoError(t, locker.Acquire())

	m := NewManager(nil, nil, locker)
	err := m.Initialize(sampleToken, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrHeld)
	assert.Contains(t, err.Error(), "already polling Telegram")
	assert.False(t, m.IsReady())
}

func TestTeardownWithoutConnectionIsNoop(t *testing.T) {
	locker := lock.NewMemoryLock()
	m := NewManager(nil, nil, locker)
	m.Teardown()
	assert.False(t, m.IsReady())

	// The lock was never acquired, so it is free for another owner.
	require.NoError(t, locker.Acquire())
}

func TestMapConnectError(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Unauthorized", "rejected the bot token"},
		{"Conflict: terminated by other getUpdates request", "another poller"},
		{"dial tcp: connection refused", "Telegram connection error"},
	}
	for _, tc := range cases {
		err := mapConnectError(errors.New(tc.in))
		assert.Contains(t, err.Error(), tc.want)
	}
}
