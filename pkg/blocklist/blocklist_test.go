package blocklist_test

import (
	"testing"
	"time"

	"github.com/neuraledge/edgesec/pkg/blocklist"
	"github.com/stretchr/testify/assert"
)

func TestBlockList_CheckBeforeAndAfterExpiry(t *testing.T) {
	now := time.Unix(1740730536, 0)
	list := blocklist.New(&blocklist.Opts{TimeProvider: func() time.Time { return now }})

	list.Block("10.0.0.1", time.Hour, "too many connections")

	blocked, remaining := list.Check("10.0.0.1")
	assert.True(t, blocked)
	assert.Equal(t, time.Hour, remaining)

	now = now.Add(time.Hour)
	blocked, _ = list.Check("10.0.0.1")
	assert.False(t, blocked)

	// Expired entry is removed lazily by the check above.
	assert.Equal(t, 0, list.Len())
}

func TestBlockList_UnknownIPNotBlocked(t *testing.T) {
	list := blocklist.New(nil)
	blocked, remaining := list.Check("203.0.113.7")
	assert.False(t, blocked)
	assert.Zero(t, remaining)
}

func TestBlockList_Unblock(t *testing.T) {
	list := blocklist.New(nil)
	list.Block("10.0.0.2", time.Hour, "manual")
	list.Unblock("10.0.0.2")

	blocked, _ := list.Check("10.0.0.2")
	assert.False(t, blocked)
}

func TestBlockList_OnBlockHook(t *testing.T) {
	list := blocklist.New(nil)

	var gotIP, gotReason string
	list.OnBlock(func(ip, reason string) {
		gotIP = ip
		gotReason = reason
	})

	list.Block("10.0.0.3", time.Minute, "slowloris")
	assert.Equal(t, "10.0.0.3", gotIP)
	assert.Equal(t, "slowloris", gotReason)
}

func TestBlockList_BlockedSkipsExpired(t *testing.T) {
	now := time.Unix(1740730536, 0)
	list := blocklist.New(&blocklist.Opts{TimeProvider: func() time.Time { return now }})

	list.Block("10.0.0.4", time.Minute, "a")
	list.Block("10.0.0.5", time.Hour, "b")

	now = now.Add(2 * time.Minute)
	blocked := list.Blocked()
	assert.Len(t, blocked, 1)
	assert.Equal(t, "10.0.0.5", blocked[0].IP)
	assert.Equal(t, 1, list.Len())
}

func TestBlockList_Cleanup(t *testing.T) {
	now := time.Unix(1740730536, 0)
	list := blocklist.New(&blocklist.Opts{TimeProvider: func() time.Time { return now }})

	list.Block("10.0.0.6", time.Minute, "a")
	now = now.Add(time.Hour)
	list.Cleanup()
	assert.Equal(t, 0, list.Len())
}
