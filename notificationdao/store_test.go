package notificationdao

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tj/assert"
)

func testStore(t *testing.T, ctx context.Context, store Store) {
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)

	first := NewNotification("alice", TypeMessage, "hello", base)
	second := NewNotification("alice", TypeVideoCallInvite, "call me", base.Add(time.Minute))
	second.SenderID = "bob"
	second.RelatedID = "session-1"
	other := NewNotification("bob", TypeSystem, "maintenance", base)

	t.Run("create", func(t *testing.T) {
		for _, n := range []Notification{first, second, other} {
			assert.Nil(t, store.Create(ctx, n))
		}

		got, err := store.Get(ctx, second.ID)
		assert.Nil(t, err)
		assert.Equal(t, "bob", got.SenderID)
		assert.Equal(t, "session-1", got.RelatedID)
		assert.True(t, got.Unread)
		assert.Equal(t, "false", got.IsRead)
	})

	t.Run("create rejects invalid rows", func(t *testing.T) {
		bad := NewNotification("", TypeMessage, "x", base)
		assert.True(t, errors.Is(store.Create(ctx, bad), ErrInvalid))

		bad = NewNotification("alice", Type("bogus"), "x", base)
		assert.True(t, errors.Is(store.Create(ctx, bad), ErrInvalid))

		bad = NewNotification("alice", TypeMessage, "x", base)
		bad.TTL = base.Unix()
		assert.True(t, errors.Is(store.Create(ctx, bad), ErrInvalid))
	})

	t.Run("list newest first", func(t *testing.T) {
		list, err := store.ListByUser(ctx, "alice", ListFilter{})
		assert.Nil(t, err)
		assert.Len(t, list, 2)
		assert.Equal(t, second.ID, list[0].ID)
		assert.Equal(t, first.ID, list[1].ID)
	})

	t.Run("list filters", func(t *testing.T) {
		list, err := store.ListByUser(ctx, "alice", ListFilter{Type: TypeMessage})
		assert.Nil(t, err)
		assert.Len(t, list, 1)
		assert.Equal(t, first.ID, list[0].ID)

		list, err = store.ListByUser(ctx, "alice", ListFilter{Limit: 1})
		assert.Nil(t, err)
		assert.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)

		list, err = store.ListByUser(ctx, "alice", ListFilter{Since: base})
		assert.Nil(t, err)
		assert.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)
	})

	t.Run("mark read keeps the legacy mirror in sync", func(t *testing.T) {
		n, err := MarkRead(ctx, store, first.ID)
		assert.Nil(t, err)
		assert.False(t, n.Unread)
		assert.Equal(t, "true", n.IsRead)

		list, err := store.ListByUser(ctx, "alice", ListFilter{UnreadOnly: true})
		assert.Nil(t, err)
		assert.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)

		n, err = store.SetReadState(ctx, first.ID, false)
		assert.Nil(t, err)
		assert.True(t, n.Unread)
		assert.Equal(t, "false", n.IsRead)
	})

	t.Run("mark read on a missing id", func(t *testing.T) {
		_, err := MarkRead(ctx, store, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("list skips expired notifications", func(t *testing.T) {
		expired := NewNotification("carol", TypeMessage, "old", time.Now().Add(-Retention-24*time.Hour))
		fresh := NewNotification("carol", TypeMessage, "new", time.Now())
		assert.Nil(t, store.Create(ctx, expired))
		assert.Nil(t, store.Create(ctx, fresh))

		list, err := store.ListByUser(ctx, "carol", ListFilter{})
		assert.Nil(t, err)
		assert.Len(t, list, 1)
		assert.Equal(t, fresh.ID, list[0].ID)

		list, err = store.ListByUser(ctx, "carol", ListFilter{Limit: 1})
		assert.Nil(t, err)
		assert.Len(t, list, 1)
		assert.Equal(t, fresh.ID, list[0].ID)
	})
}

func TestMemory(t *testing.T) {
	testStore(t, context.Background(), NewMemory())
}

func TestNewNotification(t *testing.T) {
	now := time.Now()
	n := NewNotification("alice", TypeAdmin, "hi", now)

	assert.NotEmpty(t, n.ID)
	assert.Equal(t, "alice", n.RecipientUserID)
	assert.NotEmpty(t, n.CreatedAt)
	assert.True(t, n.Unread)
	assert.Equal(t, "false", n.IsRead)

	created, err := n.CreatedTime()
	assert.Nil(t, err)
	assert.True(t, n.TTL > created.Unix())
	assert.Equal(t, created.Add(Retention).Unix(), n.TTL)
	assert.Nil(t, n.Validate())
	assert.False(t, n.Expired(now))
	assert.True(t, n.Expired(now.Add(Retention)))
}

func TestFormatTimeSortsLexicographically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 100000, time.UTC))
	c := FormatTime(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.True(t, a < b)
	assert.True(t, b < c)
}
