package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
)

const (
	localUser = int64(1)
	otherUser = int64(2)
	conv      = int64(10)
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id int64) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       otherUser,
		Type:           models.MessageTypeText,
		Content:        "m",
		CreatedAt:      base.Add(time.Duration(id) * time.Second),
	}
}

func ids(msgs []models.Message) []int64 {
	out := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestAppendLiveDeduplicates(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	for _, id := range []int64{3, 1, 3, 2, 1, 3} {
		c.AppendLive(msg(id), false)
	}
	assert.Equal(t, []int64{1, 2, 3}, ids(c.Messages(conv)))
}

func TestPageAndPushConvergeRegardlessOfOrder(t *testing.T) {
	page := []models.Message{msg(5), msg(4), msg(3), msg(2), msg(1)}

	pushFirst := NewMessageCache(localUser, nil)
	pushFirst.AppendLive(msg(6), true)
	pushFirst.Load(conv, 0, page, false)

	fetchFirst := NewMessageCache(localUser, nil)
	fetchFirst.Load(conv, 0, page, false)
	fetchFirst.AppendLive(msg(6), true)

	want := []int64{1, 2, 3, 4, 5, 6}
	assert.Equal(t, want, ids(pushFirst.Messages(conv)))
	assert.Equal(t, want, ids(fetchFirst.Messages(conv)))
}

func TestOutOfOrderPushesSortByCreatedAt(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	late := msg(7)
	late.CreatedAt = base.Add(time.Second) // created before 2 and 3
	c.AppendLive(msg(3), true)
	c.AppendLive(msg(2), true)
	c.AppendLive(late, true)

	assert.Equal(t, []int64{7, 2, 3}, ids(c.Messages(conv)))
}

func TestSameTimestampTieBreaksByID(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	a, b := msg(9), msg(8)
	a.CreatedAt, b.CreatedAt = base, base
	c.AppendLive(a, true)
	c.AppendLive(b, true)
	assert.Equal(t, []int64{8, 9}, ids(c.Messages(conv)))
}

func TestPageZeroReloadKeepsOlderPages(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	c.Load(conv, 0, []models.Message{msg(6), msg(5), msg(4)}, true)
	c.Load(conv, 1, []models.Message{msg(3), msg(2), msg(1)}, false)
	require.Equal(t, 2, c.NextPage(conv))
	require.False(t, c.HasMore(conv))

	edited := msg(6)
	edited.Pinned = true
	added := c.Load(conv, 0, []models.Message{msg(7), edited, msg(5)}, true)

	assert.Equal(t, 1, added)
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6, 7}, ids(c.Messages(conv)))
	assert.True(t, c.Messages(conv)[5].Pinned)
	assert.False(t, c.HasMore(conv), "head reload does not reset history state")
	assert.Equal(t, 2, c.NextPage(conv))
}

func TestLoadIgnoresForeignMessages(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	other := msg(1)
	other.ConversationID = conv + 1
	c.Load(conv, 0, []models.Message{other, msg(2)}, false)
	assert.Equal(t, []int64{2}, ids(c.Messages(conv)))
}

func TestScrollPolicy(t *testing.T) {
	c := NewMessageCache(localUser, nil)

	_, scroll := c.AppendLive(msg(1), false)
	assert.False(t, scroll, "other sender, scrolled up")

	_, scroll = c.AppendLive(msg(2), true)
	assert.True(t, scroll, "other sender, at bottom")

	own := msg(3)
	own.SenderID = localUser
	_, scroll = c.AppendLive(own, false)
	assert.True(t, scroll, "own message always scrolls")

	added, scroll := c.AppendLive(msg(2), true)
	assert.False(t, added)
	assert.False(t, scroll)

	never := NewMessageCache(localUser, func(models.Message, int64, bool) bool { return false })
	_, scroll = never.AppendLive(own, true)
	assert.False(t, scroll)
}

func TestRemove(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	c.Load(conv, 0, []models.Message{msg(1), msg(2)}, false)

	assert.True(t, c.Remove(conv, 1))
	assert.False(t, c.Remove(conv, 1))
	assert.False(t, c.Remove(conv, 99))
	assert.False(t, c.Remove(conv+1, 2))
	assert.Equal(t, []int64{2}, ids(c.Messages(conv)))

	// no tombstone: the id may come back
	added, _ := c.AppendLive(msg(1), false)
	assert.True(t, added)
}

func TestMediaExcludesMalformedAttachments(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	good := msg(1)
	good.Type = models.MessageTypeImage
	good.Attachment = &models.Attachment{URL: "https://cdn/x.png"}
	noURL := msg(2)
	noURL.Type = models.MessageTypeFile
	noURL.Attachment = &models.Attachment{FileName: "a.pdf"}
	missing := msg(3)
	missing.Type = models.MessageTypeVoice
	text := msg(4)

	c.Load(conv, 0, []models.Message{good, noURL, missing, text}, false)

	assert.Equal(t, []int64{1}, ids(c.Media(conv)))
	assert.Equal(t, []int64{1, 2, 3, 4}, ids(c.Messages(conv)))
}

func TestPendingConfirmedByEcho(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	c.Load(conv, 0, []models.Message{msg(1)}, false)

	pending := models.Message{ConversationID: conv, SenderID: localUser, Content: "hi", ClientID: "abc", CreatedAt: base.Add(time.Hour)}
	require.True(t, c.AppendPending(pending))
	assert.Equal(t, 1, c.Pending(conv))
	assert.Len(t, c.Messages(conv), 2)

	echo := msg(2)
	echo.SenderID = localUser
	echo.ClientID = "abc"
	added, scroll := c.AppendLive(echo, false)
	assert.True(t, added)
	assert.True(t, scroll)
	assert.Equal(t, 0, c.Pending(conv))

	// the REST response arriving after the echo changes nothing
	assert.False(t, c.Confirm(echo))
	assert.Equal(t, []int64{1, 2}, ids(c.Messages(conv)))
}

func TestPendingFailure(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	assert.False(t, c.AppendPending(models.Message{ConversationID: conv}))

	c.AppendPending(models.Message{ConversationID: conv, ClientID: "x"})
	assert.True(t, c.FailPending(conv, "x"))
	assert.False(t, c.FailPending(conv, "x"))
	assert.Empty(t, c.Messages(conv))
}

func TestApplyReadReceiptCopiesOnWrite(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	c.Load(conv, 0, []models.Message{msg(1), msg(2)}, false)
	before := c.Messages(conv)

	n := c.ApplyReadReceipt(models.ReadReceipt{ConversationID: conv, UserID: 5, MessageIDs: []int64{1, 2, 42}})
	assert.Equal(t, 2, n)
	assert.Zero(t, c.ApplyReadReceipt(models.ReadReceipt{ConversationID: conv, UserID: 5, MessageIDs: []int64{1}}))

	after := c.Messages(conv)
	assert.True(t, after[0].IsReadBy(5))
	assert.False(t, before[0].IsReadBy(5))
}

func TestUpdateAndReset(t *testing.T) {
	c := NewMessageCache(localUser, nil)
	c.Load(conv, 0, []models.Message{msg(1)}, true)

	pinned := msg(1)
	pinned.Pinned = true
	assert.True(t, c.Update(pinned))
	assert.False(t, c.Update(msg(2)))
	assert.True(t, c.Messages(conv)[0].Pinned)
	assert.True(t, c.Contains(conv, 1))

	c.Reset(conv)
	assert.False(t, c.Contains(conv, 1))
	assert.Nil(t, c.Messages(conv))
	assert.True(t, c.HasMore(conv))
	assert.Equal(t, 0, c.NextPage(conv))
}
