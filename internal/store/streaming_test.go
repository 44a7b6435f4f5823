package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nelsonmandeladev/retrochat-client/internal/domain"
)

func countStreaming(conv domain.Conversation) int {
	n := 0
	for _, m := range conv.Messages {
		if m.Origin == domain.OriginStreaming {
			n++
		}
	}
	return n
}

func TestStreamChunksMutateOnePlaceholder(t *testing.T) {
	s := newTestStore()
	key := domain.CompanionKey("aida")
	s.Ensure(key, "Aida", "")

	require.True(t, s.StartStream(key, "chan_1", "aida", "Aida"))
	for _, text := range []string{"H", "He", "Hel", "Hell", "Hello"} {
		require.True(t, s.UpdateStream(key, "chan_1", text))
	}

	conv, _ := s.Conversation(key)
	require.Equal(t, 1, countStreaming(conv), "N chunks must leave exactly one placeholder")
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Hello", conv.Messages[0].Content)
	assert.True(t, conv.Messages[0].AIGenerated)
}

func TestStreamStartIsIdempotent(t *testing.T) {
	s := newTestStore()
	key := domain.CompanionKey("aida")
	s.Ensure(key, "Aida", "")

	require.True(t, s.StartStream(key, "chan_1", "aida", "Aida"))
	require.True(t, s.UpdateStream(key, "chan_1", "partial"))
	require.True(t, s.StartStream(key, "chan_1", "aida", "Aida"))

	conv, _ := s.Conversation(key)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "partial", conv.Messages[0].Content, "restart must not wipe the placeholder")
}

func TestStreamEndReplacesInPosition(t *testing.T) {
	s := newTestStore()
	key := domain.GroupKey("g1")
	s.Ensure(key, "Lounge", "")

	require.True(t, s.StartStream(key, "chan_1", "ai", "AI"))
	require.True(t, s.UpdateStream(key, "chan_1", "thinking"))
	// Conversation moves on while the stream is still open.
	require.True(t, s.Append(key, confirmed("m5", "bob", "unrelated")))

	final := domain.Message{ID: "f1", SenderID: "ai", Content: "done", SentAt: time.Now(), AIGenerated: true}
	ok, replaced := s.EndStream(key, "chan_1", final)
	require.True(t, ok)
	require.True(t, replaced)

	conv, _ := s.Conversation(key)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "f1", conv.Messages[0].ID, "final message keeps the placeholder's position")
	assert.Equal(t, domain.OriginConfirmed, conv.Messages[0].Origin)
	assert.Empty(t, conv.Messages[0].StreamChannel)
	assert.Equal(t, "m5", conv.Messages[1].ID)
	assert.Equal(t, 0, countStreaming(conv))
}

func TestStreamEndWithoutPlaceholderAppends(t *testing.T) {
	s := newTestStore()
	key := domain.CompanionKey("aida")
	s.Ensure(key, "Aida", "")
	require.True(t, s.Append(key, confirmed("m1", "self", "question")))

	final := domain.Message{ID: "f1", SenderID: "aida", Content: "answer", SentAt: time.Now(), AIGenerated: true}
	ok, replaced := s.EndStream(key, "chan_lost", final)
	require.True(t, ok)
	assert.False(t, replaced)

	conv, _ := s.Conversation(key)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "f1", conv.Messages[1].ID)
	assert.Equal(t, 0, countStreaming(conv), "end always leaves zero placeholders")
}

func TestAbortStreamLeavesNoResidue(t *testing.T) {
	s := newTestStore()
	key := domain.CompanionKey("aida")
	s.Ensure(key, "Aida", "")

	require.True(t, s.StartStream(key, "chan_1", "aida", "Aida"))
	require.True(t, s.UpdateStream(key, "chan_1", "half an ans"))

	ok, removed := s.AbortStream(key, "chan_1")
	require.True(t, ok)
	require.True(t, removed)

	conv, _ := s.Conversation(key)
	assert.Empty(t, conv.Messages, "no partial content may survive an abort")

	ok, removed = s.AbortStream(key, "chan_1")
	require.True(t, ok)
	assert.False(t, removed, "second abort is a no-op")
}

func TestUpdateStreamWithoutPlaceholder(t *testing.T) {
	s := newTestStore()
	key := domain.CompanionKey("aida")
	s.Ensure(key, "Aida", "")

	assert.False(t, s.UpdateStream(key, "chan_unknown", "text"))
	conv, _ := s.Conversation(key)
	assert.Empty(t, conv.Messages)
}

func TestConcurrentStreamsOnSeparateChannels(t *testing.T) {
	s := newTestStore()
	key := domain.GroupKey("g1")
	s.Ensure(key, "Lounge", "")

	require.True(t, s.StartStream(key, "chan_a", "ai", "AI"))
	require.True(t, s.StartStream(key, "chan_b", "ai", "AI"))
	require.True(t, s.UpdateStream(key, "chan_a", "alpha"))
	require.True(t, s.UpdateStream(key, "chan_b", "beta"))

	_, replaced := s.EndStream(key, "chan_a", domain.Message{ID: "fa", SenderID: "ai", Content: "alpha!", SentAt: time.Now()})
	require.True(t, replaced)

	conv, _ := s.Conversation(key)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "fa", conv.Messages[0].ID)
	assert.Equal(t, "beta", conv.Messages[1].Content)
	assert.Equal(t, 1, countStreaming(conv))
}
