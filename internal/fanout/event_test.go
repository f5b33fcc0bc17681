package fanout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

func TestCodecChannels(t *testing.T) {
	c := NewCodec("")
	assert.Equal(t, DefaultPrefix, c.Prefix())

	channel, payload, err := c.Encode(&Event{Kind: KindRoomJoined, WorkerID: "w1", Identity: "c1", Room: "general"})
	require.NoError(t, err)
	assert.Equal(t, "realtime.room-joined", channel)

	ev, err := c.Decode(channel, payload)
	require.NoError(t, err)
	assert.Equal(t, KindRoomJoined, ev.Kind)
	assert.Equal(t, "w1", ev.WorkerID)
	assert.Equal(t, "general", ev.Room)
	assert.False(t, ev.IncludeOriginator)
}

func TestCodecCustomChannel(t *testing.T) {
	c := NewCodec("app.")
	channel, payload, err := c.Encode(&Event{Kind: KindCustom, WorkerID: "w1", Channel: "chat.typing", Payload: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, "app.custom.chat.typing", channel)

	ev, err := c.Decode(channel, payload)
	require.NoError(t, err)
	assert.Equal(t, KindCustom, ev.Kind)
	assert.Equal(t, "chat.typing", ev.Channel)
	assert.JSONEq(t, `{"a":1}`, string(ev.Payload))

	_, _, err = c.Encode(&Event{Kind: KindCustom})
	assert.Error(t, err)
}

func TestCodecPrefixIsDotTerminated(t *testing.T) {
	c := NewCodec("rt")
	assert.Equal(t, "rt.", c.Prefix())

	channel, _, err := c.Encode(&Event{Kind: KindConnectionOpened, WorkerID: "w1", Identity: "c1"})
	require.NoError(t, err)
	assert.Equal(t, "rt.connection-opened", channel)

	channel, _, err = c.Encode(&Event{Kind: KindCustom, WorkerID: "w1", Channel: "chat.typing"})
	require.NoError(t, err)
	assert.Equal(t, "rt.custom.chat.typing", channel)
}

func TestValidateChannel(t *testing.T) {
	assert.NoError(t, ValidateChannel("chat.typing"))
	assert.NoError(t, ValidateChannel("presence-updates"))
	assert.ErrorIs(t, ValidateChannel(""), merr.ErrParameterMissing)
	for _, name := range []string{"chat typing", "chat.*", "chat.>", "a..b", ".a", "a.", "tab\there", "room?"} {
		assert.ErrorIs(t, ValidateChannel(name), merr.ErrParameterInvalid, name)
	}

	_, _, err := NewCodec("").Encode(&Event{Kind: KindCustom, WorkerID: "w1", Channel: "bad channel"})
	assert.ErrorIs(t, err, merr.ErrParameterInvalid)
}

func TestCodecDecodeErrors(t *testing.T) {
	c := NewCodec("")
	_, err := c.Decode("other.room-left", []byte(`{}`))
	assert.Error(t, err)
	_, err = c.Decode("realtime.nope", []byte(`{}`))
	assert.Error(t, err)
	_, err = c.Decode("realtime.room-left", []byte(`{`))
	assert.Error(t, err)
	_, _, err = c.Encode(&Event{})
	assert.Error(t, err)
}

func TestFilterMatches(t *testing.T) {
	rec := session.Record{
		Identity:   "c1",
		User:       &session.User{UserID: "u1"},
		Attributes: map[string]any{"status": "online", "level": 3},
	}
	inRoom := func(room, id string) bool { return room == "general" && id == "c1" }

	var nilFilter *Filter
	assert.True(t, nilFilter.Matches(rec, inRoom))
	assert.True(t, (&Filter{Room: "general"}).Matches(rec, inRoom))
	assert.False(t, (&Filter{Room: "lobby"}).Matches(rec, inRoom))
	assert.True(t, (&Filter{UserIDs: []string{"u0", "u1"}}).Matches(rec, inRoom))
	assert.False(t, (&Filter{UserIDs: []string{"u2"}}).Matches(rec, inRoom))
	assert.True(t, (&Filter{Attributes: map[string]any{"level": float64(3)}}).Matches(rec, inRoom))
	assert.False(t, (&Filter{Attributes: map[string]any{"status": "away"}}).Matches(rec, inRoom))

	anonymous := session.Record{Identity: "c2", Attributes: map[string]any{"userId": "u9"}}
	assert.True(t, (&Filter{UserIDs: []string{"u9"}}).Matches(anonymous, inRoom))
	assert.False(t, (&Filter{UserIDs: []string{""}}).Matches(session.Record{Identity: "c3"}, inRoom))
}
