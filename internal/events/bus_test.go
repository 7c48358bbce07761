package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var first, second []Event
	bus.Subscribe(func(evt Event) { first = append(first, evt) })
	bus.Subscribe(func(evt Event) { second = append(second, evt) })

	bus.Dispatch(New(TypeInfo, StatusSuccess, "hello"))

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var got []Event
	unsubscribe := bus.Subscribe(func(evt Event) { got = append(got, evt) })

	bus.Dispatch(New(TypeInfo, StatusSuccess, "one"))
	unsubscribe()
	bus.Dispatch(New(TypeInfo, StatusSuccess, "two"))

	require.Len(t, got, 1)
	assert.Equal(t, "one", got[0].Content)
}

func TestBus_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := NewBus(zerolog.Nop())

	var delivered int
	bus.Subscribe(func(evt Event) { panic("handler exploded") })
	bus.Subscribe(func(evt Event) { delivered++ })

	assert.NotPanics(t, func() {
		bus.Dispatch(New(TypeMessage, StatusInProgress, "x"))
	})
	assert.Equal(t, 1, delivered)
}

func TestEventConstructors(t *testing.T) {
	action := Action(StatusInProgress, "Executing tool: beep", "beep", map[string]interface{}{"n": 1})
	assert.Equal(t, TypeAction, action.Type)
	assert.Equal(t, "beep", action.ToolName)
	assert.NotEmpty(t, action.ID)
	assert.False(t, action.Timestamp.IsZero())

	msg := Message("fixed-id", StatusInProgress, "hi")
	assert.Equal(t, "fixed-id", msg.ID)
	assert.Equal(t, "assistant", msg.Role)

	warn := Warning("careful")
	assert.Equal(t, TypeWarning, warn.Type)

	fail := Error("broken")
	assert.Equal(t, StatusFailed, fail.Status)
}
