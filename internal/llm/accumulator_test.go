package llm

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillware/quill/internal/events"
)

func deltaWith(index int, id, name, args string) toolCallDelta {
	d := toolCallDelta{Index: index, ID: id}
	d.Function.Name = name
	d.Function.Arguments = args
	return d
}

func TestAccumulator_MergesFragments(t *testing.T) {
	acc := newToolCallAccumulator(nil, zerolog.Nop())

	acc.addDelta(deltaWith(0, "c1", "get_wifi", ""))
	acc.addDelta(deltaWith(0, "", "_networks", `{"scan`))
	acc.addDelta(deltaWith(0, "", "", `":true}`))

	calls := acc.finalCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
	assert.Equal(t, "get_wifi_networks", calls[0].Function.Name)
	assert.Equal(t, `{"scan":true}`, calls[0].Function.Arguments)
	assert.Equal(t, "function", calls[0].Type)
}

func TestAccumulator_SkipsIncompleteEntries(t *testing.T) {
	acc := newToolCallAccumulator(nil, zerolog.Nop())

	// Index 1 arrives first; index 0 stays a skeleton with no id.
	acc.addDelta(deltaWith(1, "c2", "b", "{}"))
	acc.addDelta(deltaWith(0, "", "a", "{}"))

	calls := acc.finalCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c2", calls[0].ID)
}

func TestAccumulator_OrderedByIndex(t *testing.T) {
	acc := newToolCallAccumulator(nil, zerolog.Nop())

	acc.addDelta(deltaWith(2, "c3", "third", "{}"))
	acc.addDelta(deltaWith(0, "c1", "first", "{}"))
	acc.addDelta(deltaWith(1, "c2", "second", "{}"))

	calls := acc.finalCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"c1", "c2", "c3"}, []string{calls[0].ID, calls[1].ID, calls[2].ID})
}

func TestAccumulator_DispatchesExactlyOnce(t *testing.T) {
	bus := events.NewBus(zerolog.Nop())
	var actions []events.Event
	bus.Subscribe(func(evt events.Event) {
		if evt.Type == events.TypeAction {
			actions = append(actions, evt)
		}
	})

	acc := newToolCallAccumulator(bus, zerolog.Nop())
	acc.addDelta(deltaWith(0, "c1", "", ""))
	assert.Empty(t, actions, "no dispatch before name arrives")

	acc.addDelta(deltaWith(0, "", "speak_text", ""))
	require.Len(t, actions, 1, "dispatch the moment id+name complete")
	assert.Equal(t, events.StatusInProgress, actions[0].Status)
	assert.Equal(t, "speak_text", actions[0].ToolName)

	acc.addDelta(deltaWith(0, "", "", `{"text":"hi"}`))
	assert.Len(t, actions, 1, "argument fragments must not re-dispatch")
}

func TestAccumulator_ConflictingTypeLastWins(t *testing.T) {
	acc := newToolCallAccumulator(nil, zerolog.Nop())

	d1 := deltaWith(0, "c1", "n", "{}")
	d1.Type = "function"
	acc.addDelta(d1)

	d2 := deltaWith(0, "", "", "")
	d2.Type = "custom"
	acc.addDelta(d2)

	calls := acc.finalCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "custom", calls[0].Type)
}
