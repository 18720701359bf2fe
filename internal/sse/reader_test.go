package sse

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reader(s string) *Reader {
	return NewReader(io.NopCloser(strings.NewReader(s)))
}

func TestReader_NamedEvents(t *testing.T) {
	r := reader("event:chunk\ndata:{\"seq\":1}\n\nevent:done\ndata:{\"seq\":2}\n\n")
	defer r.Close()

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "chunk", ev.Event)
	assert.Equal(t, `{"seq":1}`, ev.Data)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", ev.Event)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_MultilineDataAndComments(t *testing.T) {
	r := reader(": keep-alive\ndata: one\ndata: two\nid: 7\n\n")

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", ev.Data)
	assert.Equal(t, "7", ev.ID)
}

func TestReader_TrailingFrameWithoutBlankLine(t *testing.T) {
	r := reader("data: [DONE]")

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "[DONE]", ev.Data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_EventWithoutDataIsDropped(t *testing.T) {
	r := reader("event: ping\n\ndata: x\n\n")

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "", ev.Event)
	assert.Equal(t, "x", ev.Data)
}

func TestReader_LargeFrame(t *testing.T) {
	big := strings.Repeat("x", 3<<20)
	r := reader("event: done\ndata: " + big + "\n\n")

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "done", ev.Event)
	assert.Len(t, ev.Data, 3<<20)
}
