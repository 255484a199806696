package httpclient

import (
	"encoding/json"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEReader(t *testing.T) {
	raw := ": OPENROUTER PROCESSING\n" +
		"\n" +
		"event: content_block_delta\n" +
		"data: {\"a\":1}\n" +
		"\n" +
		"data:{\"a\":2}\r\n" +
		"\n" +
		"data: [DONE]\n"

	r := NewSSEReader(strings.NewReader(raw))

	ev, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "content_block_delta", ev.Name)
	assert.Equal(t, `{"a":1}`, ev.Data)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Empty(t, ev.Name, "event name resets after a blank line")
	assert.Equal(t, `{"a":2}`, ev.Data)

	ev, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "[DONE]", ev.Data)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestNDJSONReader(t *testing.T) {
	raw := `{"message":{"content":"a"},"done":false}` + "\n\n" +
		`{"done":true,"eval_count":3}` + "\n"

	r := NewNDJSONReader(strings.NewReader(raw))

	line, err := r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":{"content":"a"},"done":false}`, string(line))

	line, err = r.Next()
	require.NoError(t, err)
	assert.JSONEq(t, `{"done":true,"eval_count":3}`, string(line))

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestArrayDecoder_Fragmented(t *testing.T) {
	raw := `[{"text":"a {brace} \"quoted }\" here"},
{"nested":{"x":[1,2,{"y":"}"}]}}
,{"last":true}]`

	// One byte at a time forces every object to straddle many reads.
	d := NewArrayDecoder(iotest.OneByteReader(strings.NewReader(raw)))

	var got []map[string]any
	for {
		obj, err := d.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(obj, &m))
		got = append(got, m)
	}

	require.Len(t, got, 3)
	assert.Equal(t, `a {brace} "quoted }" here`, got[0]["text"])
	assert.Contains(t, got[1], "nested")
	assert.Equal(t, true, got[2]["last"])
}

func TestArrayDecoder_Incomplete(t *testing.T) {
	d := NewArrayDecoder(strings.NewReader(`[{"a":1},{"b":`))

	_, err := d.Next()
	require.NoError(t, err)

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncompleteObject)
}

func TestArrayDecoder_Empty(t *testing.T) {
	d := NewArrayDecoder(strings.NewReader("[]"))
	_, err := d.Next()
	assert.Equal(t, io.EOF, err)
}
