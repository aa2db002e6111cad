package console

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarker(t *testing.T) {
	cases := []struct {
		line   string
		ok     bool
		expect Marker
	}{
		{line: "$R$1 42", ok: true, expect: Marker{ID: 1, Outcome: Success, Payload: "42"}},
		{line: "\r\x1b[J$R$17 {\"a\":1}", ok: true, expect: Marker{ID: 17, Outcome: Success, Payload: "{\"a\":1}"}},
		{line: "\x1b[J$E$3 {\"message\":\"x\"}", ok: true, expect: Marker{ID: 3, Outcome: Failure, Payload: "{\"message\":\"x\"}"}},
		{line: "$R$2 undefined", ok: true, expect: Marker{ID: 2, Outcome: Success, Payload: "undefined"}},
		{line: "$R$2 a b", ok: true, expect: Marker{ID: 2, Outcome: Success, Payload: "a b"}},
		{line: "$X$1 42"},
		{line: "$R$ 42"},
		{line: "$R$1"},
		{line: "$R$1 "},
		{line: "$R$1x 42"},
		{line: "print $R$1 42"},
		{line: "\x1b[2J$R$1 42"},
		{line: ""},
	}
	for _, c := range cases {
		t.Run(c.line, func(t *testing.T) {
			m, ok := ParseMarker(c.line)
			require.Equal(t, c.ok, ok)
			assert.Equal(t, c.expect, m)
		})
	}
}

func TestMarkerDecode(t *testing.T) {
	t.Run("value", func(t *testing.T) {
		v, err := Marker{ID: 1, Payload: `{"a":[1,2]}`}.Decode()
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":[1,2]}`, string(v))
	})
	t.Run("undefined is absent, not an error", func(t *testing.T) {
		v, err := Marker{ID: 1, Payload: "undefined"}.Decode()
		require.NoError(t, err)
		assert.Nil(t, v)
	})
	t.Run("invalid JSON keeps the raw payload", func(t *testing.T) {
		_, err := Marker{ID: 9, Payload: "{oops"}.Decode()
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, uint64(9), perr.ID)
		assert.Equal(t, "{oops", perr.Payload)
	})
	t.Run("remote error keeps message and stack", func(t *testing.T) {
		_, err := Marker{ID: 1, Outcome: Failure, Payload: `{"message":"x is not defined","stack":"at line 1 col 1"}`}.Decode()
		var rerr *RemoteError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, "x is not defined", rerr.Message)
		assert.Equal(t, "at line 1 col 1", rerr.Stack)
		assert.EqualError(t, err, "x is not defined")
	})
	t.Run("undecodable remote error", func(t *testing.T) {
		_, err := Marker{ID: 1, Outcome: Failure, Payload: "nope"}.Decode()
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
	})
}

func TestHarness(t *testing.T) {
	h := harness(7, "1+1; \n")
	assert.Equal(t, "\x10Promise.resolve().then(function(){try{return global.eval(\"1+1\")}catch(e){return Promise.reject(e);}})"+
		".then(r=>print('$R$7',JSON.stringify(r)))"+
		".catch(e=>print('$E$7',JSON.stringify({message:e.message,stack:e.stack})))\n", h)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"a\"b\n<tag>"`, Quote("a\"b\n<tag>"))
}
