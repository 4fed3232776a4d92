package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAny(t *testing.T, src string) AnyValue {
	t.Helper()
	var v AnyValue
	require.NoError(t, json.Unmarshal([]byte(src), &v))
	return v
}

func TestAnyValueKeepsIntFloatDistinction(t *testing.T) {
	i := decodeAny(t, `7`)
	n, ok := i.Int()
	require.True(t, ok)
	assert.Equal(t, int64(7), n)

	f := decodeAny(t, `7.0`)
	_, ok = f.Int()
	assert.False(t, ok, "7.0 must not decode as integer")
	fv, ok := f.Float()
	require.True(t, ok)
	assert.Equal(t, 7.0, fv)

	// The two are distinct values even though numerically equal.
	assert.False(t, i.Equal(f))
}

func TestAnyValueIntegralFloatReencodesWithFraction(t *testing.T) {
	out, err := json.Marshal(decodeAny(t, `7.0`))
	require.NoError(t, err)
	assert.Equal(t, `7.0`, string(out))

	out, err = json.Marshal(decodeAny(t, `7`))
	require.NoError(t, err)
	assert.Equal(t, `7`, string(out))
}

func TestAnyValueRoundTrip(t *testing.T) {
	sources := []string{
		`null`,
		`true`,
		`false`,
		`42`,
		`-9007199254740993`,
		`3.25`,
		`1e300`,
		`"hello \"world\""`,
		`[]`,
		`[1,2.0,"three",null,[true]]`,
		`{"a":1,"b":{"c":[1.5,"x"]},"z":null}`,
	}
	for _, src := range sources {
		v := decodeAny(t, src)
		out, err := json.Marshal(v)
		require.NoError(t, err, src)

		var back AnyValue
		require.NoError(t, json.Unmarshal(out, &back), src)
		assert.True(t, v.Equal(back), "round trip changed %s -> %s", src, out)
	}
}

func TestAnyValueMapKeysSorted(t *testing.T) {
	v := MapVal(map[string]AnyValue{
		"zebra": IntVal(1),
		"alpha": IntVal(2),
		"mid":   IntVal(3),
	})
	out, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zebra":1}`, string(out))
}

func TestAnyValueAccessors(t *testing.T) {
	v := decodeAny(t, `{"name":"roost","count":3,"ratio":0.5,"on":true,"items":[1]}`)

	s, ok := v.Get("name").String()
	require.True(t, ok)
	assert.Equal(t, "roost", s)

	n, ok := v.Get("count").Int()
	require.True(t, ok)
	assert.Equal(t, int64(3), n)

	// Float accepts integers too.
	f, ok := v.Get("count").Float()
	require.True(t, ok)
	assert.Equal(t, 3.0, f)

	b, ok := v.Get("on").Bool()
	require.True(t, ok)
	assert.True(t, b)

	l, ok := v.Get("items").List()
	require.True(t, ok)
	assert.Len(t, l, 1)

	assert.True(t, v.Get("absent").IsNull())
	assert.True(t, StringVal("x").Get("anything").IsNull())
}

func TestAnyValueEqualIgnoresMapOrder(t *testing.T) {
	a := decodeAny(t, `{"x":1,"y":[1,2]}`)
	b := decodeAny(t, `{"y":[1,2],"x":1}`)
	assert.True(t, a.Equal(b))

	c := decodeAny(t, `{"x":1,"y":[2,1]}`)
	assert.False(t, a.Equal(c), "list order matters")
}

func TestAnyValueInvalidInput(t *testing.T) {
	var v AnyValue
	assert.Error(t, json.Unmarshal([]byte(``), &v))
	assert.Error(t, json.Unmarshal([]byte(`nope`), &v))
	assert.Error(t, json.Unmarshal([]byte(`1.2.3`), &v))
}
