package request

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeIsOrderIndependent(t *testing.T) {
	a := New()
	a.Insert("VARIABLE", "air_temperature")
	a.InsertInt("LEVELTYPE", 2)
	a.Insert("FILTER_BBOX", "-10/40/10/60")

	b := New()
	b.Insert("FILTER_BBOX", "-10/40/10/60")
	b.Insert("VARIABLE", "air_temperature")
	b.InsertInt("LEVELTYPE", 2)

	assert.Equal(t, a.Encode(), b.Encode())
	assert.True(t, a.Equal(b))
}

func TestCanonicalRoundTrip(t *testing.T) {
	r := New()
	r.Insert("VARIABLE", "wind_speed")
	r.InsertInt("MEMBER", 7)
	r.InsertTime("INIT_TIME", time.Date(2024, 10, 1, 0, 0, 0, 0, time.UTC))
	r.InsertVec3("THINOUT_STRIDE", 2, 2, 1)

	encoded := r.Encode()
	parsed := Parse(encoded)
	require.True(t, r.Equal(parsed), "parse(serialize(r)) must equal r")
	assert.Equal(t, encoded, parsed.Encode(),
		"serialize(parse(serialize(r))) must be string-identical")
}

func TestTypedAccessors(t *testing.T) {
	r := New()
	r.Insert("N", "42")
	r.Insert("F", "1.5")
	r.Insert("BAD", "not-a-number")
	ts := time.Date(2023, 5, 17, 12, 0, 0, 0, time.UTC)
	r.InsertTime("T", ts)

	n, ok := r.IntValue("N")
	require.True(t, ok)
	assert.Equal(t, 42, n)

	f, ok := r.FloatValue("F")
	require.True(t, ok)
	assert.Equal(t, 1.5, f)

	got, ok := r.TimeValue("T")
	require.True(t, ok)
	assert.True(t, ts.Equal(got))

	_, ok = r.IntValue("BAD")
	assert.False(t, ok, "malformed value must signal failure, not a zero")
	_, ok = r.IntValue("ABSENT")
	assert.False(t, ok)
}

func TestRemoveSemantics(t *testing.T) {
	r := New()
	r.Insert("A", "1")
	r.Insert("B", "2")
	r.Insert("C", "3")

	r.Remove("ABSENT") // no-op, not an error
	assert.Equal(t, 3, r.Len())

	r.RemoveAll([]string{"A", "C"})
	assert.Equal(t, "B=2", r.Encode())

	r.Insert("A", "1")
	r.Insert("C", "3")
	r.RemoveAllExcept([]string{"C"})
	assert.Equal(t, "C=3", r.Encode())
}

func TestSubRequestAndPrefixes(t *testing.T) {
	r := New()
	r.Insert("SHADOW.VARIABLE", "q")
	r.Insert("SHADOW.MEMBER", "3")
	r.Insert("VARIABLE", "t")

	sub := r.SubRequest("SHADOW.")
	assert.Equal(t, "MEMBER=3;VARIABLE=q", sub.Encode())
	// The source request is untouched.
	assert.Equal(t, 3, r.Len())

	sub.AddKeyPrefix("IN.")
	assert.Equal(t, "IN.MEMBER=3;IN.VARIABLE=q", sub.Encode())
	sub.RemoveKeyPrefix("IN.")
	assert.Equal(t, "MEMBER=3;VARIABLE=q", sub.Encode())
}

func TestUnitePrecedence(t *testing.T) {
	a := New()
	a.Insert("X", "from-a")
	a.Insert("ONLY_A", "1")

	b := New()
	b.Insert("X", "from-b")
	b.Insert("ONLY_B", "2")

	a.Unite(b)
	assert.Equal(t, "from-b", a.Value("X"))
	assert.Equal(t, "1", a.Value("ONLY_A"))
	assert.Equal(t, "2", a.Value("ONLY_B"))
}

func TestIntSetIsSorted(t *testing.T) {
	a := New()
	a.InsertIntSet("MEMBERS", []int{9, 1, 5})
	b := New()
	b.InsertIntSet("MEMBERS", []int{5, 9, 1})
	assert.Equal(t, a.Encode(), b.Encode())
	assert.Equal(t, []int{1, 5, 9}, a.IntSetValue("MEMBERS"))
}
