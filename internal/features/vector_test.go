package features

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func smallVectorizer(layout Layout) Vectorizer {
	return Vectorizer{Buckets: 16, KeyStart: 2, KeyWidth: 1, Layout: layout}
}

func mustSlice(t *testing.T, data string) Slice {
	t.Helper()
	var s Slice
	require.NoError(t, s.UnmarshalJSON([]byte(data)))
	return s
}

func TestVectorizer_Columns(t *testing.T) {
	v := smallVectorizer(LayoutOverlapped)
	assert.Equal(t, 64, v.Columns(mustSlice(t, sliceJSON)))
	assert.Equal(t, 0, v.Columns(Slice{}))

	d := DefaultVectorizer()
	s := mustSlice(t, `{"SYS_READ": {"EVENT_NEAR": {}, "EVENT_FAR": {}}, "SYS_WRITE": {"EVENT_NEAR": {}}}`)
	assert.Equal(t, 0x1000*2*2, d.Columns(s))
}

func TestVectorizer_Bucket(t *testing.T) {
	d := DefaultVectorizer()

	b, err := d.Bucket("0xffffffff81234567")
	require.NoError(t, err)
	assert.Equal(t, 0x123, b)

	_, err = d.Bucket("0xfff")
	assert.True(t, errors.Is(err, ErrBadKey))

	_, err = d.Bucket("0xffffffff8zz34567")
	assert.True(t, errors.Is(err, ErrBadKey))

	small := Vectorizer{Buckets: 8, KeyStart: 2, KeyWidth: 1}
	_, err = small.Bucket("0xa")
	assert.True(t, errors.Is(err, ErrBadKey), "bucket beyond Buckets must fail")
}

func TestVectorizer_VectorOverlapped(t *testing.T) {
	x, err := smallVectorizer(LayoutOverlapped).Vector(mustSlice(t, sliceJSON))
	require.NoError(t, err)
	require.Len(t, x, 64)

	want := map[int]float64{3: 2, 5: 4, 17: 1, 19: 1}
	for i, v := range x {
		assert.Equal(t, want[i], v, "column %d", i)
	}
}

func TestVectorizer_VectorStrided(t *testing.T) {
	x, err := smallVectorizer(LayoutStrided).Vector(mustSlice(t, sliceJSON))
	require.NoError(t, err)

	want := map[int]float64{3: 2, 5: 4, 17: 1, 35: 1}
	for i, v := range x {
		assert.Equal(t, want[i], v, "column %d", i)
	}
}

func TestVectorizer_VectorAccumulates(t *testing.T) {
	s := mustSlice(t, `{"A": {"n": {"0x3": 2, "0x30": 5}}}`)
	v := Vectorizer{Buckets: 16, KeyStart: 2, KeyWidth: 1}

	x, err := v.Vector(s)
	require.NoError(t, err)
	assert.Equal(t, 7.0, x[3])
}

func TestVectorizer_VectorKeyOrderMatters(t *testing.T) {
	v := smallVectorizer(LayoutStrided)
	a, err := v.Vector(mustSlice(t, `{"A": {"n": {"0x1": 1}}, "B": {"n": {"0x2": 1}}}`))
	require.NoError(t, err)
	b, err := v.Vector(mustSlice(t, `{"B": {"n": {"0x2": 1}}, "A": {"n": {"0x1": 1}}}`))
	require.NoError(t, err)

	assert.Equal(t, 1.0, a[1])
	assert.Equal(t, 1.0, a[18])
	assert.Equal(t, 1.0, b[2])
	assert.Equal(t, 1.0, b[17])
}

func TestVectorizer_VectorOverflow(t *testing.T) {
	// The second epoch has more events than the reference epoch, so its last
	// block would land outside the vector.
	s := mustSlice(t, `{"A": {"n": {}}, "B": {"n": {}, "f": {"0x1": 1}}}`)
	_, err := smallVectorizer(LayoutStrided).Vector(s)
	assert.Error(t, err)
}

func TestVectorizer_Matrix(t *testing.T) {
	v := smallVectorizer(LayoutOverlapped)
	tr := &Trace{Slices: []Slice{mustSlice(t, sliceJSON), mustSlice(t, `{"A": {"n": {"0x1": 9}, "f": {}}, "B": {"n": {}, "f": {}}}`)}}

	m, err := v.Matrix(tr)
	require.NoError(t, err)
	r, c := m.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 64, c)
	assert.Equal(t, 2.0, m.At(0, 3))
	assert.Equal(t, 9.0, m.At(1, 1))
}

func TestVectorizer_MatrixErrors(t *testing.T) {
	v := smallVectorizer(LayoutOverlapped)

	_, err := v.Matrix(&Trace{})
	assert.True(t, errors.Is(err, ErrEmptyTrace))

	tr := &Trace{Slices: []Slice{mustSlice(t, sliceJSON), mustSlice(t, `{"A": {"n": {}}}`)}}
	_, err = v.Matrix(tr)
	assert.Error(t, err, "rows of different width must be rejected")

	_, err = v.Matrix(&Trace{Slices: []Slice{{}}})
	assert.Error(t, err)
}

func TestParseLayout(t *testing.T) {
	l, err := ParseLayout("Strided")
	require.NoError(t, err)
	assert.Equal(t, LayoutStrided, l)

	l, err = ParseLayout("")
	require.NoError(t, err)
	assert.Equal(t, LayoutOverlapped, l)
	assert.Equal(t, "overlapped", l.String())

	_, err = ParseLayout("diagonal")
	assert.Error(t, err)
}

func TestVectorizer_Validate(t *testing.T) {
	assert.NoError(t, DefaultVectorizer().Validate())
	assert.Error(t, Vectorizer{Buckets: 0, KeyWidth: 1}.Validate())
	assert.Error(t, Vectorizer{Buckets: 1, KeyWidth: 0}.Validate())
	assert.Error(t, Vectorizer{Buckets: 1, KeyWidth: 1, KeyStart: -1}.Validate())
}

func BenchmarkVectorizer_Vector(b *testing.B) {
	var s Slice
	if err := s.UnmarshalJSON([]byte(sliceJSON)); err != nil {
		b.Fatal(err)
	}
	v := smallVectorizer(LayoutOverlapped)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.Vector(s)
	}
}
