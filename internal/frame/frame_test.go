package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneSharesNoMemory(t *testing.T) {
	f := New(2, 2, OrderRGB)
	f.Pix[0] = 10
	f.Seq = 7

	c := f.Clone()
	c.Pix[0] = 99

	assert.Equal(t, uint8(10), f.Pix[0])
	assert.Equal(t, uint64(7), c.Seq)
}

func TestToRGBASwapsBGR(t *testing.T) {
	f := New(1, 1, OrderBGR)
	copy(f.Pix, []byte{1, 2, 3})

	img := f.ToRGBA()
	assert.Equal(t, []byte{3, 2, 1, 0xff}, img.Pix[:4])

	r, g, b := f.RGB(0, 0)
	assert.Equal(t, [3]uint8{3, 2, 1}, [3]uint8{r, g, b})
}

func TestValidate(t *testing.T) {
	require.Error(t, (&Frame{}).Validate())

	f := New(4, 3, OrderRGB)
	require.NoError(t, f.Validate())

	f.Pix = f.Pix[:5]
	require.Error(t, f.Validate())
}

func TestResizeReusesBuffer(t *testing.T) {
	f := New(4, 4, OrderRGB)
	before := &f.Pix[0]

	f.Resize(2, 2)
	assert.Len(t, f.Pix, 12)
	assert.Same(t, before, &f.Pix[0])

	f.Resize(8, 8)
	assert.Len(t, f.Pix, 8*8*Channels)
}
