package audio

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPCM16BytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234, -4321}
	data := PCM16ToBytes(samples)
	require.Len(t, data, len(samples)*2)

	// Little-endian: 1234 = 0x04D2
	assert.Equal(t, []byte{0xD2, 0x04}, data[10:12])
	assert.Equal(t, samples, BytesToPCM16(data))
}

func TestBytesToPCM16DropsOddByte(t *testing.T) {
	samples := BytesToPCM16([]byte{0x01, 0x00, 0xFF, 0xFF, 0x7F})
	assert.Equal(t, []int16{1, -1}, samples)

	assert.Empty(t, BytesToPCM16([]byte{0x01}))
	assert.Empty(t, BytesToPCM16(nil))
}

func TestPCM16ToFloat(t *testing.T) {
	floats := PCM16ToFloat([]int16{0, 32767, -32767, 16384})
	assert.Equal(t, float32(0), floats[0])
	assert.Equal(t, float32(1), floats[1])
	assert.Equal(t, float32(-1), floats[2])
	assert.InDelta(t, 0.5, floats[3], 0.001)
}

func TestFloatToPCM16Clamps(t *testing.T) {
	samples := FloatToPCM16([]float32{0, 1, -1, 2.5, -7, 0.5, float32(math.NaN())})
	assert.Equal(t, []int16{0, 32767, -32767, 32767, -32767, 16384, 0}, samples)
}

func TestFloatRoundTripIsExact(t *testing.T) {
	in := []int16{-32767, -1000, -200, -1, 0, 1, 100, 1000, 32767}
	assert.Equal(t, in, FloatToPCM16(PCM16ToFloat(in)))
}

func TestMultiRenderer(t *testing.T) {
	var calls []string
	first := RendererFunc(func(samples []float32, rate int) error {
		calls = append(calls, "first")
		return errors.New("device busy")
	})
	second := RendererFunc(func(samples []float32, rate int) error {
		calls = append(calls, "second")
		assert.Equal(t, 16000, rate)
		return nil
	})

	err := MultiRenderer{first, nil, second}.Render([]float32{0.1}, 16000)
	assert.EqualError(t, err, "device busy")
	assert.Equal(t, []string{"first", "second"}, calls)

	assert.NoError(t, MultiRenderer{}.Render(nil, 16000))
}

func TestBufferCapturer(t *testing.T) {
	c := NewBufferCapturer()

	_, err := c.Stop()
	assert.ErrorIs(t, err, ErrNotRecording)
	assert.False(t, c.Write([]int16{1}), "samples outside a recording are dropped")

	require.NoError(t, c.Start())
	assert.True(t, c.Recording())
	c.Write([]int16{1, 2})
	require.NoError(t, c.Start())
	c.Write([]int16{3})

	samples, err := c.Stop()
	require.NoError(t, err)
	assert.Equal(t, []int16{1, 2, 3}, samples)
	assert.False(t, c.Recording())

	require.NoError(t, c.Start())
	samples, err = c.Stop()
	require.NoError(t, err)
	assert.Empty(t, samples)
}

func TestFileRenderer(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "clips")
	r, err := NewFileRenderer(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, r.Dir())

	require.NoError(t, r.Render([]float32{0, 1, -1}, 16000))
	require.NoError(t, r.Render([]float32{0.5}, 16000))
	assert.Equal(t, 2, r.Written())

	samples, err := ReadPCMFile(filepath.Join(dir, "clip-0001.pcm"))
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 32767, -32767}, samples)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestReadPCMFileMissing(t *testing.T) {
	_, err := ReadPCMFile(filepath.Join(t.TempDir(), "missing.pcm"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
