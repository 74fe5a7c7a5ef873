package volume

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"mtnormalise/internal/models"
)

func testVolume() *models.Volume {
	header := models.Header{
		Dims:   [4]int{3, 2, 2, 2},
		Affine: models.ScaledAffine(1.5, 1.5, 3),
	}
	header.SetMeta("source", "unit-test")
	vol := models.NewVolume(header)
	for i := range vol.Data {
		vol.Data[i] = float64(i)*0.25 - 2
	}
	return vol
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, codec := range []Codec{CodecNone, CodecGzip, CodecLZ4} {
		t.Run(codec.String(), func(t *testing.T) {
			vol := testVolume()
			data, err := Encode(vol, codec)
			require.NoError(t, err)

			got, err := Decode(data)
			require.NoError(t, err)
			require.Equal(t, vol.Header.Dims, got.Header.Dims)
			require.Equal(t, vol.Header.Affine, got.Header.Affine)
			require.Equal(t, vol.Header.Meta, got.Header.Meta)
			require.Equal(t, vol.Data, got.Data)
		})
	}
}

func TestDecodeRejectsCorruptPayload(t *testing.T) {
	vol := testVolume()
	data, err := Encode(vol, CodecNone)
	require.NoError(t, err)

	// Flip a bit in the last payload byte; the checksum must catch it.
	data[len(data)-1] ^= 0x01
	_, err = Decode(data)
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum")
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	vol := testVolume()
	data, err := Encode(vol, CodecGzip)
	require.NoError(t, err)

	data[0] = 'X'
	_, err = Decode(data)
	require.Error(t, err)
}

func TestOpenCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tissue.mtv")
	vol := testVolume()

	require.NoError(t, Create(path, vol, false))

	got, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, vol.Data, got.Data)

	// Existing target without force is a conflict.
	err = Create(path, vol, false)
	require.ErrorIs(t, err, ErrOutputExists)

	// With force the file is replaced.
	vol.Data[0] = 42
	require.NoError(t, Create(path, vol, true))
	got, err = Open(path)
	require.NoError(t, err)
	require.Equal(t, 42.0, got.Data[0])

	// No temp file may linger.
	_, err = os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mtv"))
	require.Error(t, err)
}

func TestMaskVolumeConversion(t *testing.T) {
	mask := models.NewMask(2, 2, 1)
	mask.Data[1] = true
	mask.Data[2] = true

	vol := MaskToVolume(mask, models.IdentityAffine())
	require.Equal(t, []float64{0, 1, 1, 0}, vol.Data)

	back := VolumeToMask(vol)
	require.True(t, back.Equal(mask))

	// Non-finite and negative values never select a voxel.
	vol.Data[0] = math.NaN()
	vol.Data[3] = -1
	back = VolumeToMask(vol)
	require.True(t, back.Equal(mask))
}
