package volume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sort"

	"mtnormalise/internal/models"
)

// ErrOutputExists is reported by Create when the target file already
// exists and overwriting was not permitted.
var ErrOutputExists = errors.New("output file already exists")

// maxDims is the highest dimensionality a container may declare.
const maxDims = 4

// Open reads a volume container from path. Volumes with fewer than four
// declared axes are elevated to 4D with trailing axes of size one, so
// every loaded volume presents a consistent X,Y,Z,T shape. The payload
// checksum is verified; a mismatch is an I/O error.
func Open(path string) (*models.Volume, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open volume %q: %w", path, err)
	}
	vol, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("open volume %q: %w", path, err)
	}
	return vol, nil
}

// Create writes vol to path with the default gzip codec. It refuses to
// replace an existing file unless force is set, and never leaves a
// partially written file behind under the final name.
func Create(path string, vol *models.Volume, force bool) error {
	return CreateWithCodec(path, vol, CodecGzip, force)
}

// CreateWithCodec is Create with an explicit payload codec.
func CreateWithCodec(path string, vol *models.Volume, codec Codec, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%w: %q (use -force to overwrite)", ErrOutputExists, path)
	}

	data, err := Encode(vol, codec)
	if err != nil {
		return fmt.Errorf("create volume %q: %w", path, err)
	}

	// Write through a temp file so an interrupted run cannot leave a
	// truncated container under the final name.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("create volume %q: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("create volume %q: %w", path, err)
	}
	return nil
}

// Encode serialises vol into container bytes using the given codec.
func Encode(vol *models.Volume, codec Codec) ([]byte, error) {
	if !codec.valid() {
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	for i, d := range vol.Header.Dims {
		if d < 1 {
			return nil, fmt.Errorf("axis %d has non-positive size %d", i, d)
		}
	}
	want := vol.Header.SpatialCount() * vol.Header.Dims[3]
	if len(vol.Data) != want {
		return nil, fmt.Errorf("data length %d does not match dimensions %v", len(vol.Data), vol.Header.Dims)
	}

	ndim := uint8(3)
	if vol.Header.Dims[3] > 1 {
		ndim = 4
	}

	raw := encodeFloats(vol.Data)
	compressed, err := compressPayload(codec, raw)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Write(formatMagic[:])
	buf.WriteByte(formatVersion)
	buf.WriteByte(byte(codec))
	buf.WriteByte(ndim)
	for _, d := range vol.Header.Dims {
		binary.Write(&buf, binary.LittleEndian, uint32(d))
	}
	for _, row := range vol.Header.Affine.M {
		for _, v := range row {
			binary.Write(&buf, binary.LittleEndian, v)
		}
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(vol.Header.Meta)))
	for _, key := range sortedMetaKeys(vol.Header.Meta) {
		writeString(&buf, key)
		writeString(&buf, vol.Header.Meta[key])
	}
	binary.Write(&buf, binary.LittleEndian, uint64(len(raw)))
	binary.Write(&buf, binary.LittleEndian, checksum(raw))
	buf.Write(compressed)
	return buf.Bytes(), nil
}

// Decode parses container bytes produced by Encode.
func Decode(data []byte) (*models.Volume, error) {
	r := bytes.NewReader(data)

	var magic [4]byte
	if _, err := r.Read(magic[:]); err != nil || magic != formatMagic {
		return nil, errors.New("not a volume container (bad magic)")
	}
	version, _ := r.ReadByte()
	if version != formatVersion {
		return nil, fmt.Errorf("unsupported container version %d", version)
	}
	codecByte, _ := r.ReadByte()
	codec := Codec(codecByte)
	if !codec.valid() {
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	ndim, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("truncated container header")
	}
	if int(ndim) > maxDims {
		return nil, fmt.Errorf("volume contains more than %d dimensions (%d)", maxDims, ndim)
	}

	var header models.Header
	for i := range header.Dims {
		var d uint32
		if err := binary.Read(r, binary.LittleEndian, &d); err != nil {
			return nil, errors.New("truncated container header")
		}
		if d < 1 {
			return nil, fmt.Errorf("axis %d has non-positive size %d", i, d)
		}
		header.Dims[i] = int(d)
	}
	for i := range header.Affine.M {
		for j := range header.Affine.M[i] {
			if err := binary.Read(r, binary.LittleEndian, &header.Affine.M[i][j]); err != nil {
				return nil, errors.New("truncated container header")
			}
		}
	}

	var metaCount uint32
	if err := binary.Read(r, binary.LittleEndian, &metaCount); err != nil {
		return nil, errors.New("truncated container header")
	}
	for i := uint32(0); i < metaCount; i++ {
		key, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read metadata: %w", err)
		}
		value, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("read metadata: %w", err)
		}
		header.SetMeta(key, value)
	}

	var payloadSize, payloadHash uint64
	if err := binary.Read(r, binary.LittleEndian, &payloadSize); err != nil {
		return nil, errors.New("truncated container header")
	}
	if err := binary.Read(r, binary.LittleEndian, &payloadHash); err != nil {
		return nil, errors.New("truncated container header")
	}

	compressed := make([]byte, r.Len())
	if _, err := r.Read(compressed); err != nil && len(compressed) > 0 {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	raw, err := decompressPayload(codec, compressed, payloadSize)
	if err != nil {
		return nil, err
	}
	if got := checksum(raw); got != payloadHash {
		return nil, fmt.Errorf("payload checksum mismatch: header %016x, payload %016x", payloadHash, got)
	}

	vol := models.NewVolume(header)
	if err := decodeFloats(raw, vol.Data); err != nil {
		return nil, err
	}
	return vol, nil
}

// MaskToVolume renders a mask as a 3D volume of 0/1 values, carrying
// the given affine, for writing with Create.
func MaskToVolume(mask *models.Mask, affine models.Affine) *models.Volume {
	header := models.Header{
		Dims:   [4]int{mask.Dims[0], mask.Dims[1], mask.Dims[2], 1},
		Affine: affine,
	}
	vol := models.NewVolume(header)
	for i, b := range mask.Data {
		if b {
			vol.Data[i] = 1
		}
	}
	return vol
}

// VolumeToMask thresholds a 3D volume into a mask: any strictly
// positive, finite value selects the voxel.
func VolumeToMask(vol *models.Volume) *models.Mask {
	mask := models.NewMask(vol.Header.Dims[0], vol.Header.Dims[1], vol.Header.Dims[2])
	frame := vol.Frame(0)
	for i, v := range frame {
		mask.Data[i] = models.IsFinite(v) && v > 0
	}
	return mask
}

func writeString(buf *bytes.Buffer, s string) {
	binary.Write(buf, binary.LittleEndian, uint32(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", errors.New("truncated string")
	}
	if uint32(r.Len()) < n {
		return "", errors.New("truncated string")
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil && n > 0 {
		return "", err
	}
	return string(b), nil
}

func sortedMetaKeys(meta map[string]string) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	// Deterministic output bytes for identical volumes.
	sort.Strings(keys)
	return keys
}
