package bootloader

import (
	"os"

	"github.com/pkg/errors"

	"canflash/protocol"
)

// Image is an immutable firmware image. Chunks are sliced on demand.
type Image struct {
	path string
	data []byte
}

// NewImage copies data into an image after checking it fits the flash bank.
func NewImage(data []byte) (*Image, error) {
	if err := checkSize(len(data)); err != nil {
		return nil, err
	}
	return &Image{data: append([]byte(nil), data...)}, nil
}

// LoadImage reads a raw binary image from disk.
func LoadImage(path string) (*Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	if info.IsDir() {
		return nil, errors.Wrapf(ErrInvalidImage, "%s is a directory", path)
	}
	if err := checkSize(int(info.Size())); err != nil {
		return nil, errors.WithMessage(err, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidImage, err.Error())
	}
	if err := checkSize(len(data)); err != nil {
		return nil, errors.WithMessage(err, path)
	}
	return &Image{path: path, data: data}, nil
}

func checkSize(n int) error {
	if n == 0 {
		return errors.Wrap(ErrInvalidImage, "image is empty")
	}
	if n > protocol.MaxFirmwareSize {
		return errors.Wrapf(ErrSizeExceeded, "image is %d bytes, flash bank holds %d", n, protocol.MaxFirmwareSize)
	}
	return nil
}

// Path returns the file the image was loaded from, if any.
func (img *Image) Path() string { return img.path }

// Len returns the image size in bytes.
func (img *Image) Len() int { return len(img.data) }

// Chunks returns the number of Data frames needed for the image.
func (img *Image) Chunks() int {
	return (len(img.data) + protocol.ChunkPayloadSize - 1) / protocol.ChunkPayloadSize
}

// Chunk returns the data bytes of chunk i, without padding.
func (img *Image) Chunk(i int) []byte {
	start := i * protocol.ChunkPayloadSize
	end := min(start+protocol.ChunkPayloadSize, len(img.data))
	return img.data[start:end]
}

// Prefix returns the data bytes of chunks [0, n).
func (img *Image) Prefix(n int) []byte {
	return img.data[:min(n*protocol.ChunkPayloadSize, len(img.data))]
}

// CRC returns the finalized image CRC sent in the End command.
func (img *Image) CRC() uint32 {
	return protocol.CRC32(img.data)
}

// dataFrame builds the Data payload for chunk i: sequence byte, data, 0xFF padding.
func dataFrame(seq uint8, chunk []byte) []byte {
	frame := make([]byte, 1+protocol.ChunkPayloadSize)
	frame[0] = seq
	n := copy(frame[1:], chunk)
	for i := 1 + n; i < len(frame); i++ {
		frame[i] = protocol.ChunkPadding
	}
	return frame
}
