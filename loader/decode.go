// Package loader turns encoded textures and raw mesh data into cached assets and the upload tasks
// that fill them
package loader

import (
	"bufio"
	"bytes"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/ftrvxmtrx/tga"
	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/tiff"
	"golang.org/x/image/webp"
)

var ErrEmptyImage = errors.New("image has no pixels")

type imageFormat struct {
	name   string
	match  func(header []byte) bool
	decode func(io.Reader) (image.Image, error)
}

func magic(prefixes ...string) func([]byte) bool {
	return func(header []byte) bool {
		for _, prefix := range prefixes {
			if bytes.HasPrefix(header, []byte(prefix)) {
				return true
			}
		}
		return false
	}
}

func isWebP(header []byte) bool {
	return len(header) >= 12 && string(header[:4]) == "RIFF" && string(header[8:12]) == "WEBP"
}

// TGA has no magic number, so it is only tried once every format below has been ruled out
var imageFormats = []imageFormat{
	{name: "png", match: magic("\x89PNG\r\n\x1a\n"), decode: png.Decode},
	{name: "jpeg", match: magic("\xff\xd8"), decode: jpeg.Decode},
	{name: "gif", match: magic("GIF87a", "GIF89a"), decode: gif.Decode},
	{name: "bmp", match: magic("BM"), decode: bmp.Decode},
	{name: "tiff", match: magic("II*\x00", "MM\x00*"), decode: tiff.Decode},
	{name: "webp", match: isWebP, decode: webp.Decode},
}

const headerSize = 12

func decodeAny(r io.Reader) (image.Image, string, error) {
	buffered := bufio.NewReader(r)
	// A short read just means a short file; the decoders report that themselves
	header, _ := buffered.Peek(headerSize)

	for _, format := range imageFormats {
		if format.match(header) {
			img, err := format.decode(buffered)
			return img, format.name, err
		}
	}

	img, err := tga.Decode(buffered)
	if err != nil {
		return nil, "", errors.WithSecondaryError(errors.Wrap(image.ErrFormat, "not a png, jpeg, gif, bmp, tiff, webp or tga image"), err)
	}
	return img, "tga", nil
}

// DecodeImage decodes a PNG, JPEG, GIF, TGA, BMP, TIFF or WebP image into tightly packed,
// non-premultiplied RGBA with its origin at (0, 0)
func DecodeImage(r io.Reader) (*image.NRGBA, error) {
	src, format, err := decodeAny(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode image")
	}

	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, errors.Wrapf(ErrEmptyImage, "%s image", format)
	}

	if nrgba, ok := src.(*image.NRGBA); ok && bounds.Min == (image.Point{}) && nrgba.Stride == 4*bounds.Dx() {
		return nrgba, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(dst, dst.Bounds(), src, bounds.Min, draw.Src)
	return dst, nil
}
