// Package preprocess turns uploaded image bytes into the classifier's input
// tensor: decode, 3-channel colour, bilinear resize, [0,1] scaling, CHW layout.
//
// The resize filter is pinned to bilinear. The breed classifier was trained on
// bilinear-resized inputs and a different filter degrades accuracy silently.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	Channels    = 3
	DefaultSize = 224

	// DefaultMaxPixels caps the declared width×height of an upload.
	DefaultMaxPixels = 25_000_000
)

// Interpolation is the resize filter. Changing it invalidates the model.
const Interpolation = resize.Bilinear

var (
	ErrDecode    = errors.New("image decode failed")
	ErrEmptyData = errors.New("image data is empty")
)

// Tensor is a channel-first float32 image with values in [0,1].
// Release returns its buffer to the preprocessor; Data must not be used afterwards.
type Tensor struct {
	Shape [3]int
	Data  []float32

	pool *sync.Pool
}

// Release hands the buffer back for reuse. Safe to call more than once.
func (t *Tensor) Release() {
	if t.pool == nil || t.Data == nil {
		return
	}
	buf := t.Data
	t.Data = nil
	t.pool.Put(&buf)
}

// Preprocessor is safe for concurrent use.
type Preprocessor struct {
	size      int
	maxPixels int
	pool      sync.Pool
}

type Option func(*Preprocessor)

// WithMaxPixels rejects images whose header declares more than n pixels.
// Zero or less keeps DefaultMaxPixels.
func WithMaxPixels(n int) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxPixels = n
		}
	}
}

func New(size int, opts ...Option) *Preprocessor {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Preprocessor{size: size, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(p)
	}
	n := Channels * size * size
	p.pool.New = func() any {
		buf := make([]float32, n)
		return &buf
	}
	return p
}

func (p *Preprocessor) Size() int      { return p.size }
func (p *Preprocessor) MaxPixels() int { return p.maxPixels }

// Transform decodes data and produces a Channels×size×size tensor.
func (p *Preprocessor) Transform(data []byte) (Tensor, error) {
	img, err := decode(data, p.maxPixels)
	if err != nil {
		return Tensor{}, err
	}

	resized := resize.Resize(uint(p.size), uint(p.size), opaque(img), Interpolation)

	buf := p.pool.Get().(*[]float32)
	tensor := Tensor{
		Shape: [3]int{Channels, p.size, p.size},
		Data:  *buf,
		pool:  &p.pool,
	}
	fill(tensor.Data, resized, p.size)
	return tensor, nil
}

// Decode reads any registered raster format: JPEG, PNG, GIF, BMP, WebP.
// Images declaring more than DefaultMaxPixels are rejected before decoding.
func Decode(data []byte) (image.Image, error) {
	return decode(data, DefaultMaxPixels)
}

func decode(data []byte, maxPixels int) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrDecode, ErrEmptyData)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}
	return img, nil
}

// opaque drops alpha: colour channels keep their non-premultiplied values and
// alpha becomes 0xff. Images that are already opaque are returned as is.
func opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}

	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.SetRGBA(x-bounds.Min.X, y-bounds.Min.Y, color.RGBA{R: c.R, G: c.G, B: c.B, A: 0xff})
		}
	}
	return out
}

// fill writes R, G and B planes from an opaque image; gray images yield three
// equal planes.
func fill(dst []float32, img image.Image, size int) {
	bounds := img.Bounds()
	plane := size * size

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := y*size + x
			dst[i] = float32(r) / 65535.0
			dst[plane+i] = float32(g) / 65535.0
			dst[2*plane+i] = float32(b) / 65535.0
		}
	}
}
