package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"

	"github.com/your-org/attend/internal/observability"
)

// ErrInvalidImage is returned for uploads that cannot be used as a face crop.
var ErrInvalidImage = errors.New("invalid face image")

// MinFaceSize is the smallest accepted face crop edge in pixels.
const MinFaceSize = 48

// FaceExtractor turns an uploaded face crop into an ArcFace embedding.
// Face detection happens on the kiosk; the image is expected to contain a
// single, roughly centred face.
type FaceExtractor struct {
	model *arcFace
}

// NewFaceExtractor loads the ArcFace model from modelsDir.
func NewFaceExtractor(modelsDir string) (*FaceExtractor, error) {
	embPath := filepath.Join(modelsDir, "w600k_r50.onnx")
	slog.Info("loading embedding model", "path", embPath)
	m, err := loadArcFace(embPath)
	if err != nil {
		return nil, fmt.Errorf("load embedder: %w", err)
	}
	slog.Info("embedding model ready", "input", m.io.input, "size", m.io.size, "dim", m.io.dim)
	return &FaceExtractor{model: m}, nil
}

// Extract decodes imageData and returns the L2-normalised embedding together
// with a quality score in [0, 1] derived from the crop resolution. Unusable
// images yield ErrInvalidImage or ErrDegenerateEmbedding; runtime failures
// yield *InferenceError.
func (f *FaceExtractor) Extract(imageData []byte) ([]float32, float32, error) {
	start := time.Now()
	img, err := DecodeFace(imageData)
	if err != nil {
		return nil, 0, err
	}
	size := f.model.io.size
	input := PreprocessForEmbedding(img, size, size)
	observability.InferenceDuration.WithLabelValues("preprocess").Observe(time.Since(start).Seconds())

	start = time.Now()
	embedding, err := f.model.embed(input)
	if err != nil {
		return nil, 0, err
	}
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())

	return embedding, Quality(img, size), nil
}

func (f *FaceExtractor) Dim() int {
	return f.model.io.dim
}

func (f *FaceExtractor) Close() {
	if f.model != nil {
		f.model.close()
	}
}

// DecodeFace decodes a JPEG or PNG face crop and checks its size.
func DecodeFace(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: decode image: %v", ErrInvalidImage, err)
	}
	b := img.Bounds()
	if b.Dx() < MinFaceSize || b.Dy() < MinFaceSize {
		return nil, fmt.Errorf("%w: face crop %dx%d is smaller than %dx%d",
			ErrInvalidImage, b.Dx(), b.Dy(), MinFaceSize, MinFaceSize)
	}
	return img, nil
}

// Quality grows with the shorter crop edge and saturates at the model input size.
func Quality(img image.Image, inputSize int) float32 {
	b := img.Bounds()
	edge := b.Dx()
	if b.Dy() < edge {
		edge = b.Dy()
	}
	q := float32(edge) / float32(inputSize)
	if q > 1 {
		q = 1
	}
	return q
}

// PreprocessForEmbedding produces the ArcFace input tensor: a centre square
// crop resized to targetW x targetH, CHW layout, (pixel - 127.5) / 127.5.
func PreprocessForEmbedding(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(squareCrop(img), targetW, targetH,
		[3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
}

// imageToFloat32CHW converts an image to CHW float32 format with normalization:
//
//	pixel = (pixel - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := resizeImage(img, targetW, targetH)
	w, h := targetW, targetH

	data := make([]float32, 3*h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := resized.PixOffset(x, y)
			idx := y*w + x
			data[0*h*w+idx] = (float32(resized.Pix[off]) - mean[0]) / std[0]
			data[1*h*w+idx] = (float32(resized.Pix[off+1]) - mean[1]) / std[1]
			data[2*h*w+idx] = (float32(resized.Pix[off+2]) - mean[2]) / std[2]
		}
	}
	return data
}

func resizeImage(img image.Image, targetW, targetH int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}

// squareCrop returns the largest centred square of img.
func squareCrop(img image.Image) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == h {
		return img
	}
	side := w
	if h < side {
		side = h
	}
	x0 := b.Min.X + (w-side)/2
	y0 := b.Min.Y + (h-side)/2
	r := image.Rect(x0, y0, x0+side, y0+side)

	dst := image.NewRGBA(image.Rect(0, 0, side, side))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}
