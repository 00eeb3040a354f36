package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"time"
)

// Request is the input of one generation run.
type Request struct {
	JobID   string
	TakeID  string
	ShotID  string
	Params  map[string]any
	Quality string
}

// Output is the media produced by a generator. Thumbnail may be nil.
type Output struct {
	Media     []byte
	Thumbnail []byte
}

// ProgressFunc reports progress in percent (0-100) with a step label.
type ProgressFunc func(progress int, step string)

// Generator performs the generative computation of a job.
type Generator interface {
	Generate(ctx context.Context, req Request, progress ProgressFunc) (*Output, error)
}

var ErrGenerationRejected = errors.New("generation rejected")

// DefaultStepDelay paces the placeholder steps so progress is observable.
const DefaultStepDelay = 500 * time.Millisecond

var placeholderSteps = []string{"prepare", "render", "encode"}

var placeholderSizes = map[string]image.Point{
	"draft":    {X: 320, Y: 180},
	"standard": {X: 640, Y: 360},
	"high":     {X: 1280, Y: 720},
}

// PlaceholderGenerator renders a solid frame whose color is derived from
// the request params. Params {"fail": true} makes the run fail.
type PlaceholderGenerator struct {
	StepDelay time.Duration
}

func NewPlaceholderGenerator(stepDelay time.Duration) *PlaceholderGenerator {
	return &PlaceholderGenerator{StepDelay: stepDelay}
}

func (g *PlaceholderGenerator) Generate(ctx context.Context, req Request, progress ProgressFunc) (*Output, error) {
	size, ok := placeholderSizes[req.Quality]
	if !ok {
		size = placeholderSizes["standard"]
	}

	for i, step := range placeholderSteps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.StepDelay):
		}

		if fail, _ := req.Params["fail"].(bool); fail && step == "render" {
			return nil, fmt.Errorf("%w: render failed for take %s", ErrGenerationRejected, req.TakeID)
		}

		progress((i+1)*100/(len(placeholderSteps)+1), step)
	}

	fill := paramsColor(req)

	media, err := encodeFrame(size, fill, png.Encode)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}

	thumbnail, err := encodeFrame(image.Point{X: 160, Y: 90}, fill, func(w io.Writer, img image.Image) error {
		return jpeg.Encode(w, img, &jpeg.Options{Quality: 70})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
	}

	return &Output{Media: media, Thumbnail: thumbnail}, nil
}

func paramsColor(req Request) color.RGBA {
	hash := fnv.New32a()
	_, _ = fmt.Fprintf(hash, "%s|%v", req.ShotID, req.Params["seed"])
	sum := hash.Sum32()

	return color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 255}
}

func encodeFrame(size image.Point, fill color.RGBA, encode func(io.Writer, image.Image) error) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := range size.Y {
		for x := range size.X {
			img.SetRGBA(x, y, fill)
		}
	}

	var buf bytes.Buffer

	err := encode(&buf, img)
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
