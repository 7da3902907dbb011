package fractal

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
)

// Color maps an iteration count onto the 72-step hue wheel of the pool
// user display.
func Color(point uint32) color.RGBA {
	hue := int((point%72)*5) % 360
	return hueToRGB(hue)
}

// hueToRGB converts a fully saturated, full value HSV hue.
func hueToRGB(hue int) color.RGBA {
	sector := hue / 60
	f := float64(hue%60) / 60
	rising := uint8(255 * f)
	falling := uint8(255 * (1 - f))

	switch sector {
	case 0:
		return color.RGBA{255, rising, 0, 255}
	case 1:
		return color.RGBA{falling, 255, 0, 255}
	case 2:
		return color.RGBA{0, 255, rising, 255}
	case 3:
		return color.RGBA{0, falling, 255, 255}
	case 4:
		return color.RGBA{rising, 0, 255, 255}
	default:
		return color.RGBA{255, 0, falling, 255}
	}
}

// Image renders a row-major result of width×height points.
func Image(width, height int, points []uint32) (*image.RGBA, error) {
	if len(points) != width*height {
		return nil, fmt.Errorf("image %dx%d needs %d points, got %d", width, height, width*height, len(points))
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetRGBA(x, y, Color(points[y*width+x]))
		}
	}
	return img, nil
}

// SavePNG writes a result as a PNG file.
func SavePNG(path string, width, height int, points []uint32) error {
	img, err := Image(width, height, points)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return f.Close()
}
