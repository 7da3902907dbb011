package fractal

import (
	"context"
	"fmt"
	"math/cmplx"
	"strings"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// escapeRadiusSquared bounds |z|² before a point counts as escaped.
const escapeRadiusSquared = 2.0

// Point computes the value of pixel (x, y) of an image described by p.
// Mandelbrot iterates z = z² - c, MandelbrotN iterates z = z^N - c; both
// return the iteration count at escape. The test pattern returns (x·y) mod 256.
func Point(p types.Parameter, x, y int) uint32 {
	switch p.Algorithm {
	case types.AlgorithmMandelbrot, types.AlgorithmMandelbrotN:
	default:
		return uint32((x * y) % 256)
	}

	stepX := (real(p.C2) - real(p.C1)) / float64(p.Width)
	stepY := (imag(p.C2) - imag(p.C1)) / float64(p.Height)
	c := complex(real(p.C1)+float64(x)*stepX, imag(p.C1)+float64(y)*stepY)
	n := complex(p.N, 0)

	var z complex128
	i := 0
	for ; i < p.MaxIterations; i++ {
		if p.Algorithm == types.AlgorithmMandelbrot {
			z = z*z - c
		} else {
			z = cmplx.Pow(z, n) - c
		}
		if real(z)*real(z)+imag(z)*imag(z) >= escapeRadiusSquared {
			break
		}
	}
	return uint32(i)
}

// Render calculates the image row by row and hands each point to emit in
// row-major order. It stops early when ctx is done or emit returns an error.
func Render(ctx context.Context, p types.Parameter, emit func(x, y int, value uint32) error) error {
	return RenderFrom(ctx, p, types.Checkpoint{}, emit)
}

// RenderFrom is Render continuing at from; the points before it are skipped.
func RenderFrom(ctx context.Context, p types.Parameter, from types.Checkpoint, emit func(x, y int, value uint32) error) error {
	for y := from.Y; y < p.Height; y++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		x := 0
		if y == from.Y {
			x = from.X
		}
		for ; x < p.Width; x++ {
			if err := emit(x, y, Point(p, x, y)); err != nil {
				return err
			}
		}
	}
	return nil
}

// ParseAlgorithm maps an algorithm name to its identifier.
func ParseAlgorithm(name string) (types.Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "mandelbrot":
		return types.AlgorithmMandelbrot, nil
	case "mandelbrotn":
		return types.AlgorithmMandelbrotN, nil
	case "test", "testmode":
		return types.AlgorithmTest, nil
	}
	return types.AlgorithmMandelbrot, fmt.Errorf("unknown algorithm %q", name)
}

// AlgorithmName is the inverse of ParseAlgorithm.
func AlgorithmName(a types.Algorithm) string {
	switch a {
	case types.AlgorithmMandelbrot:
		return "Mandelbrot"
	case types.AlgorithmMandelbrotN:
		return "MandelbrotN"
	case types.AlgorithmTest:
		return "Test"
	}
	return fmt.Sprintf("Algorithm(%d)", uint32(a))
}
