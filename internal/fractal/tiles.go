// Package fractal holds the image side of a job: splitting an image into
// tiles, per-tile parameters, the iteration algorithms and parameter files.
package fractal

import (
	"math"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// SplitTiles divides a width×height image into count tiles. Tiles are laid
// out in floor(sqrt(count)) rows; every row but the last holds up to that many
// tiles and the last row takes the remainder. The last tile of a row and the
// last row absorb rounding so the tiles cover the image exactly.
func SplitTiles(width, height, count int) []types.Tile {
	if width <= 0 || height <= 0 || count <= 0 {
		return nil
	}

	rows := int(math.Floor(math.Sqrt(float64(count))))
	if rows > height {
		rows = height
	}
	yStep := int(math.RoundToEven(float64(height) / float64(rows)))
	if yStep < 1 {
		yStep = 1
	}

	tiles := make([]types.Tile, 0, count)
	remaining := count
	for row := 0; row < rows && remaining > 0; row++ {
		columns := remaining
		if row < rows-1 && columns > rows {
			columns = rows
		}
		if columns > width {
			columns = width
		}
		remaining -= columns

		y := row * yStep
		h := yStep
		if row == rows-1 || y+h > height {
			h = height - y
		}
		if h <= 0 {
			break
		}

		xStep := width / columns
		for column := 0; column < columns; column++ {
			x := column * xStep
			w := xStep
			if column == columns-1 {
				w = width - x
			}
			tiles = append(tiles, types.Tile{X: x, Y: y, Width: w, Height: h})
		}
	}
	return tiles
}

// TileParameter returns the parameter a pool element needs to calculate one
// tile: the tile's own size and the sub-rectangle of the complex plane it
// covers.
func TileParameter(p types.Parameter, tile types.Tile) types.Parameter {
	dr := (real(p.C2) - real(p.C1)) / float64(p.Width)
	di := (imag(p.C2) - imag(p.C1)) / float64(p.Height)

	out := p
	out.Width = tile.Width
	out.Height = tile.Height
	out.C1 = complex(real(p.C1)+float64(tile.X)*dr, imag(p.C1)+float64(tile.Y)*di)
	out.C2 = complex(real(p.C1)+float64(tile.X+tile.Width)*dr, imag(p.C1)+float64(tile.Y+tile.Height)*di)
	return out
}
