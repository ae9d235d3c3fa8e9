package preprocess

import (
	"image"
	"image/color"
	"math"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

func toGray(src image.Image) *image.Gray {
	if g, ok := src.(*image.Gray); ok {
		return g
	}
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

// removeShadow flattens uneven illumination by dividing each pixel by a
// coarse background estimate (the mean of its surrounding tile).
func removeShadow(src *image.Gray) *image.Gray {
	const tile = 32
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	tw := (w + tile - 1) / tile
	th := (h + tile - 1) / tile

	bg := make([]float64, tw*th)
	for ty := 0; ty < th; ty++ {
		for tx := 0; tx < tw; tx++ {
			var sum, n float64
			for y := ty * tile; y < (ty+1)*tile && y < h; y++ {
				for x := tx * tile; x < (tx+1)*tile && x < w; x++ {
					sum += float64(src.GrayAt(x, y).Y)
					n++
				}
			}
			v := sum / n
			if v < 1 {
				v = 1
			}
			bg[ty*tw+tx] = v
		}
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := 255 * float64(src.GrayAt(x, y).Y) / bg[(y/tile)*tw+x/tile]
			if v > 255 {
				v = 255
			}
			dst.SetGray(x, y, color.Gray{Y: uint8(v)})
		}
	}
	return dst
}

// medianDenoise applies a 3x3 median filter.
func medianDenoise(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	var window [9]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			n := 0
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= w || ny >= h {
						continue
					}
					window[n] = int(src.GrayAt(nx, ny).Y)
					n++
				}
			}
			s := window[:n]
			sort.Ints(s)
			dst.SetGray(x, y, color.Gray{Y: uint8(s[n/2])})
		}
	}
	return dst
}

// otsuThreshold picks the binarization threshold maximizing between-class
// variance of the gray histogram.
func otsuThreshold(src *image.Gray) uint8 {
	var hist [256]int
	b := src.Bounds()
	total := b.Dx() * b.Dy()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[src.GrayAt(x, y).Y]++
		}
	}

	var sum float64
	for i, c := range hist {
		sum += float64(i * c)
	}

	var sumB, wB float64
	best := 0
	bestVar := -1.0
	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / wB
		mF := (sum - sumB) / wF
		v := wB * wF * (mB - mF) * (mB - mF)
		if v > bestVar {
			bestVar = v
			best = t
		}
	}
	return uint8(best)
}

func binarize(src *image.Gray, threshold uint8) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			if src.GrayAt(b.Min.X+x, b.Min.Y+y).Y < threshold {
				dst.SetGray(x, y, color.Gray{Y: 0})
			} else {
				dst.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	return dst
}

// estimateSkew searches +/- maxDeg for the rotation whose horizontal
// projection profile has maximal variance (text lines aligned with rows).
func estimateSkew(bin *image.Gray, maxDeg float64) float64 {
	if maxDeg <= 0 {
		return 0
	}
	best := 0.0
	bestScore := -1.0
	for a := -maxDeg; a <= maxDeg+1e-9; a += 0.5 {
		s := shearProfileVariance(bin, a)
		if s > bestScore {
			bestScore = s
			best = a
		}
	}
	return best
}

func shearProfileVariance(bin *image.Gray, deg float64) float64 {
	b := bin.Bounds()
	w, h := b.Dx(), b.Dy()
	tan := math.Tan(deg * math.Pi / 180)
	rows := make([]float64, h)
	// Sample a coarse grid; full resolution adds nothing to the estimate.
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			if bin.GrayAt(b.Min.X+x, b.Min.Y+y).Y == 0 {
				ry := y + int(float64(x)*tan)
				if ry >= 0 && ry < h {
					rows[ry]++
				}
			}
		}
	}
	var mean float64
	for _, v := range rows {
		mean += v
	}
	mean /= float64(h)
	var variance float64
	for _, v := range rows {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(h)
}

// rotateSmall rotates by an arbitrary small angle around the image center
// using bilinear resampling; the canvas keeps its size.
func rotateSmall(src *image.Gray, deg float64) *image.Gray {
	if deg == 0 {
		return src
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	rad := deg * math.Pi / 180
	sin, cos := math.Sin(rad), math.Cos(rad)
	cx, cy := float64(w)/2, float64(h)/2

	dst := image.NewGray(image.Rect(0, 0, w, h))
	// White background so rotation never introduces dark borders.
	for i := range dst.Pix {
		dst.Pix[i] = 255
	}
	m := f64.Aff3{
		cos, -sin, cx - cx*cos + cy*sin,
		sin, cos, cy - cx*sin - cy*cos,
	}
	draw.BiLinear.Transform(dst, m, src, b, draw.Src, nil)
	return dst
}

// rotateOrtho rotates by an exact multiple of 90 degrees.
func rotateOrtho(src *image.Gray, deg int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	switch ((deg % 360) + 360) % 360 {
	case 0:
		return src
	case 90:
		dst := image.NewGray(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.SetGray(h-1-y, x, src.GrayAt(b.Min.X+x, b.Min.Y+y))
			}
		}
		return dst
	case 180:
		dst := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.SetGray(w-1-x, h-1-y, src.GrayAt(b.Min.X+x, b.Min.Y+y))
			}
		}
		return dst
	case 270:
		dst := image.NewGray(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.SetGray(y, w-1-x, src.GrayAt(b.Min.X+x, b.Min.Y+y))
			}
		}
		return dst
	}
	return src
}
