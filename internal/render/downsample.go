package render

import "image"

// Downsample halves src with a 2x2 box filter. Odd trailing rows and columns
// average only the pixels that exist, so the result is
// ceil(w/2) x ceil(h/2). src must have its origin at (0, 0).
func Downsample(src *image.RGBA) *image.RGBA {
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := (sw+1)/2, (sh+1)/2
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))

	for dy := 0; dy < dh; dy++ {
		ys := min(2, sh-dy*2)
		for dx := 0; dx < dw; dx++ {
			xs := min(2, sw-dx*2)

			var sum [4]uint32
			for j := 0; j < ys; j++ {
				row := (dy*2+j)*src.Stride + dx*2*4
				for i := 0; i < xs; i++ {
					p := src.Pix[row+i*4 : row+i*4+4]
					sum[0] += uint32(p[0])
					sum[1] += uint32(p[1])
					sum[2] += uint32(p[2])
					sum[3] += uint32(p[3])
				}
			}
			n := uint32(xs * ys)
			out := dst.Pix[dy*dst.Stride+dx*4 : dy*dst.Stride+dx*4+4]
			for c := range out {
				out[c] = uint8((sum[c] + n/2) / n)
			}
		}
	}
	return dst
}
