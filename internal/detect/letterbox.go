package detect

import (
	"image"
	"image/color"
	imagedraw "image/draw"

	"golang.org/x/image/draw"
)

// letterboxFill is the constant padding color used around the scaled image.
var letterboxFill = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox holds the parameters needed to map model-input coordinates back
// to original-image pixel space.
type letterbox struct {
	scale float64
	// newW/newH are the unpadded dimensions of the scaled image inside the
	// square canvas; padX/padY are the top-left padding offsets.
	newW, newH int
	padX, padY int
}

// letterboxImage scales img so its longer side equals size (preserving aspect
// ratio), centers it on a size×size canvas padded with letterboxFill, and
// returns the canvas plus the mapping parameters.
func letterboxImage(img image.Image, size int) (*image.NRGBA, letterbox) {
	bounds := img.Bounds()
	w := bounds.Dx()
	h := bounds.Dy()

	scale := float64(size) / float64(max(w, h))
	newW := int(float64(w) * scale)
	newH := int(float64(h) * scale)
	padX := (size - newW) / 2
	padY := (size - newH) / 2

	canvas := image.NewNRGBA(image.Rect(0, 0, size, size))
	imagedraw.Draw(canvas, canvas.Bounds(), image.NewUniform(letterboxFill), image.Point{}, imagedraw.Src)

	dst := image.Rect(padX, padY, padX+newW, padY+newH)
	draw.CatmullRom.Scale(canvas, dst, img, bounds, draw.Over, nil)

	return canvas, letterbox{
		scale: scale,
		newW:  newW,
		newH:  newH,
		padX:  padX,
		padY:  padY,
	}
}

// toTensor converts a size×size NRGBA canvas to a [1,3,size,size] CHW float32
// tensor with values scaled to [0,1].
func toTensor(canvas *image.NRGBA, size int) []float32 {
	tensor := make([]float32, 3*size*size)
	plane := size * size
	for y := 0; y < size; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < size; x++ {
			px := row[x*4:]
			idx := y*size + x
			tensor[idx] = float32(px[0]) / 255.0
			tensor[plane+idx] = float32(px[1]) / 255.0
			tensor[2*plane+idx] = float32(px[2]) / 255.0
		}
	}
	return tensor
}

// toOriginal maps a point from model-input pixel space back to original-image
// pixel space by undoing the letterbox padding and scale.
func (lb letterbox) toOriginal(x, y float64) (float64, float64) {
	return (x - float64(lb.padX)) / lb.scale, (y - float64(lb.padY)) / lb.scale
}
