package sensor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var bars = []color.RGBA{
	{0xC0, 0xC0, 0xC0, 0xFF},
	{0xC0, 0xC0, 0x00, 0xFF},
	{0x00, 0xC0, 0xC0, 0xFF},
	{0x00, 0xC0, 0x00, 0xFF},
	{0xC0, 0x00, 0xC0, 0xFF},
	{0xC0, 0x00, 0x00, 0xFF},
	{0x00, 0x00, 0xC0, 0xFF},
	{0x10, 0x10, 0x10, 0xFF},
}

func rampFrame(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// testCard renders colour bars with a caption and encodes them as JPEG.
func testCard(w, h, seq int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	step := (w + len(bars) - 1) / len(bars)
	for i, c := range bars {
		r := image.Rect(i*step, 0, (i+1)*step, h)
		draw.Draw(img, r, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
	caption := image.Rect(0, h-20, w, h)
	draw.Draw(img, caption, image.Black, image.Point{}, draw.Src)
	d := font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: basicfont.Face7x13,
		Dot:  fixed.P(4, h-6),
	}
	d.DrawString(fmt.Sprintf("hwsim ov2640 %dx%d #%d", w, h, seq))

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, fmt.Errorf("could not encode test card: %w", err)
	}
	return buf.Bytes(), nil
}
