package camera

import (
	"fmt"
	"strings"
)

type ImageType uint8

const (
	ImageNone ImageType = iota
	ImageJPEG
)

func (t ImageType) String() string {
	if t == ImageJPEG {
		return "JPEG"
	}
	return "NONE"
}

type Resolution uint8

const (
	ResNone Resolution = iota
	Res160x120
	Res176x144
	Res320x240
	Res352x288
	Res640x480
	Res800x600
	Res1024x768
	Res1280x1024
	Res1600x1200
)

var resolutionSizes = map[Resolution][2]int{
	Res160x120:   {160, 120},
	Res176x144:   {176, 144},
	Res320x240:   {320, 240},
	Res352x288:   {352, 288},
	Res640x480:   {640, 480},
	Res800x600:   {800, 600},
	Res1024x768:  {1024, 768},
	Res1280x1024: {1280, 1024},
	Res1600x1200: {1600, 1200},
}

// Size returns the frame width and height, zero for ResNone.
func (r Resolution) Size() (w, h int) {
	s := resolutionSizes[r]
	return s[0], s[1]
}

func (r Resolution) String() string {
	w, h := r.Size()
	if w == 0 {
		return "none"
	}
	return fmt.Sprintf("%dx%d", w, h)
}

// ParseResolution accepts the "WxH" form returned by String.
func ParseResolution(s string) (Resolution, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r := range resolutionSizes {
		if r.String() == s {
			return r, nil
		}
	}
	return ResNone, fmt.Errorf("unsupported resolution %q", s)
}

// Resolutions lists the supported resolutions from the smallest.
func Resolutions() []Resolution {
	return []Resolution{
		Res160x120, Res176x144, Res320x240, Res352x288, Res640x480,
		Res800x600, Res1024x768, Res1280x1024, Res1600x1200,
	}
}
