package main

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

const iconSize = 22

// Tray icons, one per agent state.
var (
	iconData          = spoolIcon(color.RGBA{0x9e, 0x9e, 0x9e, 0xff})
	iconDataConnected = spoolIcon(color.RGBA{0x2e, 0x7d, 0x32, 0xff})
	iconDataError     = spoolIcon(color.RGBA{0xc6, 0x28, 0x28, 0xff})
	iconDataStopped   = spoolIcon(color.RGBA{0x42, 0x42, 0x42, 0xff})
)

// spoolIcon draws a filled ring (a spool seen end-on) in c.
func spoolIcon(c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, iconSize, iconSize))
	center := float64(iconSize-1) / 2
	outer := center * center
	inner := (center / 3) * (center / 3)

	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			dx, dy := float64(x)-center, float64(y)-center
			if d := dx*dx + dy*dy; d <= outer && d >= inner {
				img.Set(x, y, c)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
