// Copyright (C) 2021 - 2025 PurpleSec Team
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.
//

package alternator

import (
	"bytes"
	"errors"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

const jpegQuality = 75

// prepareImageForVision implements §4.3's image transform: reject
// oversized input, decode by byte signature, resize if either side
// exceeds maxDim (preserving aspect ratio, high-quality filter), then
// re-encode as PNG (for PNG/GIF/WebP sources) or JPEG quality 75
// (everything else).
func (m *mediaProcessor) prepareImageForVision(data []byte, maxDim int) ([]byte, error) {
	sizeMB := float64(len(data)) / (1024 * 1024)
	if sizeMB > float64(m.cfg.MaxSizeMB) {
		return nil, &ImageTooLargeError{SizeMB: sizeMB, MaxMB: float64(m.cfg.MaxSizeMB)}
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, ErrInvalidImageData
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim <= 0 {
		maxDim = 2048
	}
	if w > maxDim || h > maxDim {
		img = resizeImage(img, maxDim)
	}
	var out bytes.Buffer
	switch format {
	case "png", "gif", "webp":
		err = png.Encode(&out, img)
	default:
		err = jpeg.Encode(&out, img, &jpeg.Options{Quality: jpegQuality})
	}
	if err != nil {
		return nil, errors.New("image re-encode failed: " + err.Error())
	}
	return out.Bytes(), nil
}

// resizeImage scales img so its longest side equals maxDim, preserving
// aspect ratio, using golang.org/x/image/draw's Catmull-Rom scaler — the
// closest quality tier to Lanczos3 available in this library
// (SPEC_FULL.md §B, image resize entry).
func resizeImage(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var nw, nh int
	if w >= h {
		nw = maxDim
		nh = (h * maxDim) / w
	} else {
		nh = maxDim
		nw = (w * maxDim) / h
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}

