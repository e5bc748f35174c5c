package notify

import (
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"

	xdraw "golang.org/x/image/draw"
)

const (
	screenshotMaxWidth    = 800
	screenshotJpegQuality = 60
)

// CompressScreenshot re-encodes a screenshot for a mobile notification
// payload: width clamped, JPEG quality dropped. Returns the path of the
// file to attach, which is the original when compression does not actually
// shrink it or fails in any way.
func CompressScreenshot(screenshotPath string) string {
	original, err := os.Open(screenshotPath)
	if err != nil {
		return screenshotPath
	}
	defer original.Close()

	decoded, _, err := image.Decode(original)
	if err != nil {
		log.Debugf("Screenshot %s not decodable (%v), attaching as-is\n", screenshotPath, err)
		return screenshotPath
	}

	bounds := decoded.Bounds()
	if bounds.Dx() > screenshotMaxWidth {
		scaledHeight := bounds.Dy() * screenshotMaxWidth / bounds.Dx()
		scaled := image.NewRGBA(image.Rect(0, 0, screenshotMaxWidth, scaledHeight))
		xdraw.CatmullRom.Scale(scaled, scaled.Bounds(), decoded, bounds, xdraw.Over, nil)
		decoded = scaled
	}

	compressedPath := strings.TrimSuffix(screenshotPath, filepath.Ext(screenshotPath)) + ".small.jpg"
	compressed, err := os.Create(compressedPath)
	if err != nil {
		return screenshotPath
	}

	err = jpeg.Encode(compressed, decoded, &jpeg.Options{Quality: screenshotJpegQuality})
	compressed.Close()
	if err != nil {
		os.Remove(compressedPath)
		return screenshotPath
	}

	originalInfo, err1 := os.Stat(screenshotPath)
	compressedInfo, err2 := os.Stat(compressedPath)
	if err1 != nil || err2 != nil || compressedInfo.Size() >= originalInfo.Size() {
		os.Remove(compressedPath)
		return screenshotPath
	}

	return compressedPath
}
