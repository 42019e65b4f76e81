package replay

import (
	"bufio"
	"image"
	"image/color"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Binary PGM (P5) is what most grayscale sensor dumps are saved as. ppm only registers P6.
func init() {
	image.RegisterFormat("pgm", "P5", DecodePGM, DecodePGMConfig)
}

const maxPGMPixels = 1 << 26

type pgmHeader struct {
	width, height, maxVal int
}

func readPGMHeader(br *bufio.Reader) (pgmHeader, error) {
	magic := make([]byte, 2)
	if _, err := io.ReadFull(br, magic); err != nil {
		return pgmHeader{}, errors.Wrap(err, "reading pgm magic")
	}
	if string(magic) != "P5" {
		return pgmHeader{}, errors.Errorf("not a binary pgm: magic %q", magic)
	}
	var vals [3]int
	for i := range vals {
		tok, err := pgmToken(br)
		if err != nil {
			return pgmHeader{}, err
		}
		v, err := strconv.Atoi(tok)
		if err != nil || v <= 0 {
			return pgmHeader{}, errors.Errorf("bad pgm header value %q", tok)
		}
		vals[i] = v
	}
	h := pgmHeader{width: vals[0], height: vals[1], maxVal: vals[2]}
	if h.maxVal > 65535 {
		return pgmHeader{}, errors.Errorf("pgm maxval %d out of range", h.maxVal)
	}
	if h.width > maxPGMPixels/h.height {
		return pgmHeader{}, errors.Errorf("pgm too large: %dx%d", h.width, h.height)
	}
	// exactly one whitespace byte separates the header from the raster
	if _, err := br.ReadByte(); err != nil {
		return pgmHeader{}, errors.Wrap(err, "reading pgm header")
	}
	return h, nil
}

// pgmToken returns the next whitespace-separated header field, skipping # comments.
func pgmToken(br *bufio.Reader) (string, error) {
	var tok []byte
	for {
		c, err := br.ReadByte()
		if err != nil {
			return "", errors.Wrap(err, "reading pgm header")
		}
		switch {
		case c == '#' && len(tok) == 0:
			if _, err := br.ReadString('\n'); err != nil {
				return "", errors.Wrap(err, "reading pgm comment")
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\v' || c == '\f':
			if len(tok) > 0 {
				return string(tok), br.UnreadByte()
			}
		default:
			tok = append(tok, c)
		}
	}
}

// DecodePGMConfig reads only the header of a binary PGM.
func DecodePGMConfig(r io.Reader) (image.Config, error) {
	h, err := readPGMHeader(bufio.NewReader(r))
	if err != nil {
		return image.Config{}, err
	}
	return image.Config{ColorModel: color.GrayModel, Width: h.width, Height: h.height}, nil
}

// DecodePGM decodes a binary PGM into an *image.Gray. Samples are rescaled to 0..255 when maxval
// is not 255; 16-bit samples are big endian.
func DecodePGM(r io.Reader) (image.Image, error) {
	br := bufio.NewReader(r)
	h, err := readPGMHeader(br)
	if err != nil {
		return nil, err
	}
	bytesPerSample := 1
	if h.maxVal > 255 {
		bytesPerSample = 2
	}
	raster := make([]byte, h.width*h.height*bytesPerSample)
	if _, err := io.ReadFull(br, raster); err != nil {
		return nil, errors.Wrap(err, "reading pgm raster")
	}

	img := image.NewGray(image.Rect(0, 0, h.width, h.height))
	if bytesPerSample == 1 && h.maxVal == 255 {
		copy(img.Pix, raster)
		return img, nil
	}
	for i := range img.Pix {
		var v int
		if bytesPerSample == 2 {
			v = int(raster[2*i])<<8 | int(raster[2*i+1])
		} else {
			v = int(raster[i])
		}
		v = min(v, h.maxVal)
		img.Pix[i] = uint8((v*255 + h.maxVal/2) / h.maxVal)
	}
	return img, nil
}
