package sniffer

import (
	"bytes"
	"errors"
)

// The bridge only hashes raster images; sniffing the blob head lets
// the pipeline flag obviously wrong inputs before spending a network
// round trip on them.

type MediaType string

const (
	TypeJPEG MediaType = "jpeg"
	TypePNG  MediaType = "png"
	TypeGIF  MediaType = "gif"
	TypeWEBP MediaType = "webp"
	TypeAVIF MediaType = "avif"
)

var ErrUnknownType = errors.New("unknown media type")

// Detect identifies the image type from the first bytes of a blob.
func Detect(head []byte) (MediaType, error) {
	switch {
	case isJPEG(head):
		return TypeJPEG, nil
	case isPNG(head):
		return TypePNG, nil
	case isGIF(head):
		return TypeGIF, nil
	case isWEBP(head):
		return TypeWEBP, nil
	case isAVIF(head):
		return TypeAVIF, nil
	}
	return "", ErrUnknownType
}

func isJPEG(head []byte) bool {
	return len(head) > 3 && head[0] == 0xff && head[1] == 0xd8 && head[2] == 0xff
}

func isPNG(head []byte) bool {
	pngMagic := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	return len(head) >= len(pngMagic) && bytes.Equal(head[:len(pngMagic)], pngMagic)
}

func isGIF(head []byte) bool {
	return len(head) >= 6 && (bytes.Equal(head[:6], []byte("GIF87a")) || bytes.Equal(head[:6], []byte("GIF89a")))
}

func isWEBP(head []byte) bool {
	return len(head) >= 12 &&
		bytes.Equal(head[:4], []byte("RIFF")) &&
		bytes.Equal(head[8:12], []byte("WEBP"))
}

func isAVIF(head []byte) bool {
	if len(head) < 12 {
		return false
	}
	return string(head[4:8]) == "ftyp" && bytes.Contains(head[8:], []byte("avif"))
}
