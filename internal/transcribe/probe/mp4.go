package probe

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"slices"
)

// ErrInvalidMP4 indicates the file is not an ISO base media file with a
// movie header.
var ErrInvalidMP4 = errors.New("invalid MP4/M4A container")

var mp4Brands = []string{"M4A ", "M4B ", "mp41", "mp42", "isom", "iso2", "dash"}

// MP4Duration reads the duration from the mvhd box of an MP4 or M4A file.
func MP4Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	return parseMP4(f)
}

type box struct {
	kind string
	// body is the payload size, excluding the header.
	body int64
}

func readBox(r io.ReadSeeker) (box, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return box{}, err
	}
	size := int64(binary.BigEndian.Uint32(hdr[0:4]))
	kind := string(hdr[4:8])

	switch size {
	case 1:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return box{}, err
		}
		size = int64(binary.BigEndian.Uint64(ext[:])) - 16
	case 0:
		// Box extends to end of file.
		cur, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return box{}, err
		}
		end, err := r.Seek(0, io.SeekEnd)
		if err != nil {
			return box{}, err
		}
		if _, err := r.Seek(cur, io.SeekStart); err != nil {
			return box{}, err
		}
		size = end - cur
	default:
		size -= 8
	}
	if size < 0 {
		return box{}, ErrInvalidMP4
	}
	return box{kind: kind, body: size}, nil
}

func parseMP4(r io.ReadSeeker) (float64, error) {
	var sawFtyp bool
	for {
		b, err := readBox(r)
		if errors.Is(err, io.EOF) {
			return 0, ErrInvalidMP4
		}
		if err != nil {
			return 0, err
		}

		switch b.kind {
		case "ftyp":
			if b.body < 4 {
				return 0, ErrInvalidMP4
			}
			var brand [4]byte
			if _, err := io.ReadFull(r, brand[:]); err != nil {
				return 0, err
			}
			if !slices.Contains(mp4Brands, string(brand[:])) {
				return 0, ErrInvalidMP4
			}
			if _, err := r.Seek(b.body-4, io.SeekCurrent); err != nil {
				return 0, err
			}
			sawFtyp = true
		case "moov":
			if !sawFtyp {
				return 0, ErrInvalidMP4
			}
			return findMvhd(r, b.body)
		default:
			if _, err := r.Seek(b.body, io.SeekCurrent); err != nil {
				return 0, err
			}
		}
	}
}

func findMvhd(r io.ReadSeeker, body int64) (float64, error) {
	start, err := r.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	end := start + body

	for {
		pos, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, err
		}
		if pos >= end {
			return 0, ErrInvalidMP4
		}

		b, err := readBox(r)
		if err != nil {
			return 0, err
		}
		if b.kind == "mvhd" {
			return readMvhd(r)
		}
		if _, err := r.Seek(b.body, io.SeekCurrent); err != nil {
			return 0, err
		}
	}
}

// readMvhd decodes timescale and duration. Version 0 stores 32-bit times,
// version 1 64-bit ones.
func readMvhd(r io.Reader) (float64, error) {
	var vf [4]byte
	if _, err := io.ReadFull(r, vf[:]); err != nil {
		return 0, err
	}

	var timescale uint32
	var duration uint64
	switch vf[0] {
	case 0:
		var buf [16]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		timescale = binary.BigEndian.Uint32(buf[8:12])
		duration = uint64(binary.BigEndian.Uint32(buf[12:16]))
	case 1:
		var buf [28]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		timescale = binary.BigEndian.Uint32(buf[16:20])
		duration = binary.BigEndian.Uint64(buf[20:28])
	default:
		return 0, ErrInvalidMP4
	}

	if timescale == 0 {
		return 0, ErrInvalidMP4
	}
	return float64(duration) / float64(timescale), nil
}
