package dicom

import (
	"encoding/binary"
	"fmt"
	"strings"
)

const (
	preambleLength = 128
	part10Magic    = "DICM"
	metaStart      = preambleLength + len(part10Magic)
)

// FileMeta holds the File Meta Information (group 0002) of a Part 10
// instance as delivered by WADO-RS.
type FileMeta struct {
	MediaStorageSOPClassUID    string
	MediaStorageSOPInstanceUID string
	TransferSyntaxUID          string
	DatasetOffset              int // first byte after group 0002
}

// HasPart10Header reports whether data starts with the 128 byte preamble
// followed by "DICM".
func HasPart10Header(data []byte) bool {
	return len(data) >= metaStart && string(data[preambleLength:metaStart]) == part10Magic
}

// ReadFileMeta walks the explicit VR little endian File Meta Information of a
// Part 10 instance.
func ReadFileMeta(data []byte) (FileMeta, error) {
	if len(data) < metaStart {
		return FileMeta{}, fmt.Errorf("data too short to be DICOM Part 10 (need at least %d bytes, got %d)", metaStart, len(data))
	}
	if !HasPart10Header(data) {
		return FileMeta{}, fmt.Errorf("not a valid DICOM Part 10 file (missing DICM prefix at offset %d)", preambleLength)
	}

	var meta FileMeta
	offset := metaStart
	for offset+8 <= len(data) {
		group := binary.LittleEndian.Uint16(data[offset:])
		if group != 0x0002 {
			break
		}
		element := binary.LittleEndian.Uint16(data[offset+2:])
		vr := string(data[offset+4 : offset+6])

		var length int
		switch vr {
		case "OB", "OW", "OF", "SQ", "UN", "UT":
			if offset+12 > len(data) {
				return FileMeta{}, fmt.Errorf("truncated element (0002,%04x)", element)
			}
			length = int(binary.LittleEndian.Uint32(data[offset+8:]))
			offset += 12
		default:
			length = int(binary.LittleEndian.Uint16(data[offset+6:]))
			offset += 8
		}
		if length < 0 || offset+length > len(data) {
			return FileMeta{}, fmt.Errorf("element (0002,%04x) overruns data", element)
		}

		value := strings.TrimRight(string(data[offset:offset+length]), "\x00 ")
		switch element {
		case 0x0002:
			meta.MediaStorageSOPClassUID = value
		case 0x0003:
			meta.MediaStorageSOPInstanceUID = value
		case 0x0010:
			meta.TransferSyntaxUID = value
		}
		offset += length
	}

	if offset >= len(data) {
		return FileMeta{}, fmt.Errorf("failed to find dataset after File Meta Information")
	}
	meta.DatasetOffset = offset
	return meta, nil
}

// CheckInstance verifies that a retrieved Part 10 instance is the one that
// was requested. Content without a Part 10 header is accepted as is and
// yields a zero FileMeta.
func CheckInstance(data []byte, sopInstanceUID string) (FileMeta, error) {
	if !HasPart10Header(data) {
		return FileMeta{}, nil
	}
	meta, err := ReadFileMeta(data)
	if err != nil {
		return FileMeta{}, err
	}
	if meta.MediaStorageSOPInstanceUID != "" && sopInstanceUID != "" && meta.MediaStorageSOPInstanceUID != sopInstanceUID {
		return meta, fmt.Errorf("retrieved instance %s does not match requested %s", meta.MediaStorageSOPInstanceUID, sopInstanceUID)
	}
	return meta, nil
}
