package dicom

import (
	"encoding/binary"
	"strings"
	"testing"
)

func appendShortElement(data []byte, element uint16, vr, value string) []byte {
	data = binary.LittleEndian.AppendUint16(data, 0x0002)
	data = binary.LittleEndian.AppendUint16(data, element)
	data = append(data, vr...)
	data = binary.LittleEndian.AppendUint16(data, uint16(len(value)))
	return append(data, value...)
}

// part10File builds a minimal Part 10 instance with the given SOP instance UID
func part10File(sopInstanceUID string) []byte {
	data := make([]byte, 128)
	data = append(data, "DICM"...)

	// File Meta Information Version uses the long length form
	data = binary.LittleEndian.AppendUint16(data, 0x0002)
	data = binary.LittleEndian.AppendUint16(data, 0x0001)
	data = append(data, 'O', 'B', 0, 0)
	data = binary.LittleEndian.AppendUint32(data, 2)
	data = append(data, 0x00, 0x01)

	data = appendShortElement(data, 0x0002, "UI", "1.2.840.10008.5.1.4.1.1.2\x00")
	data = appendShortElement(data, 0x0003, "UI", sopInstanceUID)
	data = appendShortElement(data, 0x0010, "UI", "1.2.840.10008.1.2.1\x00")

	// Patient Name (0010,0010) opens the dataset
	data = append(data, 0x10, 0x00, 0x10, 0x00, 'P', 'N')
	data = binary.LittleEndian.AppendUint16(data, 12)
	return append(data, "TEST^PATIENT"...)
}

func TestReadFileMeta(t *testing.T) {
	data := part10File("1.2.3.4")

	meta, err := ReadFileMeta(data)
	if err != nil {
		t.Fatalf("ReadFileMeta() error = %v", err)
	}
	if meta.MediaStorageSOPInstanceUID != "1.2.3.4" {
		t.Errorf("MediaStorageSOPInstanceUID = %q", meta.MediaStorageSOPInstanceUID)
	}
	if meta.MediaStorageSOPClassUID != "1.2.840.10008.5.1.4.1.1.2" {
		t.Errorf("MediaStorageSOPClassUID = %q, want padding trimmed", meta.MediaStorageSOPClassUID)
	}
	if meta.TransferSyntaxUID != "1.2.840.10008.1.2.1" {
		t.Errorf("TransferSyntaxUID = %q", meta.TransferSyntaxUID)
	}
	if got := data[meta.DatasetOffset : meta.DatasetOffset+4]; string(got) != "\x10\x00\x10\x00" {
		t.Errorf("DatasetOffset points at %x, want Patient Name tag", got)
	}
}

func TestReadFileMeta_Invalid(t *testing.T) {
	truncated := part10File("1.2.3.4")
	truncated = truncated[:len(truncated)-40]

	tests := []struct {
		name    string
		data    []byte
		wantErr string
	}{
		{"Too short", []byte{0x01, 0x02, 0x03}, "too short"},
		{"Missing DICM", make([]byte, 200), "missing DICM"},
		{"Overrun", truncated, "overruns"},
		{"Meta only", part10File("1.2.3.4")[:len(part10File("1.2.3.4"))-20], "failed to find dataset"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFileMeta(tt.data)
			if err == nil {
				t.Fatal("Expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestCheckInstance(t *testing.T) {
	if _, err := CheckInstance(part10File("1.2.3.4"), "1.2.3.4"); err != nil {
		t.Errorf("matching instance rejected: %v", err)
	}
	if _, err := CheckInstance(part10File("1.2.3.4"), "9.9.9"); err == nil {
		t.Error("mismatched instance accepted")
	}

	meta, err := CheckInstance([]byte("raw bytes"), "1.2.3.4")
	if err != nil || meta != (FileMeta{}) {
		t.Errorf("content without header = %+v, %v; want zero meta and no error", meta, err)
	}
}
