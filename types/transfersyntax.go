package types

// TransferSyntax describes an encoding a WADO-RS server may return instances
// in. Retrieval asks for transfer-syntax=* so any of these can show up.
type TransferSyntax struct {
	UID        string
	Name       string
	Compressed bool
	Lossless   bool
}

var transferSyntaxes = map[string]TransferSyntax{}

func init() {
	for _, ts := range []TransferSyntax{
		{"1.2.840.10008.1.2", "Implicit VR Little Endian", false, true},
		{"1.2.840.10008.1.2.1", "Explicit VR Little Endian", false, true},
		{"1.2.840.10008.1.2.1.99", "Deflated Explicit VR Little Endian", true, true},
		{"1.2.840.10008.1.2.2", "Explicit VR Big Endian", false, true},
		{"1.2.840.10008.1.2.4.50", "JPEG Baseline", true, false},
		{"1.2.840.10008.1.2.4.51", "JPEG Extended", true, false},
		{"1.2.840.10008.1.2.4.57", "JPEG Lossless", true, true},
		{"1.2.840.10008.1.2.4.70", "JPEG Lossless SV1", true, true},
		{"1.2.840.10008.1.2.4.80", "JPEG-LS Lossless", true, true},
		{"1.2.840.10008.1.2.4.81", "JPEG-LS Near Lossless", true, false},
		{"1.2.840.10008.1.2.4.90", "JPEG 2000 Lossless", true, true},
		{"1.2.840.10008.1.2.4.91", "JPEG 2000", true, false},
		{"1.2.840.10008.1.2.4.201", "HTJ2K Lossless", true, true},
		{"1.2.840.10008.1.2.4.202", "HTJ2K Lossless RPCL", true, true},
		{"1.2.840.10008.1.2.4.203", "HTJ2K", true, false},
		{"1.2.840.10008.1.2.5", "RLE Lossless", true, true},
		{"1.2.840.10008.1.2.4.100", "MPEG2 Main Profile", true, false},
		{"1.2.840.10008.1.2.4.102", "MPEG-4 AVC/H.264 High Profile", true, false},
		{"1.2.840.10008.1.2.4.107", "HEVC/H.265 Main Profile", true, false},
	} {
		transferSyntaxes[ts.UID] = ts
	}
}

// LookupTransferSyntax returns the description of a transfer syntax UID.
func LookupTransferSyntax(uid string) (TransferSyntax, bool) {
	ts, ok := transferSyntaxes[uid]
	return ts, ok
}

// TransferSyntaxName returns a readable name, or the UID itself when unknown.
func TransferSyntaxName(uid string) string {
	if ts, ok := transferSyntaxes[uid]; ok {
		return ts.Name
	}
	return uid
}
