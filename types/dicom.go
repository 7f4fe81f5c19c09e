// Package types contains the DICOM attribute vocabulary shared by the query,
// hierarchy and download layers.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// VR (Value Representation) constants for DICOM data elements
const (
	VR_AE = "AE" // Application Entity
	VR_AS = "AS" // Age String
	VR_AT = "AT" // Attribute Tag
	VR_CS = "CS" // Code String
	VR_DA = "DA" // Date
	VR_DS = "DS" // Decimal String
	VR_DT = "DT" // Date Time
	VR_FL = "FL" // Floating Point Single
	VR_FD = "FD" // Floating Point Double
	VR_IS = "IS" // Integer String
	VR_LO = "LO" // Long String
	VR_LT = "LT" // Long Text
	VR_OB = "OB" // Other Byte
	VR_PN = "PN" // Person Name
	VR_SH = "SH" // Short String
	VR_SL = "SL" // Signed Long
	VR_SQ = "SQ" // Sequence of Items
	VR_SS = "SS" // Signed Short
	VR_ST = "ST" // Short Text
	VR_TM = "TM" // Time
	VR_UI = "UI" // Unique Identifier
	VR_UL = "UL" // Unsigned Long
	VR_UN = "UN" // Unknown
	VR_UR = "UR" // Universal Resource
	VR_US = "US" // Unsigned Short
	VR_UT = "UT" // Unlimited Text
)

// Tag represents a DICOM tag (group, element)
type Tag struct {
	Group   uint16
	Element uint16
}

// String returns the tag as a string in (GGGG,EEEE) format
func (t Tag) String() string {
	return fmt.Sprintf("(%04x,%04x)", t.Group, t.Element)
}

// Keyword returns the eight hex digit form used as attribute key by the
// DICOM JSON model and as QIDO-RS query parameter name (e.g. "0020000D").
func (t Tag) Keyword() string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// ParseTag parses an eight hex digit keyword such as "00100020".
func ParseTag(keyword string) (Tag, error) {
	keyword = strings.TrimSpace(keyword)
	if len(keyword) != 8 {
		return Tag{}, fmt.Errorf("invalid tag keyword %q: expected 8 hex digits", keyword)
	}
	v, err := strconv.ParseUint(keyword, 16, 32)
	if err != nil {
		return Tag{}, fmt.Errorf("invalid tag keyword %q: %w", keyword, err)
	}
	return Tag{Group: uint16(v >> 16), Element: uint16(v)}, nil
}

// Attribute tags used by queries and by the hierarchy model.
var (
	TagSOPInstanceUID         = Tag{0x0008, 0x0018}
	TagStudyDate              = Tag{0x0008, 0x0020}
	TagStudyTime              = Tag{0x0008, 0x0030}
	TagAccessionNumber        = Tag{0x0008, 0x0050}
	TagModality               = Tag{0x0008, 0x0060}
	TagModalitiesInStudy      = Tag{0x0008, 0x0061}
	TagReferringPhysicianName = Tag{0x0008, 0x0090}
	TagStudyDescription       = Tag{0x0008, 0x1030}
	TagSeriesDescription      = Tag{0x0008, 0x103E}
	TagRetrieveURL            = Tag{0x0008, 0x1190}
	TagPatientName            = Tag{0x0010, 0x0010}
	TagPatientID              = Tag{0x0010, 0x0020}
	TagIssuerOfPatientID      = Tag{0x0010, 0x0021}
	TagPatientBirthDate       = Tag{0x0010, 0x0030}
	TagPatientBirthTime       = Tag{0x0010, 0x0032}
	TagPatientSex             = Tag{0x0010, 0x0040}
	TagStudyInstanceUID       = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID      = Tag{0x0020, 0x000E}
	TagStudyID                = Tag{0x0020, 0x0010}
	TagSeriesNumber           = Tag{0x0020, 0x0011}
	TagInstanceNumber         = Tag{0x0020, 0x0013}
)
