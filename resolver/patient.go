package resolver

import (
	"strings"

	"github.com/caio-sobreiro/dicomfetch/dicom"
	"github.com/caio-sobreiro/dicomfetch/types"
)

var (
	patientTags = []types.Tag{
		types.TagPatientID,
		types.TagPatientName,
		types.TagIssuerOfPatientID,
		types.TagPatientSex,
		types.TagPatientBirthDate,
		types.TagPatientBirthTime,
	}
	studyTags = []types.Tag{
		types.TagStudyInstanceUID,
		types.TagStudyDate,
		types.TagStudyTime,
		types.TagStudyDescription,
		types.TagAccessionNumber,
		types.TagStudyID,
		types.TagReferringPhysicianName,
	}
	seriesTags = []types.Tag{
		types.TagSeriesInstanceUID,
		types.TagModality,
		types.TagSeriesNumber,
		types.TagSeriesDescription,
		types.TagRetrieveURL,
	}
)

// PseudoUID derives the patient key of a record from its patient ID, issuer
// and name. Records describing the same person with cosmetic differences
// (padding, case, trailing name delimiters) share a key.
func PseudoUID(record *dicom.Dataset) string {
	id := strings.TrimSpace(record.GetString(types.TagPatientID))
	issuer := strings.TrimSpace(record.GetString(types.TagIssuerOfPatientID))
	return id + `\` + issuer + `\` + normalizeName(record.GetString(types.TagPatientName))
}

// normalizeName upper-cases a PN value and drops empty trailing components.
func normalizeName(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))
	return strings.TrimRight(name, "^ ")
}
