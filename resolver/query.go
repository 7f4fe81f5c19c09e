package resolver

import (
	"net/url"
	"strings"

	"github.com/caio-sobreiro/dicomfetch/types"
)

// includefield lists sent with each query.
const (
	studyFields        = "00080020,00080030,00080050,00080061,00080090,00081030,00100010,00100020,00100021,00100030,00100040,0020000D,00200010"
	seriesLookupFields = studyFields + ",0008103E,00080060,00081190,00200011"
	sopLookupFields    = studyFields + ",0008103E,00080060,0020000E,00200011,00200013,00081190"
	studySeriesFields  = "0008103E,00080060,0020000E,00200011,00081190"
	seriesSOPFields    = "00080018,00200013,00081190"
)

const issuerSeparator = "^^^"

// SplitIssuer splits an HL7 style "id^^^issuer" patient identifier. The
// separator is only honoured when something precedes it.
func SplitIssuer(raw string) (id, issuer string) {
	idx := strings.Index(raw, issuerSeparator)
	if idx <= 0 {
		return raw, ""
	}
	return raw[:idx], raw[idx+len(issuerSeparator):]
}

func lookupParams(tag types.Tag, value, fields string) url.Values {
	params := url.Values{}
	params.Set(tag.Keyword(), value)
	params.Set("includefield", fields)
	return params
}

func patientParams(raw string) url.Values {
	id, issuer := SplitIssuer(raw)
	params := lookupParams(types.TagPatientID, id, studyFields)
	if issuer != "" {
		params.Set(types.TagIssuerOfPatientID.Keyword(), issuer)
	}
	return params
}

func studySeriesPath(studyUID string) string {
	return "/studies/" + url.PathEscape(studyUID) + "/series"
}

func seriesInstancesPath(studyUID, seriesUID string) string {
	return studySeriesPath(studyUID) + "/" + url.PathEscape(seriesUID) + "/instances"
}
