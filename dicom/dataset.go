// Package dicom holds attribute records parsed from the DICOM JSON model
// (PS3.18 Annex F) as returned by QIDO-RS endpoints.
package dicom

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/caio-sobreiro/dicomfetch/types"
)

// Element represents a DICOM data element. Values holds strings,
// json.Number for numeric VRs, *Dataset items for sequences and nil for
// empty slots.
type Element struct {
	Tag    types.Tag
	VR     string
	Values []any
}

// Dataset represents a collection of DICOM elements. A dataset returned by
// the parser is never modified afterwards.
type Dataset struct {
	Elements map[types.Tag]*Element
}

// NewDataset creates a new empty dataset
func NewDataset() *Dataset {
	return &Dataset{
		Elements: make(map[types.Tag]*Element),
	}
}

// AddElement adds an element to the dataset
func (d *Dataset) AddElement(tag types.Tag, vr string, values ...any) {
	d.Elements[tag] = &Element{
		Tag:    tag,
		VR:     vr,
		Values: values,
	}
}

// GetElement returns an element by tag
func (d *Dataset) GetElement(tag types.Tag) (*Element, bool) {
	if d == nil {
		return nil, false
	}
	element, exists := d.Elements[tag]
	return element, exists
}

// Len returns the number of elements.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Elements)
}

// GetString returns the value of a tag as a string. Multiple values are
// joined with the DICOM backslash delimiter.
func (d *Dataset) GetString(tag types.Tag) string {
	return strings.Join(d.GetStrings(tag), "\\")
}

// GetStrings returns a slice of string values for a tag
func (d *Dataset) GetStrings(tag types.Tag) []string {
	element, exists := d.GetElement(tag)
	if !exists {
		return nil
	}
	result := make([]string, 0, len(element.Values))
	for _, v := range element.Values {
		switch val := v.(type) {
		case string:
			result = append(result, strings.TrimSpace(val))
		case json.Number:
			result = append(result, val.String())
		case nil:
			result = append(result, "")
		}
	}
	return result
}

// GetInt returns the first value of a tag as an integer.
func (d *Dataset) GetInt(tag types.Tag) (int, bool) {
	element, exists := d.GetElement(tag)
	if !exists || len(element.Values) == 0 {
		return 0, false
	}
	switch val := element.Values[0].(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i), true
		}
		if f, err := val.Float64(); err == nil {
			return int(f), true
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// GetDate returns a DA value as a UTC date.
func (d *Dataset) GetDate(tag types.Tag) (time.Time, bool) {
	return ParseDate(d.firstString(tag))
}

// GetTime returns a TM value as an offset from midnight.
func (d *Dataset) GetTime(tag types.Tag) (time.Duration, bool) {
	return ParseTime(d.firstString(tag))
}

// GetDateTime combines a DA and a TM element. The time part is optional; a
// missing date yields false.
func (d *Dataset) GetDateTime(dateTag, timeTag types.Tag) (time.Time, bool) {
	date, ok := d.GetDate(dateTag)
	if !ok {
		return time.Time{}, false
	}
	if offset, ok := d.GetTime(timeTag); ok {
		date = date.Add(offset)
	}
	return date, true
}

// Subset copies the listed elements into a new dataset. Missing tags are
// skipped.
func (d *Dataset) Subset(tags ...types.Tag) *Dataset {
	subset := NewDataset()
	for _, tag := range tags {
		if element, ok := d.GetElement(tag); ok {
			values := make([]any, len(element.Values))
			copy(values, element.Values)
			subset.AddElement(tag, element.VR, values...)
		}
	}
	return subset
}

func (d *Dataset) firstString(tag types.Tag) string {
	values := d.GetStrings(tag)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// ParseDate parses a DA value ("YYYYMMDD", or the pre-3.0 "YYYY.MM.DD").
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{"20060102", "2006.01.02", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// ParseTime parses a TM value ("HH", "HHMM", "HHMMSS" or "HHMMSS.FFFFFF",
// colons tolerated) into an offset from midnight.
func ParseTime(value string) (time.Duration, bool) {
	value = strings.ReplaceAll(strings.TrimSpace(value), ":", "")
	if value == "" {
		return 0, false
	}

	frac := ""
	if idx := strings.IndexByte(value, '.'); idx >= 0 {
		value, frac = value[:idx], value[idx+1:]
	}
	if len(value) < 2 || len(value) > 6 || len(value)%2 != 0 {
		return 0, false
	}

	var parts [3]int
	for i := 0; i*2 < len(value); i++ {
		n, err := strconv.Atoi(value[i*2 : i*2+2])
		if err != nil {
			return 0, false
		}
		parts[i] = n
	}
	if parts[0] > 23 || parts[1] > 59 || parts[2] > 60 {
		return 0, false
	}

	offset := time.Duration(parts[0])*time.Hour +
		time.Duration(parts[1])*time.Minute +
		time.Duration(parts[2])*time.Second

	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		micros, err := strconv.Atoi(frac + strings.Repeat("0", 6-len(frac)))
		if err != nil {
			return 0, false
		}
		offset += time.Duration(micros) * time.Microsecond
	}
	return offset, true
}

// jsonElement is one attribute of the DICOM JSON model.
type jsonElement struct {
	VR           string            `json:"vr"`
	Value        []json.RawMessage `json:"Value"`
	BulkDataURI  string            `json:"BulkDataURI"`
	InlineBinary string            `json:"InlineBinary"`
}

// ParseJSON stream-parses a QIDO-RS response body and calls fn for every
// dataset in document order. The body may be a JSON array of objects, a
// plain sequence of objects, or empty.
func ParseJSON(r io.Reader, fn func(*Dataset) error) error {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return err
	}

	dec := json.NewDecoder(br)
	dec.UseNumber()

	if first == '[' {
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("failed to read array start: %w", err)
		}
		for dec.More() {
			if err := decodeOne(dec, fn); err != nil {
				return err
			}
		}
		if _, err := dec.Token(); err != nil {
			return fmt.Errorf("failed to read array end: %w", err)
		}
		return nil
	}

	for {
		err := decodeOne(dec, fn)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ParseJSONDatasets collects every dataset of a response body.
func ParseJSONDatasets(r io.Reader) ([]*Dataset, error) {
	var datasets []*Dataset
	err := ParseJSON(r, func(d *Dataset) error {
		datasets = append(datasets, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return datasets, nil
}

func decodeOne(dec *json.Decoder, fn func(*Dataset) error) error {
	var raw map[string]jsonElement
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return err
		}
		return fmt.Errorf("failed to decode dataset: %w", err)
	}
	dataset, err := buildDataset(raw)
	if err != nil {
		return err
	}
	return fn(dataset)
}

func buildDataset(raw map[string]jsonElement) (*Dataset, error) {
	dataset := NewDataset()
	for keyword, element := range raw {
		tag, err := types.ParseTag(keyword)
		if err != nil {
			return nil, err
		}
		values, err := decodeValues(element)
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag, err)
		}
		dataset.AddElement(tag, element.VR, values...)
	}
	return dataset, nil
}

func decodeValues(element jsonElement) ([]any, error) {
	if len(element.Value) == 0 {
		if element.BulkDataURI != "" {
			return []any{element.BulkDataURI}, nil
		}
		return nil, nil
	}

	values := make([]any, 0, len(element.Value))
	for _, raw := range element.Value {
		switch element.VR {
		case types.VR_SQ:
			var item map[string]jsonElement
			if err := json.Unmarshal(raw, &item); err != nil {
				return nil, fmt.Errorf("invalid sequence item: %w", err)
			}
			nested, err := buildDataset(item)
			if err != nil {
				return nil, err
			}
			values = append(values, nested)
		case types.VR_PN:
			var name struct {
				Alphabetic string `json:"Alphabetic"`
			}
			if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
				values = append(values, nil)
				continue
			}
			if err := json.Unmarshal(raw, &name); err != nil {
				return nil, fmt.Errorf("invalid person name: %w", err)
			}
			values = append(values, name.Alphabetic)
		default:
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.UseNumber()
			var v any
			if err := dec.Decode(&v); err != nil {
				return nil, fmt.Errorf("invalid value: %w", err)
			}
			values = append(values, v)
		}
	}
	return values, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.Peek(1)
		if err != nil {
			return 0, err
		}
		switch b[0] {
		case ' ', '\t', '\r', '\n':
			if _, err := br.ReadByte(); err != nil {
				return 0, err
			}
		default:
			return b[0], nil
		}
	}
}
