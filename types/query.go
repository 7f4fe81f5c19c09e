package types

import "fmt"

// InstanceReference identifies one retrievable SOP instance of a series.
// Number carries the instance number (the frame index for multi-frame
// references) and is nil when the server did not return one.
type InstanceReference struct {
	SOPInstanceUID string
	Number         *int
	RetrieveURL    string
}

// Key returns the deduplication key of the reference: SOP instance UID plus
// instance number.
func (r InstanceReference) Key() InstanceKey {
	key := InstanceKey{SOPInstanceUID: r.SOPInstanceUID}
	if r.Number != nil {
		key.Number = *r.Number
		key.HasNumber = true
	}
	return key
}

// InstanceKey is the comparable form of an InstanceReference identity.
type InstanceKey struct {
	SOPInstanceUID string
	Number         int
	HasNumber      bool
}

func (k InstanceKey) String() string {
	if !k.HasNumber {
		return k.SOPInstanceUID
	}
	return fmt.Sprintf("%s[%d]", k.SOPInstanceUID, k.Number)
}
