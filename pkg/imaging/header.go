package imaging

import (
	"fmt"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Header carries the routing attributes of an inbound object.
type Header struct {
	MRN             string
	AccessionNumber string
	StudyUID        string
	InstanceUID     string
	SOPClassUID     string
}

// Missing lists the routing attributes that are blank.
func (h Header) Missing() []string {
	var missing []string
	if h.MRN == "" {
		missing = append(missing, "PatientID")
	}
	if h.AccessionNumber == "" {
		missing = append(missing, "AccessionNumber")
	}
	if h.StudyUID == "" {
		missing = append(missing, "StudyInstanceUID")
	}
	if h.InstanceUID == "" {
		missing = append(missing, "SOPInstanceUID")
	}
	return missing
}

// HeaderReader extracts routing attributes from a spooled object.
type HeaderReader interface {
	ReadHeader(path string) (Header, error)
}

// DicomHeaderReader parses Part 10 files, skipping pixel data so that large
// images are never held in memory.
type DicomHeaderReader struct{}

// ReadHeader implements HeaderReader.
func (DicomHeaderReader) ReadHeader(path string) (Header, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return Header{}, fmt.Errorf("parse %s: %w", path, err)
	}

	return Header{
		MRN:             stringValue(ds, tag.PatientID),
		AccessionNumber: stringValue(ds, tag.AccessionNumber),
		StudyUID:        stringValue(ds, tag.StudyInstanceUID),
		InstanceUID:     stringValue(ds, tag.SOPInstanceUID),
		SOPClassUID:     stringValue(ds, tag.SOPClassUID),
	}, nil
}

func stringValue(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return ""
	}
	values, ok := el.Value.GetValue().([]string)
	if !ok || len(values) == 0 {
		return ""
	}
	// UIDs may carry a trailing NUL pad byte.
	return strings.TrimRight(strings.TrimSpace(values[0]), "\x00")
}
