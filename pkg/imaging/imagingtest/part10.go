// Package imagingtest provides helpers for tests that exchange DICOM objects.
package imagingtest

import (
	"bytes"
	"encoding/binary"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/imaging"
)

// ExplicitVRLittleEndian is the transfer syntax Part10 encodes with.
const ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

// CTImageStorage is a storage SOP class accepted by default.
const CTImageStorage = "1.2.840.10008.5.1.4.1.1.2"

// Part10 encodes a minimal DICOM file carrying h's routing attributes.
// Blank attributes are omitted.
func Part10(h imaging.Header) []byte {
	var meta bytes.Buffer
	writeElement(&meta, 0x0002, 0x0001, "OB", []byte{0x00, 0x01})
	writeString(&meta, 0x0002, 0x0002, "UI", h.SOPClassUID)
	writeString(&meta, 0x0002, 0x0003, "UI", h.InstanceUID)
	writeString(&meta, 0x0002, 0x0010, "UI", ExplicitVRLittleEndian)

	var out bytes.Buffer
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	groupLength := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLength, uint32(meta.Len()))
	writeElement(&out, 0x0002, 0x0000, "UL", groupLength)
	out.Write(meta.Bytes())

	writeString(&out, 0x0008, 0x0016, "UI", h.SOPClassUID)
	writeString(&out, 0x0008, 0x0018, "UI", h.InstanceUID)
	writeString(&out, 0x0008, 0x0050, "SH", h.AccessionNumber)
	writeString(&out, 0x0010, 0x0020, "LO", h.MRN)
	writeString(&out, 0x0020, 0x000D, "UI", h.StudyUID)
	return out.Bytes()
}

func writeString(buf *bytes.Buffer, group, element uint16, vr, value string) {
	if value == "" {
		return
	}
	b := []byte(value)
	if len(b)%2 == 1 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0
		}
		b = append(b, pad)
	}
	writeElement(buf, group, element, vr, b)
}

func writeElement(buf *bytes.Buffer, group, element uint16, vr string, value []byte) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:], group)
	binary.LittleEndian.PutUint16(hdr[2:], element)
	buf.Write(hdr[:])
	buf.WriteString(vr)

	switch vr {
	case "OB", "OW", "SQ", "UN", "UT":
		var l [6]byte
		binary.LittleEndian.PutUint32(l[2:], uint32(len(value)))
		buf.Write(l[:])
	default:
		var l [2]byte
		binary.LittleEndian.PutUint16(l[:], uint16(len(value)))
		buf.Write(l[:])
	}
	buf.Write(value)
}
