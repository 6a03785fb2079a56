package dimse

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Tag is a DICOM tag packed as group<<16 | element
type Tag uint32

// Command set tags (group 0000)
const (
	TagCommandGroupLength Tag = 0x00000000
	TagAffectedSOPClass   Tag = 0x00000002
	TagCommandField       Tag = 0x00000100
	TagMessageID          Tag = 0x00000110
	TagMessageIDResponded Tag = 0x00000120
	TagPriority           Tag = 0x00000700
	TagCommandDataSetType Tag = 0x00000800
	TagStatus             Tag = 0x00000900
)

// Query/identifier tags used by the export pipeline
const (
	TagStudyDate           Tag = 0x00080020
	TagSOPInstanceUID      Tag = 0x00080018
	TagQueryRetrieveLevel  Tag = 0x00080052
	TagModality            Tag = 0x00080060
	TagStudyInstanceUID    Tag = 0x0020000D
	TagSeriesInstanceUID   Tag = 0x0020000E
	TagInstanceNumber      Tag = 0x00200013
	TagRows                Tag = 0x00280010
	TagColumns             Tag = 0x00280011
)

// Command set values
const (
	CommandCFindRQ  = 0x0020
	CommandCFindRSP = 0x8020
	CommandCEchoRQ  = 0x0030
	CommandCEchoRSP = 0x8030

	// DataSetTypeNull in (0000,0800) means no dataset follows the command
	DataSetTypeNull = 0x0101

	StatusSuccess        = 0x0000
	StatusPending        = 0xFF00
	StatusPendingWarning = 0xFF01
)

// SOP class UIDs negotiated by this client
const (
	StudyRootQRFindSOPClass = "1.2.840.10008.5.1.4.1.2.2.1"
	VerificationSOPClass    = "1.2.840.10008.1.1"
)

// valueKind describes how a tag's value is represented on the wire under
// Implicit VR Little Endian. Everything this client touches is either text
// (UI/CS/DA/IS/SH) or an unsigned binary integer (US/UL).
type valueKind int

const (
	kindText valueKind = iota
	kindUint16
	kindUint32
)

var tagKinds = map[Tag]valueKind{
	TagCommandGroupLength: kindUint32,
	TagCommandField:       kindUint16,
	TagMessageID:          kindUint16,
	TagMessageIDResponded: kindUint16,
	TagPriority:           kindUint16,
	TagCommandDataSetType: kindUint16,
	TagStatus:             kindUint16,
	TagRows:               kindUint16,
	TagColumns:            kindUint16,
}

func kindOf(tag Tag) valueKind {
	if k, ok := tagKinds[tag]; ok {
		return k
	}
	return kindText
}

// Dataset is a flat set of DICOM elements, sufficient for the C-FIND command
// sets and identifiers this service exchanges. Values are held as strings;
// binary US/UL elements are converted on encode/decode.
type Dataset map[Tag]string

// GetString returns the value for a tag with padding trimmed
func (d Dataset) GetString(tag Tag) (string, bool) {
	v, ok := d[tag]
	if !ok {
		return "", false
	}
	return strings.TrimRight(v, " \x00"), true
}

// GetInt returns the value for a tag parsed as an integer
func (d Dataset) GetInt(tag Tag) (int, bool) {
	s, ok := d.GetString(tag)
	if !ok || s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, false
	}
	return n, true
}

// Has reports whether the tag is present, even with an empty value
func (d Dataset) Has(tag Tag) bool {
	_, ok := d[tag]
	return ok
}

// encodeElements serializes the dataset as Implicit VR Little Endian,
// elements in ascending tag order as the standard requires.
func encodeElements(d Dataset) ([]byte, error) {
	tags := make([]Tag, 0, len(d))
	for tag := range d {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	var out []byte
	for _, tag := range tags {
		value, err := encodeValue(tag, d[tag])
		if err != nil {
			return nil, err
		}

		hdr := make([]byte, 8)
		binary.LittleEndian.PutUint16(hdr[0:2], uint16(tag>>16))
		binary.LittleEndian.PutUint16(hdr[2:4], uint16(tag&0xFFFF))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(value)))
		out = append(out, hdr...)
		out = append(out, value...)
	}
	return out, nil
}

func encodeValue(tag Tag, s string) ([]byte, error) {
	switch kindOf(tag) {
	case kindUint16:
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("tag %08X: invalid uint16 value %q", uint32(tag), s)
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return b, nil
	case kindUint32:
		if s == "" {
			return nil, nil
		}
		n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("tag %08X: invalid uint32 value %q", uint32(tag), s)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return b, nil
	default:
		// Text values are padded to even length with a space
		if len(s)%2 != 0 {
			s += " "
		}
		return []byte(s), nil
	}
}

// decodeElements parses an Implicit VR Little Endian element stream
func decodeElements(data []byte) (Dataset, error) {
	d := make(Dataset)
	for off := 0; off < len(data); {
		if len(data)-off < 8 {
			return nil, fmt.Errorf("truncated element header at offset %d", off)
		}
		group := binary.LittleEndian.Uint16(data[off : off+2])
		elem := binary.LittleEndian.Uint16(data[off+2 : off+4])
		length := binary.LittleEndian.Uint32(data[off+4 : off+8])
		off += 8

		if length == 0xFFFFFFFF {
			return nil, fmt.Errorf("undefined-length element %04X,%04X not supported", group, elem)
		}
		if uint32(len(data)-off) < length {
			return nil, fmt.Errorf("truncated element %04X,%04X value", group, elem)
		}

		tag := Tag(group)<<16 | Tag(elem)
		value := data[off : off+int(length)]
		off += int(length)

		switch kindOf(tag) {
		case kindUint16:
			if length == 2 {
				d[tag] = strconv.FormatUint(uint64(binary.LittleEndian.Uint16(value)), 10)
			} else {
				d[tag] = ""
			}
		case kindUint32:
			if length == 4 {
				d[tag] = strconv.FormatUint(uint64(binary.LittleEndian.Uint32(value)), 10)
			} else {
				d[tag] = ""
			}
		default:
			d[tag] = string(value)
		}
	}
	return d, nil
}

// encodeCommand serializes a command set, prefixing the mandatory
// (0000,0000) Command Group Length element.
func encodeCommand(d Dataset) ([]byte, error) {
	body, err := encodeElements(d)
	if err != nil {
		return nil, err
	}

	groupLength := Dataset{TagCommandGroupLength: strconv.Itoa(len(body))}
	prefix, err := encodeElements(groupLength)
	if err != nil {
		return nil, err
	}
	return append(prefix, body...), nil
}
