package bytecode

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// ImageMagic is the magic number at the start of serialized programs.
var ImageMagic = []byte("PVBC")

// ImageVersion is the current image format version.
const ImageVersion uint16 = 1

// ImageFlags are bit flags stored in the image header.
type ImageFlags uint16

const (
	// ImageFlagLabels indicates that a label table follows the code.
	ImageFlagLabels ImageFlags = 1 << iota
)

// Label names a code offset for listings.
type Label struct {
	Offset uint32
	Name   string
}

// Image is a program together with its header and optional labels.
// The VM only ever sees Code; everything else is for tooling.
type Image struct {
	Version uint16
	Flags   ImageFlags
	Code    []byte
	Labels  []Label
}

// NewImage wraps code in an image of the current version.
func NewImage(code []byte) *Image {
	return &Image{Version: ImageVersion, Code: code}
}

// AddLabel names an offset. Labels are kept sorted by offset.
func (img *Image) AddLabel(offset int, name string) {
	img.Labels = append(img.Labels, Label{Offset: uint32(offset), Name: name})
	sort.SliceStable(img.Labels, func(i, j int) bool {
		return img.Labels[i].Offset < img.Labels[j].Offset
	})
	img.Flags |= ImageFlagLabels
}

// LabelAt returns the first label naming offset.
func (img *Image) LabelAt(offset int) (string, bool) {
	for _, l := range img.Labels {
		if int(l.Offset) == offset {
			return l.Name, true
		}
	}
	return "", false
}

// Serialize converts the image to bytes.
//
// Format:
//
//	magic "PVBC" | version u16 | flags u16 | code_len u32 | code
//	[labels]  count u16 | (offset u32 | name_len u8 | name)*
//
// All integers are big-endian.
func (img *Image) Serialize() ([]byte, error) {
	if len(img.Code) > int(^uint32(0)) {
		return nil, fmt.Errorf("code section too large: %d bytes", len(img.Code))
	}
	if len(img.Labels) > int(^uint16(0)) {
		return nil, fmt.Errorf("too many labels: %d", len(img.Labels))
	}

	buf := make([]byte, 0, 12+len(img.Code)+len(img.Labels)*16)
	buf = append(buf, ImageMagic...)
	buf = binary.BigEndian.AppendUint16(buf, img.Version)

	flags := img.Flags &^ ImageFlagLabels
	if len(img.Labels) > 0 {
		flags |= ImageFlagLabels
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(flags))

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(img.Code)))
	buf = append(buf, img.Code...)

	if flags&ImageFlagLabels != 0 {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(img.Labels)))
		for _, l := range img.Labels {
			if len(l.Name) > 255 {
				return nil, fmt.Errorf("label %q too long", l.Name)
			}
			buf = binary.BigEndian.AppendUint32(buf, l.Offset)
			buf = append(buf, byte(len(l.Name)))
			buf = append(buf, l.Name...)
		}
	}
	return buf, nil
}

// Deserialize parses an image previously produced by Serialize.
func Deserialize(data []byte) (*Image, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("image too short: need at least 12 bytes, got %d", len(data))
	}
	if string(data[0:4]) != string(ImageMagic) {
		return nil, fmt.Errorf("invalid image magic: expected %q, got %q", ImageMagic, data[0:4])
	}

	img := &Image{
		Version: binary.BigEndian.Uint16(data[4:6]),
		Flags:   ImageFlags(binary.BigEndian.Uint16(data[6:8])),
	}
	if img.Version > ImageVersion {
		return nil, fmt.Errorf("image version %d is newer than supported version %d", img.Version, ImageVersion)
	}

	pos := 8
	codeLen := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if codeLen > len(data)-pos {
		return nil, fmt.Errorf("unexpected end of image reading code section: need %d bytes at pos %d", codeLen, pos)
	}
	img.Code = make([]byte, codeLen)
	copy(img.Code, data[pos:pos+codeLen])
	pos += codeLen

	if img.Flags&ImageFlagLabels != 0 {
		if pos+2 > len(data) {
			return nil, fmt.Errorf("unexpected end of image reading label count")
		}
		count := int(binary.BigEndian.Uint16(data[pos:]))
		pos += 2
		img.Labels = make([]Label, count)
		for i := range img.Labels {
			if pos+5 > len(data) {
				return nil, fmt.Errorf("unexpected end of image reading label %d", i)
			}
			img.Labels[i].Offset = binary.BigEndian.Uint32(data[pos:])
			nameLen := int(data[pos+4])
			pos += 5
			if pos+nameLen > len(data) {
				return nil, fmt.Errorf("unexpected end of image reading label %d name", i)
			}
			img.Labels[i].Name = string(data[pos : pos+nameLen])
			pos += nameLen
		}
	}

	if pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after image", len(data)-pos)
	}
	return img, nil
}
