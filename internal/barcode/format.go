package barcode

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Format identifies one barcode symbology.
type Format string

const (
	FormatAztec      Format = "AZTEC"
	FormatCode128    Format = "CODE_128"
	FormatCode39     Format = "CODE_39"
	FormatCode93     Format = "CODE_93"
	FormatDataMatrix Format = "DATA_MATRIX"
	FormatEAN13      Format = "EAN_13"
	FormatEAN8       Format = "EAN_8"
	FormatITF        Format = "ITF"
	FormatPDF417     Format = "PDF_417"
	FormatQRCode     Format = "QR_CODE"
	FormatUPCE       Format = "UPC_E"
)

// ErrUnknownOrdinal indicates a host-supplied format ordinal outside the table.
var ErrUnknownOrdinal = errors.New("unknown barcode format ordinal")

// ErrUnknownName indicates a format name outside the table.
var ErrUnknownName = errors.New("unknown barcode format name")

// ordinals is the host-facing index table. Positions are part of the wire
// contract and must never be reordered.
var ordinals = []Format{
	FormatAztec,
	FormatCode128,
	FormatCode39,
	FormatCode93,
	FormatDataMatrix,
	FormatEAN13,
	FormatEAN8,
	FormatITF,
	FormatPDF417,
	FormatQRCode,
	FormatUPCE,
}

// All returns every supported format in ordinal order.
func All() []Format {
	out := make([]Format, len(ordinals))
	copy(out, ordinals)
	return out
}

// FromOrdinal resolves one host ordinal.
func FromOrdinal(ordinal int) (Format, error) {
	if ordinal < 0 || ordinal >= len(ordinals) {
		return "", fmt.Errorf("%w: %d", ErrUnknownOrdinal, ordinal)
	}
	return ordinals[ordinal], nil
}

// Ordinal returns the host index of a format, or -1 when unsupported.
func (f Format) Ordinal() int {
	for i, candidate := range ordinals {
		if candidate == f {
			return i
		}
	}
	return -1
}

// Valid reports whether the format is part of the closed set.
func (f Format) Valid() bool {
	return f.Ordinal() >= 0
}

func (f Format) String() string {
	return string(f)
}

// ParseName resolves a format name case-insensitively.
func ParseName(name string) (Format, error) {
	candidate := Format(strings.ToUpper(strings.TrimSpace(name)))
	if !candidate.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownName, name)
	}
	return candidate, nil
}

// FormatSet is the allowed-format filter. The empty set allows every format.
type FormatSet map[Format]struct{}

// NewFormatSet builds a set from formats.
func NewFormatSet(formats ...Format) FormatSet {
	set := make(FormatSet, len(formats))
	for _, format := range formats {
		set[format] = struct{}{}
	}
	return set
}

// ParseOrdinals converts a host ordinal list into a set. Any invalid entry
// rejects the whole list.
func ParseOrdinals(values []int) (FormatSet, error) {
	set := make(FormatSet, len(values))
	for _, value := range values {
		format, err := FromOrdinal(value)
		if err != nil {
			return nil, err
		}
		set[format] = struct{}{}
	}
	return set, nil
}

// ParseNames converts a list of format names into a set.
func ParseNames(names []string) (FormatSet, error) {
	set := make(FormatSet, len(names))
	for _, name := range names {
		format, err := ParseName(name)
		if err != nil {
			return nil, err
		}
		set[format] = struct{}{}
	}
	return set, nil
}

// Allows reports whether format passes the filter.
func (s FormatSet) Allows(format Format) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[format]
	return ok
}

// Clone returns an independent copy.
func (s FormatSet) Clone() FormatSet {
	out := make(FormatSet, len(s))
	for format := range s {
		out[format] = struct{}{}
	}
	return out
}

// Sorted returns the members in ordinal order.
func (s FormatSet) Sorted() []Format {
	out := make([]Format, 0, len(s))
	for format := range s {
		out = append(out, format)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Ordinal() < out[j].Ordinal()
	})
	return out
}
