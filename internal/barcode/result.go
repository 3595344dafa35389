package barcode

import (
	"errors"
	"strings"
)

// ErrMalformedDetection indicates a native detection that cannot be mapped.
var ErrMalformedDetection = errors.New("malformed detection")

// Detection is one raw recognition reported by the native scanning library.
type Detection struct {
	Text     string
	Format   string
	RawBytes []byte
}

// Result is the immutable decoded barcode forwarded to the host.
type Result struct {
	Text     string
	Format   Format
	RawBytes []byte
}

// FromDetection maps a native detection into a Result.
func FromDetection(detection Detection) (Result, error) {
	if detection.Text == "" {
		return Result{}, errors.Join(ErrMalformedDetection, errors.New("detection text is empty"))
	}
	format, err := ParseName(normalizeNativeName(detection.Format))
	if err != nil {
		return Result{}, errors.Join(ErrMalformedDetection, err)
	}

	var raw []byte
	if len(detection.RawBytes) > 0 {
		raw = append([]byte(nil), detection.RawBytes...)
	}
	return Result{
		Text:     detection.Text,
		Format:   format,
		RawBytes: raw,
	}, nil
}

// nativeAliases maps symbology names emitted by platform decoders onto the
// canonical wire names.
var nativeAliases = map[string]Format{
	"ORG.ISO.QRCODE":           FormatQRCode,
	"ORG.ISO.CODE128":          FormatCode128,
	"ORG.ISO.CODE39":           FormatCode39,
	"COM.INTERMEC.CODE93":      FormatCode93,
	"ORG.ISO.DATAMATRIX":       FormatDataMatrix,
	"ORG.GS1.EAN-13":           FormatEAN13,
	"ORG.GS1.EAN-8":            FormatEAN8,
	"ORG.GS1.ITF14":            FormatITF,
	"ORG.ANSI.INTERLEAVED2OF5": FormatITF,
	"ORG.ISO.PDF417":           FormatPDF417,
	"ORG.GS1.UPC-E":            FormatUPCE,
	"ORG.ISO.AZTEC":            FormatAztec,
}

func normalizeNativeName(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if alias, ok := nativeAliases[upper]; ok {
		return string(alias)
	}
	return upper
}
