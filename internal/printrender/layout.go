// Package printrender is the pure document → byte-stream layer
// (spec.md §4.E). It holds no state and performs no I/O: every function
// takes a document and a layout config and returns bytes (or HTML) plus
// a list of non-fatal warnings.
package printrender

// Template selects the receipt layout variant.
type Template string

const (
	TemplateClassic Template = "classic"
	TemplateModern  Template = "modern"
)

// GreekRenderMode selects how Greek text is handled by the printer.
type GreekRenderMode string

const (
	GreekRenderNone   GreekRenderMode = "none"
	GreekRenderBitmap GreekRenderMode = "bitmap"
)

// Warning codes emitted by the renderer; non-fatal, attached to the
// print job without changing its status.
const (
	WarningCharacterSetFallback = "character_set_fallback"
	WarningGreekBitmapFallback  = "greek_bitmap_fallback"
)

// columnsForWidth maps a paper width in millimeters to its character
// column count, per spec.md §4.E.
func columnsForWidth(paperWidthMM int) int {
	switch paperWidthMM {
	case 58:
		return 32
	case 112:
		return 56
	default: // 80mm is the common case and also the fallback for unknown widths
		return 42
	}
}

// knownCharacterSets maps a declared character_set to its ESC/POS code
// page selector byte. Anything not in this table falls back to PC437
// and raises WarningCharacterSetFallback.
var knownCharacterSets = map[string]byte{
	"PC437":       0x00,
	"PC850":       0x02,
	"PC860":       0x03,
	"PC863":       0x04,
	"PC865":       0x05,
	"PC737_GREEK": 0x06,
	"PC852":       0x12,
}

// LayoutConfig is the printer/organization-specific rendering
// configuration, derived from a printer_profiles row plus the
// organization's receipt customization local_settings.
type LayoutConfig struct {
	PaperWidthMM    int
	Template        Template
	OrganizationName string
	LogoRaster      []byte // pre-rasterized ESC/POS logo command sequence, nil if none
	ShowQRCode      bool
	QRData          string
	CharacterSet    string
	GreekRenderMode GreekRenderMode
	FooterText      string
	CopyLabel       string
	CutOnFinish     bool
}

// Columns returns the usable text width for this layout.
func (c LayoutConfig) Columns() int { return columnsForWidth(c.PaperWidthMM) }

// IsWide reports whether this layout is wide enough for modern-template
// header emphasis and double-height totals (i.e. 80mm or 112mm).
func (c LayoutConfig) IsWide() bool { return c.PaperWidthMM >= 80 }
