package printrender

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderESCPOS_GreekBitmapFallbackWarning(t *testing.T) {
	doc := Document{Kind: KindZReport, ZReport: &ZReport{BranchName: "Branch 1", ReportDate: "2026-07-31"}}
	cfg := LayoutConfig{
		PaperWidthMM:    80,
		Template:        TemplateClassic,
		CharacterSet:    "PC737_GREEK",
		GreekRenderMode: GreekRenderBitmap,
		CutOnFinish:     true,
	}

	_, warnings := RenderESCPOS(doc, cfg)
	assert.Contains(t, warnings, WarningGreekBitmapFallback)
}

func TestRenderESCPOS_QRBlockContainsStoreSequence(t *testing.T) {
	doc := Document{Kind: KindOrderReceipt, OrderReceipt: &OrderReceipt{OrderNumber: "1042"}}
	cfg := LayoutConfig{
		PaperWidthMM: 80,
		Template:     TemplateModern,
		CharacterSet: "PC437",
		ShowQRCode:   true,
		QRData:       "https://example.com",
		CutOnFinish:  true,
	}

	out, _ := RenderESCPOS(doc, cfg)
	require.True(t, bytes.Contains(out, []byte{0x1D, 0x28, 0x6B}), "expected QR store sequence 1D 28 6B in output")
}

func TestRenderESCPOS_UnknownCharacterSetFallsBackToPC437(t *testing.T) {
	doc := Document{Kind: KindKitchenTicket, KitchenTicket: &KitchenTicket{OrderNumber: "1042"}}
	cfg := LayoutConfig{PaperWidthMM: 58, CharacterSet: "UTF8_UNSUPPORTED"}

	out, warnings := RenderESCPOS(doc, cfg)
	assert.Contains(t, warnings, WarningCharacterSetFallback)
	assert.True(t, bytes.Contains(out, escCodePage(knownCharacterSets["PC437"])))
}

func TestOrderReceipt_ShowDeliveryBlock(t *testing.T) {
	cases := []struct {
		name   string
		r      OrderReceipt
		expect bool
	}{
		{"delivered with driver", OrderReceipt{OrderType: "delivery", Status: "delivered", DriverName: "Alex"}, true},
		{"completed with driver", OrderReceipt{OrderType: "delivery", Status: "completed", DriverName: "Alex"}, true},
		{"dine-in", OrderReceipt{OrderType: "dine-in", Status: "completed", DriverName: "Alex"}, false},
		{"pending delivery", OrderReceipt{OrderType: "delivery", Status: "pending", DriverName: "Alex"}, false},
		{"no driver", OrderReceipt{OrderType: "delivery", Status: "completed"}, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expect, c.r.ShowDeliveryBlock())
		})
	}
}

func TestOrderReceipt_CustomizationOrdering(t *testing.T) {
	item := LineItem{
		Name: "Burger",
		Customizations: LineItemCustomization{
			With:    []string{"Extra cheese"},
			Without: []string{"Onions"},
		},
	}
	doc := Document{Kind: KindOrderReceipt, OrderReceipt: &OrderReceipt{Items: []LineItem{item}}}
	cfg := LayoutConfig{PaperWidthMM: 80, CharacterSet: "PC437"}

	out, _ := RenderESCPOS(doc, cfg)
	withIdx := bytes.Index(out, []byte("+ Extra cheese"))
	withoutIdx := bytes.Index(out, []byte("- Onions"))
	require.GreaterOrEqual(t, withIdx, 0)
	require.GreaterOrEqual(t, withoutIdx, 0)
	assert.Less(t, withIdx, withoutIdx)
}
