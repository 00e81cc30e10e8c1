package printing

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iggafy/dropaline-sub000/internal/drops"
	"gorm.io/datatypes"
)

func sampleDrop(t *testing.T, layout drops.Layout) drops.Drop {
	t.Helper()
	return drops.Drop{
		DropID:   "drop-1",
		AuthorID: "author-1",
		Title:    "Morning <Edition>",
		Body:     datatypes.JSON(`[{"text":"first line\nsecond line","bold":true},{"text":"a & b","italic":true}]`),
		Layout:   layout,
	}
}

func TestRenderMarkupLayouts(t *testing.T) {
	tests := []struct {
		layout   drops.Layout
		contains []string
		excludes []string
	}{
		{
			layout:   drops.LayoutClassic,
			contains: []string{"<b>Morning &lt;Edition&gt;</b>", "@ada", "<b>first line<br>second line</b>", "<i>a &amp; b</i>"},
		},
		{
			layout:   drops.LayoutZine,
			contains: []string{"<b><i>MORNING &lt;EDITION&gt;</i></b>", "<u>@ada</u>"},
		},
		{
			layout:   drops.LayoutMinimal,
			contains: []string{"<i>a &amp; b</i>"},
			excludes: []string{"Morning", "@ada"},
		},
	}
	for _, tt := range tests {
		t.Run(string(tt.layout), func(t *testing.T) {
			markup, err := RenderMarkup(sampleDrop(t, tt.layout), "@ada")
			if err != nil {
				t.Fatalf("render failed: %v", err)
			}
			for _, fragment := range tt.contains {
				if !strings.Contains(markup, fragment) {
					t.Fatalf("expected %q in markup %q", fragment, markup)
				}
			}
			for _, fragment := range tt.excludes {
				if strings.Contains(markup, fragment) {
					t.Fatalf("unexpected %q in markup %q", fragment, markup)
				}
			}
		})
	}
}

func TestRenderMarkupBylineFallsBackToAuthorID(t *testing.T) {
	markup, err := RenderMarkup(sampleDrop(t, drops.LayoutClassic), "")
	if err != nil {
		t.Fatalf("render failed: %v", err)
	}
	if !strings.Contains(markup, "author-1") {
		t.Fatalf("expected author id byline, got %q", markup)
	}
}

func TestRenderMarkupRejectsCorruptBody(t *testing.T) {
	drop := sampleDrop(t, drops.LayoutClassic)
	drop.Body = datatypes.JSON(`{"not":"a list"}`)
	if _, err := RenderMarkup(drop, "@ada"); err == nil {
		t.Fatalf("expected error for corrupt body")
	}
}

func TestRenderPDFProducesDocument(t *testing.T) {
	doc, err := NewDocument(sampleDrop(t, drops.LayoutZine), "@ada", SaveAsDocument)
	if err != nil {
		t.Fatalf("document failed: %v", err)
	}
	var buffer bytes.Buffer
	if err := RenderPDF(doc, &buffer); err != nil {
		t.Fatalf("render pdf failed: %v", err)
	}
	if !bytes.HasPrefix(buffer.Bytes(), []byte("%PDF-")) {
		t.Fatalf("output is not a pdf")
	}
}

type cancellingPrompter struct{}

func (cancellingPrompter) PromptPath(context.Context, Document) (string, bool, error) {
	return "", false, nil
}

func TestPDFSinkSavesIntoDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "prints")
	prompter := DirectoryPrompter{Dir: dir, Clock: func() time.Time { return time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC) }}
	sink := NewPDFSink(prompter, nil)

	doc, err := NewDocument(sampleDrop(t, drops.LayoutClassic), "@ada", SaveAsDocument)
	if err != nil {
		t.Fatalf("document failed: %v", err)
	}
	if !sink.Submit(context.Background(), doc) {
		t.Fatalf("expected save to succeed")
	}
	saved := filepath.Join(dir, "morning-edition-20260314T080000.000.pdf")
	content, err := os.ReadFile(saved)
	if err != nil {
		t.Fatalf("expected saved file: %v", err)
	}
	if !bytes.HasPrefix(content, []byte("%PDF-")) {
		t.Fatalf("saved file is not a pdf")
	}
}

func TestPDFSinkCancelledSaveFails(t *testing.T) {
	sink := NewPDFSink(cancellingPrompter{}, nil)
	if sink.Submit(context.Background(), Document{Title: "x", Markup: "x"}) {
		t.Fatalf("cancelled save must report failure")
	}
	if NewPDFSink(nil, nil).Submit(context.Background(), Document{}) {
		t.Fatalf("missing prompter must report failure")
	}
}

func TestCommandSinkSpoolsToDevice(t *testing.T) {
	var (
		gotName string
		gotArgs []string
		spooled bool
	)
	runner := func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		content, err := os.ReadFile(args[len(args)-1])
		spooled = err == nil && bytes.HasPrefix(content, []byte("%PDF-"))
		return []byte("request id is Office-42 (1 file(s))"), nil
	}
	sink := NewCommandSink("", runner, nil)
	doc := Document{Markup: "<b>hi</b>", DeviceID: "Office", Title: "Hi", Layout: drops.LayoutMinimal}
	if !sink.Submit(context.Background(), doc) {
		t.Fatalf("expected submit to succeed")
	}
	if gotName != "lp" {
		t.Fatalf("expected lp command, got %q", gotName)
	}
	if len(gotArgs) != 5 || gotArgs[0] != "-d" || gotArgs[1] != "Office" || gotArgs[3] != "Hi" {
		t.Fatalf("unexpected arguments %v", gotArgs)
	}
	if !spooled {
		t.Fatalf("expected a rendered pdf to be spooled")
	}
	if _, err := os.Stat(gotArgs[4]); !os.IsNotExist(err) {
		t.Fatalf("expected spool file to be removed, stat err=%v", err)
	}
}

func TestCommandSinkReportsCommandFailure(t *testing.T) {
	runner := func(context.Context, string, ...string) ([]byte, error) {
		return []byte("lp: The printer or class does not exist."), errors.New("exit status 1")
	}
	sink := NewCommandSink("lp", runner, nil)
	if sink.Submit(context.Background(), Document{Markup: "x", DeviceID: "Gone", Title: "x"}) {
		t.Fatalf("expected failure for unavailable device")
	}
}

func TestRouterDispatchesOnDevice(t *testing.T) {
	var routed []string
	documents := SinkFunc(func(_ context.Context, doc Document) bool {
		routed = append(routed, "documents:"+doc.DeviceID)
		return true
	})
	devices := SinkFunc(func(_ context.Context, doc Document) bool {
		routed = append(routed, "devices:"+doc.DeviceID)
		return true
	})
	router := Router{Documents: documents, Devices: devices}
	for _, device := range []string{SaveAsDocument, "", "Office"} {
		if !router.Submit(context.Background(), Document{DeviceID: device}) {
			t.Fatalf("expected submit to %q to succeed", device)
		}
	}
	expected := []string{"documents:" + SaveAsDocument, "documents:", "devices:Office"}
	if strings.Join(routed, ",") != strings.Join(expected, ",") {
		t.Fatalf("unexpected routing %v", routed)
	}
	if (Router{}).Submit(context.Background(), Document{DeviceID: "Office"}) {
		t.Fatalf("router without a device sink must fail")
	}
}

func TestNoDeviceRejectsDeviceJobs(t *testing.T) {
	router := Router{
		Documents: SinkFunc(func(context.Context, Document) bool { return true }),
		Devices:   NoDevice(nil),
	}
	if router.Submit(context.Background(), Document{DeviceID: "Office", Title: "x"}) {
		t.Fatalf("expected device job to fail without a print command")
	}
	if !router.Submit(context.Background(), Document{DeviceID: SaveAsDocument, Title: "x"}) {
		t.Fatalf("expected document job to still succeed")
	}
}
