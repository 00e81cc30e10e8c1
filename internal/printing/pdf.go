package printing

import (
	"context"
	"fmt"
	"html"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"go.uber.org/zap"
)

type pageStyle struct {
	fontFamily string
	fontSize   float64
	lineHeight float64
	margin     float64
}

var pageStyles = map[string]pageStyle{
	"classic": {fontFamily: "Times", fontSize: 12, lineHeight: 6, margin: 20},
	"zine":    {fontFamily: "Courier", fontSize: 11, lineHeight: 5.5, margin: 12},
	"minimal": {fontFamily: "Helvetica", fontSize: 11, lineHeight: 5.5, margin: 25},
}

// RenderPDF writes the document as a single A4 PDF.
func RenderPDF(doc Document, w io.Writer) error {
	style, ok := pageStyles[string(doc.Layout)]
	if !ok {
		style = pageStyles["classic"]
	}
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(style.margin, style.margin, style.margin)
	pdf.SetAutoPageBreak(true, style.margin)
	translate := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("dropaline", true)
	pdf.AddPage()

	var bold, italic, underline bool
	applyFont := func() {
		var fontStyle strings.Builder
		if bold {
			fontStyle.WriteString("B")
		}
		if italic {
			fontStyle.WriteString("I")
		}
		if underline {
			fontStyle.WriteString("U")
		}
		pdf.SetFont(style.fontFamily, fontStyle.String(), style.fontSize)
	}
	applyFont()

	for _, segment := range fpdf.HTMLBasicTokenize(doc.Markup) {
		switch segment.Cat {
		case 'T':
			pdf.Write(style.lineHeight, translate(html.UnescapeString(segment.Str)))
		case 'O', 'C':
			open := segment.Cat == 'O'
			switch strings.ToLower(segment.Str) {
			case "b", "strong":
				bold = open
			case "i", "em":
				italic = open
			case "u":
				underline = open
			case "br":
				pdf.Ln(style.lineHeight)
				continue
			default:
				continue
			}
			applyFont()
		}
	}
	return pdf.Output(w)
}

// SavePrompter chooses where a saved document goes. ok=false means the user cancelled.
type SavePrompter interface {
	PromptPath(ctx context.Context, doc Document) (path string, ok bool, err error)
}

// DirectoryPrompter saves every document into one directory under a timestamped name.
type DirectoryPrompter struct {
	Dir   string
	Clock func() time.Time
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

func (p DirectoryPrompter) PromptPath(_ context.Context, doc Document) (string, bool, error) {
	if strings.TrimSpace(p.Dir) == "" {
		return "", false, fmt.Errorf("printing: output directory not configured")
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", false, err
	}
	clock := p.Clock
	if clock == nil {
		clock = time.Now
	}
	name := strings.Trim(unsafeFileChars.ReplaceAllString(strings.ToLower(doc.Title), "-"), "-")
	if name == "" {
		name = "drop"
	}
	file := fmt.Sprintf("%s-%s.pdf", name, clock().UTC().Format("20060102T150405.000"))
	return filepath.Join(p.Dir, file), true, nil
}

// PDFSink saves documents as PDF files.
type PDFSink struct {
	prompter SavePrompter
	logger   *zap.Logger
}

func NewPDFSink(prompter SavePrompter, logger *zap.Logger) *PDFSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PDFSink{prompter: prompter, logger: logger}
}

func (s *PDFSink) Submit(ctx context.Context, doc Document) bool {
	if s.prompter == nil {
		s.logger.Error("save prompter not configured")
		return false
	}
	path, ok, err := s.prompter.PromptPath(ctx, doc)
	if err != nil {
		s.logger.Error("save prompt failed", zap.String("title", doc.Title), zap.Error(err))
		return false
	}
	if !ok {
		s.logger.Info("save cancelled", zap.String("title", doc.Title))
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if err := writePDFFile(path, doc); err != nil {
		s.logger.Error("save document failed", zap.String("path", path), zap.Error(err))
		return false
	}
	s.logger.Info("document saved", zap.String("path", path))
	return true
}

func writePDFFile(path string, doc Document) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()
	return RenderPDF(doc, file)
}
