// Package statement renders monthly usage statements to PDF and stores
// the produced files. Rendering runs through headless Chrome by default,
// with a wkhtmltopdf fallback for hosts without a Chrome install.
package statement

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// PaperSize defines the output page dimensions for a statement
type PaperSize string

const (
	PaperSizeA4     PaperSize = "A4"
	PaperSizeLetter PaperSize = "LETTER"
)

// IsValid checks if the PaperSize is a valid value
func (p PaperSize) IsValid() bool {
	switch p {
	case PaperSizeA4, PaperSizeLetter:
		return true
	}
	return false
}

// Dimensions returns width and height in millimeters
func (p PaperSize) Dimensions() (width, height int) {
	switch p {
	case PaperSizeLetter:
		return 216, 279
	default:
		return 210, 297
	}
}

// Orientation defines the page orientation
type Orientation string

const (
	OrientationPortrait  Orientation = "PORTRAIT"
	OrientationLandscape Orientation = "LANDSCAPE"
)

// Margins are the page margins in millimeters
type Margins struct {
	Top    int
	Right  int
	Bottom int
	Left   int
}

// DefaultMargins returns the margins statements are rendered with
func DefaultMargins() Margins {
	return Margins{Top: 15, Right: 12, Bottom: 15, Left: 12}
}

// RenderRequest contains the parameters for rendering HTML to PDF
type RenderRequest struct {
	// HTML content to render
	HTML string
	// PaperSize defines the output paper dimensions
	PaperSize PaperSize
	// Orientation defines portrait or landscape
	Orientation Orientation
	// Margins in millimeters
	Margins Margins
	// Title for the PDF document metadata
	Title string
	// Footer HTML content (optional)
	FooterHTML string
	// Timeout overrides the default rendering timeout
	Timeout time.Duration
}

// RenderResult contains the output from PDF rendering
type RenderResult struct {
	// PDFData is the raw PDF file content
	PDFData []byte
	// PageCount is the number of pages in the PDF
	PageCount int
	// RenderDuration is how long the rendering took
	RenderDuration time.Duration
}

// PDFRenderer defines the interface for rendering HTML to PDF
type PDFRenderer interface {
	// Render converts HTML content to a PDF document
	Render(ctx context.Context, req *RenderRequest) (*RenderResult, error)
	// Close releases any resources held by the renderer
	Close() error
}

// RenderError represents an error during PDF rendering
type RenderError struct {
	Code    string
	Message string
	Cause   error
}

func (e *RenderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *RenderError) Unwrap() error {
	return e.Cause
}

// Error codes for rendering failures
const (
	ErrCodeRenderTimeout    = "RENDER_TIMEOUT"
	ErrCodeRenderFailed     = "RENDER_FAILED"
	ErrCodeInvalidHTML      = "INVALID_HTML"
	ErrCodeBinaryNotFound   = "BINARY_NOT_FOUND"
	ErrCodeInvalidPaperSize = "INVALID_PAPER_SIZE"
	ErrCodeStorageFailed    = "STORAGE_FAILED"
)

// NewRenderError creates a new RenderError
func NewRenderError(code, message string, cause error) *RenderError {
	return &RenderError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Rendering engine names accepted by NewRenderer
const (
	EngineChromedp    = "chromedp"
	EngineWkhtmltopdf = "wkhtmltopdf"
)

// RendererConfig selects and tunes the PDF rendering engine
type RendererConfig struct {
	// Engine is "chromedp" or "wkhtmltopdf"
	Engine string
	// BinaryPath overrides the wkhtmltopdf binary location
	BinaryPath string
	// RemoteURL points chromedp at an already running Chrome instance
	RemoteURL string
	// NoSandbox runs Chrome without sandbox (required for Docker/root)
	NoSandbox bool
	// Timeout bounds a single render
	Timeout time.Duration
	// Logger for debug output
	Logger *zap.Logger
}

// NewRenderer builds the configured PDF rendering engine. An empty
// engine name selects chromedp.
func NewRenderer(config RendererConfig) (PDFRenderer, error) {
	switch config.Engine {
	case "", EngineChromedp:
		return NewChromedpRenderer(&ChromedpConfig{
			DefaultTimeout: config.Timeout,
			RemoteURL:      config.RemoteURL,
			NoSandbox:      config.NoSandbox,
			Logger:         config.Logger,
		})
	case EngineWkhtmltopdf:
		return NewWkhtmltopdfRenderer(&WkhtmltopdfConfig{
			BinaryPath:     config.BinaryPath,
			DefaultTimeout: config.Timeout,
			Logger:         config.Logger,
		})
	default:
		return nil, NewRenderError(ErrCodeRenderFailed,
			fmt.Sprintf("unknown render engine: %s", config.Engine), nil)
	}
}

// estimatePageCount estimates the page count from PDF data
// This is a simple heuristic that counts "/Type /Page" occurrences
func estimatePageCount(pdfData []byte) int {
	count := bytes.Count(pdfData, []byte("/Type /Page"))
	// Each page has one "/Type /Page" but the count also includes "/Type /Pages"
	// So we subtract the parent Pages object occurrences
	parentCount := bytes.Count(pdfData, []byte("/Type /Pages"))
	count = count - parentCount
	return max(count, 1)
}
