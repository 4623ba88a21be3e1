// CLAUDE:SUMMARY Registers loginwatch MCP tools: check status (with QR file and verification screenshots), export cookies, status history.
package loginwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/xhsmcp/loginwatch/loginstate"
)

// ErrUnsafePath is returned for export paths outside the data directory.
var ErrUnsafePath = errors.New("loginwatch: path escapes data_dir")

// RegisterMCP registers loginwatch tools on an MCP server.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerCheckStatusTool(srv)
	s.registerExportCookiesTool(srv)
	s.registerHistoryTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

type toolEndpoint func(ctx context.Context, req any) (any, error)

// registerTool adapts a typed endpoint to an MCP tool. Decode and endpoint
// failures become tool errors, never protocol errors.
func registerTool(srv *mcp.Server, tool *mcp.Tool, endpoint toolEndpoint, decode func(*mcp.CallToolRequest) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		decoded, err := decode(req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}

		resp, err := endpoint(ctx, decoded)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(errors.New(err.Error()))
			return &res, nil
		}

		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// decodeArgs unmarshals tool arguments into T; absent arguments yield T's zero value.
func decodeArgs[T any](req *mcp.CallToolRequest) (any, error) {
	var r T
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

// --- check_status ---

type checkStatusRequest struct {
	EntryURL string `json:"entry_url,omitempty"`
	Navigate *bool  `json:"navigate,omitempty"`
}

// StatusReport is a status plus the files saved for it: the QR payload and,
// on captcha_gate or needs_qr_scan, screenshots of the verification.
type StatusReport struct {
	loginstate.Status
	QRImagePath            string `json:"qr_image_path,omitempty"`
	CaptchaScreenshotPath  string `json:"captcha_screenshot_path,omitempty"`
	FullPageScreenshotPath string `json:"full_page_screenshot_path,omitempty"`
}

func (s *Service) registerCheckStatusTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name: "loginwatch_check_status",
		Description: "Check whether the persistent browser session is logged in. " +
			"Returns state (logged_in, needs_qr_scan, captcha_gate, browser_offline, unknown), " +
			"a detail string and, when a QR code or captcha is shown, the saved QR image and screenshot paths.",
		InputSchema: inputSchema(map[string]any{
			"entry_url": map[string]any{"type": "string", "description": "Page to open (default: configured entry URL)"},
			"navigate":  map[string]any{"type": "boolean", "description": "Navigate before probing (default true). Use false while a QR code is being scanned."},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*checkStatusRequest)
		navigate := r.Navigate == nil || *r.Navigate
		return s.Check(ctx, r.EntryURL, navigate)
	}

	registerTool(srv, tool, endpoint, decodeArgs[checkStatusRequest])
}

// Check resolves the status, saves any QR payload under QRDir and, on a
// verification state, screenshots under CaptchaDir. Artifact failures are
// logged and never fail the check.
func (s *Service) Check(ctx context.Context, entryURL string, navigate bool) (*StatusReport, error) {
	if entryURL == "" {
		entryURL = s.cfg.EntryURL
	}

	var (
		st  loginstate.Status
		err error
	)
	if navigate {
		st, err = s.resolver.EnsureLoginStatus(ctx, entryURL)
	} else {
		st, err = s.resolver.CheckCurrent(ctx)
	}
	if err != nil {
		return nil, err
	}

	rep := &StatusReport{Status: st}
	if st.HasQRPayload() {
		path, err := SaveQR(s.QRDir(), st.QRPayload, st.CheckedAt)
		if err != nil {
			s.logger.Warn("loginwatch: save qr", "error", err)
		}
		rep.QRImagePath = path
	}
	if !s.cfg.Browser.SkipScreenshots &&
		(st.State == loginstate.StateCaptchaGate || st.State == loginstate.StateNeedsQRScan) {
		s.saveScreenshots(ctx, rep)
	}
	return rep, nil
}

func (s *Service) saveScreenshots(ctx context.Context, rep *StatusReport) {
	cropped, full, err := s.resolver.CaptureVerification(ctx)
	if err != nil {
		s.logger.Warn("loginwatch: verification screenshot", "state", rep.State, "error", err)
	}
	if len(cropped) > 0 {
		if rep.CaptchaScreenshotPath, err = SaveScreenshot(s.CaptchaDir(), "captcha", cropped, rep.CheckedAt); err != nil {
			s.logger.Warn("loginwatch: save screenshot", "error", err)
		}
	}
	if len(full) > 0 {
		if rep.FullPageScreenshotPath, err = SaveScreenshot(s.CaptchaDir(), "full_page", full, rep.CheckedAt); err != nil {
			s.logger.Warn("loginwatch: save screenshot", "error", err)
		}
	}
}

// --- export_cookies ---

type exportCookiesRequest struct {
	EntryURL string `json:"entry_url,omitempty"`
	Path     string `json:"path,omitempty"`
}

type exportCookiesResponse struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

func (s *Service) registerExportCookiesTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "loginwatch_export_cookies",
		Description: "Export the logged-in session cookies of the entry URL's domain to a JSON file. Requires a prior logged_in status.",
		InputSchema: inputSchema(map[string]any{
			"entry_url": map[string]any{"type": "string", "description": "URL whose registrable domain selects the cookies (default: configured entry URL)"},
			"path":      map[string]any{"type": "string", "description": "Output file name, relative to data_dir (default: cookies.json)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*exportCookiesRequest)
		entryURL := r.EntryURL
		if entryURL == "" {
			entryURL = s.cfg.EntryURL
		}
		path := s.CookiesPath()
		if r.Path != "" {
			p, err := underDir(s.cfg.DataDir, r.Path)
			if err != nil {
				return nil, err
			}
			path = p
		}
		n, err := s.resolver.ExportCookies(ctx, entryURL, path)
		if err != nil {
			return nil, err
		}
		return &exportCookiesResponse{Path: path, Count: n}, nil
	}

	registerTool(srv, tool, endpoint, decodeArgs[exportCookiesRequest])
}

// underDir joins name under dir and rejects names that would escape it.
func underDir(dir, name string) (string, error) {
	if filepath.IsAbs(name) || hasDotDot(name) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	base := filepath.Clean(dir)
	p := filepath.Join(base, filepath.Clean("/"+name))
	if !strings.HasPrefix(p, base+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return p, nil
}

func hasDotDot(name string) bool {
	for _, el := range strings.FieldsFunc(filepath.ToSlash(name), func(r rune) bool { return r == '/' }) {
		if el == ".." {
			return true
		}
	}
	return false
}

// --- history ---

type historyRequest struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Service) registerHistoryTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "loginwatch_history",
		Description: "List recent login status checks, newest first.",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Max entries (default 20)"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*historyRequest)
		if s.history == nil {
			return nil, errors.New("history is disabled")
		}
		entries, err := s.history.Recent(ctx, r.Limit)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []HistoryEntry{}
		}
		return entries, nil
	}

	registerTool(srv, tool, endpoint, decodeArgs[historyRequest])
}
