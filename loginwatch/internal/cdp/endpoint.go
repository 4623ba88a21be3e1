package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
)

// VersionInfo is the subset of /json/version used to attach.
type VersionInfo struct {
	Browser              string `json:"Browser"`
	ProtocolVersion      string `json:"Protocol-Version"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// FetchVersion queries the debugging endpoint's /json/version. ctx bounds
// the whole exchange. Failures are TransportErrors with op "connect".
func FetchVersion(ctx context.Context, hc *http.Client, host string, port int) (VersionInfo, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/json/version", nil)
	if err != nil {
		return VersionInfo{}, newErr(KindConnectionRefused, "connect", err)
	}
	resp, err := hc.Do(req)
	if err != nil {
		return VersionInfo{}, newErr(dialKind(err), "connect", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, newErr(KindConnectionRefused, "connect",
			fmt.Errorf("%s/json/version: status %d", addr, resp.StatusCode))
	}
	var info VersionInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxVersionBody)).Decode(&info); err != nil {
		return VersionInfo{}, newErr(dialKind(err), "connect", fmt.Errorf("decode /json/version: %w", err))
	}
	if info.WebSocketDebuggerURL == "" {
		return VersionInfo{}, newErr(KindConnectionRefused, "connect",
			fmt.Errorf("%s: no webSocketDebuggerUrl", addr))
	}
	info.WebSocketDebuggerURL = rewriteWSHost(info.WebSocketDebuggerURL, addr)
	return info, nil
}

// maxVersionBody caps the /json/version read.
const maxVersionBody = 64 << 10

// Reachable reports whether /json/version answers within ctx.
func Reachable(ctx context.Context, hc *http.Client, host string, port int) bool {
	_, err := FetchVersion(ctx, hc, host, port)
	return err == nil
}

// rewriteWSHost points the advertised websocket URL at the address we
// reached, since Chrome reports its own bind address (often 127.0.0.1 or
// 0.0.0.0) regardless of how it was reached.
func rewriteWSHost(wsURL, addr string) string {
	u, err := url.Parse(wsURL)
	if err != nil {
		return wsURL
	}
	u.Host = addr
	return u.String()
}
