package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tacticsengine/pkg/config"
)

const writeWait = 5 * time.Second

// wsTransport wraps one *websocket.Conn behind connmgr.Transport,
// serializing writes under a mutex (every concurrent writer — the read
// pump's replies, the router's broadcasts — must not race on the same
// socket), generalizing the teacher's wsConnection (pkg/server/
// websocket.go).
type wsTransport struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (t *wsTransport) Send(v interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return t.conn.Close()
}

// orderHosts sorts hosts into custom-hostname, localhost, then IP-address
// groups, so the default allowed-origins list prefers the most specific
// names first, mirroring the teacher's orderHosts (pkg/server/
// websocket.go).
func orderHosts(hosts map[string]string) []string {
	var hostnames, localhosts, ips []string
	for host := range hosts {
		switch {
		case host == "localhost":
			localhosts = append(localhosts, host)
		case net.ParseIP(host) != nil:
			ips = append(ips, host)
		default:
			hostnames = append(hostnames, host)
		}
	}
	sort.Strings(hostnames)
	sort.Strings(localhosts)
	sort.Strings(ips)

	result := make([]string, 0, len(hosts))
	result = append(result, hostnames...)
	result = append(result, localhosts...)
	result = append(result, ips...)
	return result
}

func defaultAllowedOrigins(listenAddr string) []string {
	hosts := map[string]string{"localhost": "localhost", "127.0.0.1": "127.0.0.1"}
	port := "8080"
	if _, p, err := net.SplitHostPort(listenAddr); err == nil && p != "" {
		port = p
	}
	var addrs []string
	for _, host := range orderHosts(hosts) {
		addrs = append(addrs, "http://"+host+":"+port, "https://"+host+":"+port)
	}
	return addrs
}

func isOriginAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if strings.TrimSpace(a) == origin {
			return true
		}
	}
	return false
}

// upgrader builds a websocket.Upgrader whose CheckOrigin enforces cfg's
// allowed-origins policy, falling back to local development origins when
// dev mode is enabled (mirrors the teacher's upgrader()/getAllowedOrigins/
// isOriginAllowed trio).
func upgrader(cfg *config.Config) *websocket.Upgrader {
	allowed := cfg.AllowedOrigins
	if len(allowed) == 0 {
		allowed = defaultAllowedOrigins(cfg.ListenAddr)
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.EnableDevMode {
				return true
			}
			origin := r.Header.Get("Origin")
			ok := isOriginAllowed(origin, allowed)
			if !ok {
				logrus.WithFields(logrus.Fields{"origin": origin, "allowed": allowed}).
					Warn("websocket connection rejected: origin not allowed")
			}
			return ok
		},
	}
}

// envelopeMessage is the shape the read pump needs to extract the message
// type for inbound-message metrics without re-decoding the whole envelope
// twice.
type envelopeMessage struct {
	Type string `json:"type"`
}

func peekType(raw []byte) string {
	var m envelopeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return "unknown"
	}
	return m.Type
}
