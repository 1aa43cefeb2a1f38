// VlessConfig is the serialized form of one outbound: the dictionary
// that travels inside routing.json's configs map and as the argument
// to switch_config/start, plus a parser for the vless:// share-link
// form of the same data and a conversion into vlessclient.Config for
// dialing.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dualstack/veilbound/pkg/errkind"
	"github.com/dualstack/veilbound/pkg/reality"
	"github.com/dualstack/veilbound/pkg/transport/httpupgrade"
	"github.com/dualstack/veilbound/pkg/transport/ws"
	"github.com/dualstack/veilbound/pkg/transport/xhttp"
	"github.com/dualstack/veilbound/pkg/vision"
	"github.com/dualstack/veilbound/pkg/vlessclient"
)

// VlessConfig is the admitted, still-stringly-typed form of one outbound
// as it crosses the serialization boundary.
type VlessConfig struct {
	Name          string `json:"name"`
	ServerAddress string `json:"serverAddress"`
	ServerPort    int    `json:"serverPort"`
	ResolvedIP    string `json:"resolvedIP,omitempty"`
	UUID          string `json:"uuid"`
	Encryption    string `json:"encryption"`
	Transport     string `json:"transport"`
	Flow          string `json:"flow"`
	Security      string `json:"security"`

	TLSServerName    string `json:"tlsServerName,omitempty"`
	TLSAlpn          string `json:"tlsAlpn,omitempty"` // comma-joined
	TLSAllowInsecure bool   `json:"tlsAllowInsecure,omitempty"`
	TLSFingerprint   string `json:"tlsFingerprint,omitempty"`

	RealityServerName  string `json:"realityServerName,omitempty"`
	RealityPublicKey   string `json:"realityPublicKey,omitempty"` // base64
	RealityShortId     string `json:"realityShortId,omitempty"`   // hex
	RealityFingerprint string `json:"realityFingerprint,omitempty"`

	WsHost               string `json:"wsHost,omitempty"`
	WsPath               string `json:"wsPath,omitempty"`
	WsHeaders            string `json:"wsHeaders,omitempty"` // "k:v,k:v"
	WsMaxEarlyData       int    `json:"wsMaxEarlyData,omitempty"`
	WsEarlyDataHeaderName string `json:"wsEarlyDataHeaderName,omitempty"`

	HuHost    string `json:"huHost,omitempty"`
	HuPath    string `json:"huPath,omitempty"`
	HuHeaders string `json:"huHeaders,omitempty"`

	XhttpHost    string `json:"xhttpHost,omitempty"`
	XhttpPath    string `json:"xhttpPath,omitempty"`
	XhttpHeaders string `json:"xhttpHeaders,omitempty"`
	XhttpMode    string `json:"xhttpMode,omitempty"` // auto | packet-up | stream-one

	MuxEnabled  bool `json:"muxEnabled,omitempty"`
	XudpEnabled bool `json:"xudpEnabled,omitempty"`

	// TestSeed is the optional "contentThreshold,longMax,longBase,shortMax"
	// CSV override for the Vision padding schedule, passed via the
	// vless:// share link's testseed param; empty means vision.DefaultSeed().
	TestSeed string `json:"testseed,omitempty"`
}

// DomainRule is one entry of a rule's domainRules list in routing.json.
type DomainRule struct {
	Type  string `json:"type"`  // domain | domainSuffix | domainKeyword
	Value string `json:"value"`
}

// RoutingRule is one entry of routing.json's rules list.
type RoutingRule struct {
	Action      string       `json:"action"` // direct | proxy
	ConfigID    string       `json:"configId,omitempty"`
	DomainRules []DomainRule `json:"domainRules,omitempty"`
}

// Routing is the full routing.json document: an ordered rule list plus
// the outbound dictionary each proxy rule's configId resolves against.
type Routing struct {
	Rules   []RoutingRule          `json:"rules"`
	Configs map[string]VlessConfig `json:"configs"`
}

// ParseRouting decodes a routing.json document.
func ParseRouting(data []byte) (*Routing, error) {
	var r Routing
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("routing: %w", err))
	}
	return &r, nil
}

// Marshal serializes the routing document back to JSON.
func (r *Routing) Marshal() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// ParseVlessConfigJSON decodes a single dictionary-form outbound, as
// passed directly to start()/switch_config rather than embedded in
// routing.json.
func ParseVlessConfigJSON(data []byte) (*VlessConfig, error) {
	var c VlessConfig
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless config: %w", err))
	}
	return &c, nil
}

// ParseVlessShareURL parses the vless://<uuid>@<host>:<port>[/]?<k=v&...>[#<name>]
// share-link form into the same dictionary shape a routing.json entry
// would carry.
func ParseVlessShareURL(raw string) (*VlessConfig, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless url: %w", err))
	}
	if u.Scheme != "vless" {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless url: scheme %q, want vless", u.Scheme))
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless url: missing uuid"))
	}

	host := u.Hostname()
	portStr := u.Port()
	if host == "" || portStr == "" {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless url: missing host or port"))
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless url: bad port %q: %w", portStr, err))
	}

	q := u.Query()
	c := &VlessConfig{
		ServerAddress: host,
		ServerPort:    port,
		UUID:          u.User.Username(),
		Encryption:    defaultStr(q.Get("encryption"), "none"),
		Transport:     defaultStr(q.Get("type"), "tcp"),
		Flow:          q.Get("flow"),
		Security:      defaultStr(q.Get("security"), "none"),

		TLSServerName:    q.Get("sni"),
		TLSAlpn:          q.Get("alpn"),
		TLSAllowInsecure: q.Get("allowInsecure") == "1" || q.Get("allowInsecure") == "true",
		TLSFingerprint:   q.Get("fp"),

		RealityServerName:  q.Get("sni"),
		RealityPublicKey:   q.Get("pbk"),
		RealityShortId:     q.Get("sid"),
		RealityFingerprint: q.Get("fp"),

		MuxEnabled:  q.Get("mux") == "1" || q.Get("mux") == "true",
		XudpEnabled: q.Get("xudp") == "1" || q.Get("xudp") == "true",
		TestSeed:    q.Get("testseed"),
	}

	earlyData, _ := strconv.Atoi(q.Get("ed"))
	switch c.Transport {
	case "ws":
		c.WsHost = q.Get("host")
		c.WsPath = q.Get("path")
		c.WsMaxEarlyData = earlyData
	case "httpupgrade":
		c.HuHost = q.Get("host")
		c.HuPath = q.Get("path")
	case "xhttp":
		c.XhttpHost = q.Get("host")
		c.XhttpPath = q.Get("path")
		c.XhttpMode = defaultStr(q.Get("mode"), "auto")
	}

	if frag, err := url.QueryUnescape(u.Fragment); err == nil && frag != "" {
		c.Name = frag
	} else {
		c.Name = u.Fragment
	}

	return c, nil
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// parseHeaders splits the "k:v,k:v" header encoding shared by the ws/
// httpupgrade/xhttp key groups.
func parseHeaders(s string) map[string]string {
	if s == "" {
		return nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

// ToClientConfig converts an admitted VlessConfig into the narrower
// dial-time vlessclient.Config, resolving the string-encoded UUID,
// Reality key material, and transport parameter groups.
func (c *VlessConfig) ToClientConfig() (vlessclient.Config, error) {
	id, err := uuid.Parse(c.UUID)
	if err != nil {
		return vlessclient.Config{}, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless config: uuid: %w", err))
	}

	out := vlessclient.Config{
		ServerAddr: c.ServerAddress,
		ServerPort: uint16(c.ServerPort),
		UUID:       [16]byte(id),

		Transport: vlessclient.Transport(defaultStr(c.Transport, "tcp")),
		Flow:      clientFlow(c.Flow),
		Security:  vlessclient.Security(defaultStr(c.Security, "none")),

		TLSServerName:    c.TLSServerName,
		TLSAllowInsecure: c.TLSAllowInsecure,
		TLSFingerprint:   c.TLSFingerprint,

		RealityServerName:  c.RealityServerName,
		RealityFingerprint: reality.FingerprintTag(c.RealityFingerprint),
	}
	if c.TLSAlpn != "" {
		out.TLSALPN = strings.Split(c.TLSAlpn, ",")
	}

	if c.RealityPublicKey != "" {
		pk, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(c.RealityPublicKey, "="))
		if err != nil {
			pk, err = base64.StdEncoding.DecodeString(c.RealityPublicKey)
			if err != nil {
				return vlessclient.Config{}, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless config: realityPublicKey: %w", err))
			}
		}
		if len(pk) != 32 {
			return vlessclient.Config{}, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless config: realityPublicKey: want 32 bytes, got %d", len(pk)))
		}
		out.RealityPublicKey = [32]byte(pk)
	}
	if c.RealityShortId != "" {
		sid, err := hex.DecodeString(c.RealityShortId)
		if err != nil {
			return vlessclient.Config{}, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless config: realityShortId: %w", err))
		}
		out.RealityShortID = sid
	}

	switch out.Transport {
	case vlessclient.TransportWS:
		out.WSParams = ws.Params{
			Host:            c.WsHost,
			Path:            c.WsPath,
			Headers:         parseHeaders(c.WsHeaders),
			MaxEarlyData:    c.WsMaxEarlyData,
			EarlyDataHeader: defaultStr(c.WsEarlyDataHeaderName, "Sec-WebSocket-Protocol"),
			HeartbeatPeriod: 15 * time.Second,
		}
	case vlessclient.TransportHTTPUpgrade:
		out.HTTPUpgradeParams = httpupgrade.Params{
			Host:    c.HuHost,
			Path:    c.HuPath,
			Headers: parseHeaders(c.HuHeaders),
		}
	case vlessclient.TransportXHTTP:
		mode := xhttp.Mode(defaultStr(c.XhttpMode, "auto"))
		out.XHTTPParams = xhttp.Params{
			Host:    c.XhttpHost,
			Path:    c.XhttpPath,
			Headers: parseHeaders(c.XhttpHeaders),
			Mode:    mode,
		}
	}

	if out.Flow == vlessclient.FlowVision || out.Flow == vlessclient.FlowVisionUDP443 {
		seed, err := parseTestSeed(c.TestSeed)
		if err != nil {
			return vlessclient.Config{}, err
		}
		out.VisionSeed = seed
	}

	return out, nil
}

// parseTestSeed parses the "contentThreshold,longMax,longBase,shortMax"
// CSV override; an empty string yields vision.DefaultSeed().
func parseTestSeed(s string) (vision.Seed, error) {
	if s == "" {
		return vision.DefaultSeed(), nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return vision.Seed{}, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless config: testseed: want 4 comma-separated values, got %d", len(parts)))
	}
	vals := make([]int, 4)
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return vision.Seed{}, errkind.New(errkind.ConfigInvalid, fmt.Errorf("vless config: testseed: %w", err))
		}
		vals[i] = n
	}
	return vision.Seed{ContentThreshold: vals[0], LongMax: vals[1], LongBase: vals[2], ShortMax: vals[3]}, nil
}

func clientFlow(f string) vlessclient.Flow {
	if f == "" {
		return vlessclient.FlowNone
	}
	return vlessclient.Flow(f)
}
