package client

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	enginehttp "github.com/searchktools/restengine/core/http"
)

// contentType infers the media type of an outgoing body. Bodies that are
// neither JSON nor XML are assumed to be form encoded.
func contentType(body []byte, vendor string) string {
	if len(body) == 0 {
		if vendor == "" {
			return "text/plain"
		}
		return "application/vnd." + vendor
	}

	subtype := "x-www-form-urlencoded"
	switch {
	case json.Valid(body):
		subtype = "json"
	case bytes.HasPrefix(body, []byte("<?xml")):
		if vendor == "" {
			return "text/xml"
		}
		subtype = "xml"
	}
	if vendor == "" {
		return "application/" + subtype
	}
	return "application/vnd." + vendor + "+" + subtype
}

// decorate sets content type, custom, identification and auth headers
func decorate(req *http.Request, body []byte, s *Settings, id enginehttp.Identity, now time.Time) {
	h := req.Header
	h.Set("Content-Type", contentType(body, s.Vendor))

	for k, v := range s.Headers {
		h.Set(k, v)
	}
	for _, kv := range id.Headers() {
		h.Set(kv[0], kv[1])
	}
	h.Set(id.HeaderNamespace()+"-IP-Addresses", strings.Join(localIPv4(), "; "))

	switch s.Auth {
	case AuthWSSE:
		h.Set("X-WSSE", wsseToken(s.UserName, s.Password, newNonce(), now))
		h.Set("X-Client-Name", s.ClientName)
		h.Set("Authorization", `WSSE profile="UsernameToken"`)
	case AuthBasic:
		setClientName(h, s.ClientName)
		h.Set("Authorization", "Basic "+enginehttp.BasicToken(s.UserName, s.Password))
	case AuthBearer:
		setClientName(h, s.ClientName)
		h.Set("Authorization", "Bearer "+s.Token)
	default:
		setClientName(h, s.ClientName)
	}
}

func setClientName(h http.Header, name string) {
	if name != "" {
		h.Set("X-Client-Name", name)
	}
}

// wsseToken builds the X-WSSE UsernameToken value. The digest is
// base64(sha1(nonce + created + hex(md5(password)))).
func wsseToken(user, password, nonce string, created time.Time) string {
	var hashedPassword string
	if password != "" {
		sum := md5.Sum([]byte(password))
		hashedPassword = hex.EncodeToString(sum[:])
	}
	createdAt := created.Format(time.RFC3339)

	hasher := sha1.New()
	hasher.Write([]byte(nonce))
	hasher.Write([]byte(createdAt))
	hasher.Write([]byte(hashedPassword))

	return `UsernameToken Username="` + user +
		`", PasswordDigest="` + base64.StdEncoding.EncodeToString(hasher.Sum(nil)) +
		`", Nonce="` + base64.StdEncoding.EncodeToString([]byte(nonce)) +
		`", Created="` + createdAt + `"`
}

func newNonce() string {
	var b [16]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// localIPv4 lists the non-loopback IPv4 addresses of the host
func localIPv4() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	return out
}
