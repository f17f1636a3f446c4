package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	errIncompleteRequest  = errors.New("request headers incomplete")
	errRequestTooLarge    = errors.New("request exceeds buffer limit")
	errBadRequest         = errors.New("malformed request")
	errMethodNotAllowed   = errors.New("only GET is supported")
	errUnsupportedVersion = errors.New("unsupported HTTP version")
	errMissingHost        = errors.New("missing Host header")
	errKeyTooLong         = errors.New("cache key too long")
)

var headerTerminator = []byte("\r\n\r\n")

// request 是解析后的客户端请求。raw 为原始请求头字节，回源时原样转发。
type request struct {
	raw    []byte
	host   string
	target string
	key    string
	proto  string
}

// parseRequest 在 buf 中寻找完整的请求头并校验。头部未结束时返回 errIncompleteRequest。
func parseRequest(buf []byte, maxKeyLength int) (*request, error) {
	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		return nil, errIncompleteRequest
	}
	raw := buf[:end+len(headerTerminator)]

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if req.Method != http.MethodGet {
		return nil, fmt.Errorf("%w: %s", errMethodNotAllowed, req.Method)
	}
	if req.ProtoMajor != 1 || req.ProtoMinor > 1 {
		return nil, fmt.Errorf("%w: %s", errUnsupportedVersion, req.Proto)
	}

	host := strings.ToLower(strings.TrimSpace(req.Host))
	if host == "" {
		return nil, errMissingHost
	}
	target := req.URL.RequestURI()
	if target == "" {
		target = "/"
	}

	key := cacheKey(host, target)
	if len(key) > maxKeyLength {
		return nil, fmt.Errorf("%w: %d bytes", errKeyTooLong, len(key))
	}

	return &request{
		raw:    append([]byte(nil), raw...),
		host:   host,
		target: target,
		key:    key,
		proto:  req.Proto,
	}, nil
}

// cacheKey 由 Host 与请求路径组成，默认端口 80 不参与区分。
func cacheKey(host, target string) string {
	host = strings.TrimSuffix(host, ":80")
	return host + target
}

// originAddr 返回回源地址，Host 未指明端口时使用 80。
func originAddr(host string) string {
	if h, port, err := net.SplitHostPort(host); err == nil {
		return net.JoinHostPort(h, port)
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "80")
}
