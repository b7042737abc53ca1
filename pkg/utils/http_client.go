package utils

import (
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	client *http.Client
	once   sync.Once
)

// GetHttpClient returns the process-wide pooled client. It carries no overall
// timeout: long-poll requests set their own deadline through the request context.
func GetHttpClient() *http.Client {
	once.Do(func() {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   time.Duration(3) * time.Second,
					KeepAlive: time.Duration(60) * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       time.Duration(90) * time.Second,
				TLSHandshakeTimeout:   time.Duration(5) * time.Second,
				ExpectContinueTimeout: time.Second,
			},
		}
	})
	return client
}

// TruncateBody shortens a response body for log lines.
func TruncateBody(body []byte) string {
	debugBody := string(body)
	if len(debugBody) > 256 {
		debugBody = debugBody[:256]
	}
	return debugBody
}
