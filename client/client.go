package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

var (
	ErrNoMessage       = errors.New("client: no message stored")
	ErrPayloadTooLarge = errors.New("client: payload exceeds page size")
	ErrServer          = errors.New("client: server error")
)

// Client talks to an isopaged HTTP endpoint over h2c.
type Client struct {
	host       string
	maxTimeout time.Duration
	transport  *http2.Transport
	httpClient *http.Client
}

func NewClient(host string, maxTimeout time.Duration) *Client {
	transport := &http2.Transport{
		DialTLS: func(network, addr string, _ *tls.Config) (net.Conn, error) {
			return net.Dial(network, addr)
		},
		AllowHTTP:          true,
		DisableCompression: true,
	}
	httpClient := &http.Client{Transport: transport}
	return &Client{
		host:       host,
		maxTimeout: maxTimeout,
		transport:  transport,
		httpClient: httpClient,
	}
}

func (c *Client) Close() error {
	c.transport.CloseIdleConnections()
	return nil
}

func (c *Client) messageUrl() string {
	return fmt.Sprintf("http://%s/message", c.host)
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.maxTimeout > 0 {
		return context.WithTimeout(ctx, c.maxTimeout)
	}
	return ctx, func() {}
}

func statusError(code int) error {
	switch code {
	case http.StatusNotFound:
		return ErrNoMessage
	case http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	}
	return fmt.Errorf("%w: status %d", ErrServer, code)
}

// Has reports whether the server currently holds a message.
func (c *Client) Has(ctx context.Context) (bool, error) {
	ctx, cf := c.withTimeout(ctx)
	defer cf()

	req, err := http.NewRequestWithContext(ctx, "HEAD", c.messageUrl(), nil)
	if err != nil {
		panic(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// Read returns the stored message, appended to buf.
func (c *Client) Read(ctx context.Context, buf []byte) ([]byte, error) {
	ctx, cf := c.withTimeout(ctx)
	defer cf()

	req, err := http.NewRequestWithContext(ctx, "GET", c.messageUrl(), nil)
	if err != nil {
		panic(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode)
	}
	if resp.ContentLength >= 0 {
		length := int(resp.ContentLength)
		if cap(buf)-len(buf) < length {
			newBuf := make([]byte, len(buf), len(buf)+length)
			copy(newBuf, buf)
			buf = newBuf
		}
		off := len(buf)
		buf = buf[:off+length]
		_, err = io.ReadFull(resp.Body, buf[off:])
		if err != nil {
			return nil, err
		}
		return buf, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return append(buf, body...), nil
}

// Write stores payload as the new message, replacing any previous one.
func (c *Client) Write(ctx context.Context, payload []byte) error {
	ctx, cf := c.withTimeout(ctx)
	defer cf()

	req, err := http.NewRequestWithContext(ctx, "PUT", c.messageUrl(), bytes.NewReader(payload))
	if err != nil {
		panic(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode)
	}
	return nil
}

// Clear removes the stored message. Clearing an empty slot is not an error.
func (c *Client) Clear(ctx context.Context) error {
	ctx, cf := c.withTimeout(ctx)
	defer cf()

	req, err := http.NewRequestWithContext(ctx, "DELETE", c.messageUrl(), nil)
	if err != nil {
		panic(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return statusError(resp.StatusCode)
	}
	return nil
}
