// Package wsrelay bridges an inbound WebSocket connection to the
// upstream rendering server, pumping frames in both directions until
// either side closes. It exists for the hot-module-reload channel
// during interactive development and is never registered in
// production.
package wsrelay

import (
	"crypto/tls"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/NetCoreApps/techstacks.io/proxy"
)

const (
	frameBufferSize  = 8 * 1024
	handshakeTimeout = 10 * time.Second
	controlTimeout   = 20 * time.Second
)

// Relay upgrades inbound requests on the hot-reload path and bridges
// them to the equivalent WebSocket endpoint on the upstream origin.
type Relay struct {
	conf     *proxy.Config
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// New creates a Relay for the given proxy configuration.
func New(conf *proxy.Config) *Relay {
	dialer := &websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		ReadBufferSize:   frameBufferSize,
		WriteBufferSize:  frameBufferSize,
	}
	if conf.InsecureUpstream {
		// development convenience only, never enable in production
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Relay{
		conf:   conf,
		dialer: dialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  frameBufferSize,
			WriteBufferSize: frameBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ServeHTTP implements http.Handler for the pre-registered upgrade
// path.
func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	target := rl.targetFor(r)
	rl.logf(r, "dialing upstream ws: url=%s", target)

	// carry the session cookie so the dev server observes the same
	// identity as the browser
	header := make(http.Header)
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		header.Set("Cookie", cookie)
	}

	upstream, resp, err := rl.dialer.Dial(target, header)
	if err != nil {
		rl.logerrorf(r, "could not dial upstream ws %s: %v", target, err)
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode >= 400 {
			status = resp.StatusCode
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	client, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.logerrorf(r, "could not upgrade client connection: %v", err)
		_ = upstream.Close()
		return
	}

	rl.logf(r, "bridging ws connections")
	if err := rl.bridge(r, client, upstream); err != nil {
		rl.logerrorf(r, "ws bridge closed with err: %v", err)
	}
}

// targetFor flips the upstream base address to the WebSocket scheme
// and copies the inbound path and query verbatim.
func (rl *Relay) targetFor(r *http.Request) string {
	target := *rl.conf.Upstream
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	target.Path = r.URL.Path
	target.RawPath = r.URL.RawPath
	target.RawQuery = r.URL.RawQuery
	return target.String()
}

// bridge runs the two pump loops until both terminate. Close frames
// are propagated to the peer with their original code and reason.
// Cancellation of the governing request closes both connections so
// neither pump can hang.
func (rl *Relay) bridge(r *http.Request, client, upstream *websocket.Conn) error {
	// forward ping/pong control frames
	client.SetPingHandler(forwardControl(websocket.PingMessage, upstream))
	upstream.SetPingHandler(forwardControl(websocket.PingMessage, client))
	client.SetPongHandler(forwardControl(websocket.PongMessage, upstream))
	upstream.SetPongHandler(forwardControl(websocket.PongMessage, client))

	// propagate close frames with the same status code and reason
	client.SetCloseHandler(propagateClose(upstream))
	upstream.SetCloseHandler(propagateClose(client))

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = client.Close()
			_ = upstream.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-r.Context().Done():
			closeBoth()
		case <-done:
		}
	}()

	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth()
		return pump(upstream, client)
	})
	g.Go(func() error {
		defer closeBoth()
		return pump(client, upstream)
	})
	return g.Wait()
}

// pump copies messages from src to dst, preserving the message type
// (text vs binary) and message boundaries. It returns nil on an
// orderly close and the transport error otherwise.
func pump(dst, src *websocket.Conn) error {
	buf := make([]byte, frameBufferSize)
	for {
		mtype, reader, err := src.NextReader()
		if err != nil {
			return ignoreOrderlyClose(err)
		}
		writer, err := dst.NextWriter(mtype)
		if err != nil {
			return ignoreOrderlyClose(err)
		}
		_, err = io.CopyBuffer(writer, reader, buf)
		if cerr := writer.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
}

// ignoreOrderlyClose keeps expected close codes out of the bridge
// error; anything else is a genuine transport failure.
func ignoreOrderlyClose(err error) error {
	if websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return err
	}
	return nil
}

func forwardControl(messageType int, dest *websocket.Conn) func(string) error {
	return func(appData string) error {
		return dest.WriteControl(messageType, []byte(appData), time.Now().Add(controlTimeout))
	}
}

func propagateClose(peer *websocket.Conn) func(int, string) error {
	return func(code int, text string) error {
		msg := websocket.FormatCloseMessage(code, text)
		deadline := time.Now().Add(controlTimeout)
		_ = peer.WriteControl(websocket.CloseMessage, msg, deadline)
		return nil
	}
}

func (rl *Relay) logf(r *http.Request, format string, v ...interface{}) {
	rl.conf.Logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
	}).Printf(format, v...)
}

func (rl *Relay) logerrorf(r *http.Request, format string, v ...interface{}) {
	rl.conf.Logger.WithFields(logrus.Fields{
		"path":        r.URL.Path,
		"remote-addr": r.RemoteAddr,
	}).Errorf(format, v...)
}
