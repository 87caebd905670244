package proxy

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/iTrooz/pagecache-proxy/internal/config"

	"github.com/elazarl/goproxy"
	"github.com/inconshreveable/go-vhost"
	"github.com/sirupsen/logrus"
)

// loadCA reads the configured CA pair. It returns nil when none is configured.
func loadCA(https config.HTTPSConfig) (*tls.Certificate, error) {
	if https.CACertFile == "" && https.CAKeyFile == "" {
		return nil, nil
	}

	ca, err := tls.LoadX509KeyPair(https.CACertFile, https.CAKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA %s: %w", https.CACertFile, err)
	}
	logrus.Debugf("Loaded CA certificate from %s", https.CACertFile)
	return &ca, nil
}

// setupHTTPSProxyHandler decrypts every CONNECT tunnel so HTTPS resources,
// such as the optional CDN files, go through the worker too.
// A configured CA that cannot be loaded fails the setup.
func (s *Server) setupHTTPSProxyHandler() error {
	ca, err := loadCA(s.config.Server.HTTPS)
	if err != nil {
		return err
	}

	s.proxy.CertStore = newCertStore()

	mitm := goproxy.AlwaysMitm
	if ca == nil {
		logrus.Warnf("HTTPS interception uses the goproxy built-in CA, clients must trust it")
	} else {
		action := &goproxy.ConnectAction{
			Action:    goproxy.ConnectMitm,
			TLSConfig: goproxy.TLSConfigFromCA(ca),
		}
		mitm = goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
			logrus.Debugf("Intercepting CONNECT to %s", host)
			return action, host
		})
	}

	s.proxy.OnRequest().HandleConnect(mitm)
	return nil
}

// StartTransparentHTTPS accepts TLS connections that were redirected to addr
// (for example by iptables) and routes them by SNI as if they had sent a CONNECT
func (s *Server) StartTransparentHTTPS(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("error listening for https connections: %w", err)
	}
	logrus.Infof("Transparent HTTPS listening on %s", addr)
	return s.serveTransparentHTTPS(ln)
}

func (s *Server) serveTransparentHTTPS(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			logrus.Errorf("Error accepting new connection: %v", err)
			continue
		}

		go func(c net.Conn) {
			tlsConn, err := vhost.TLS(c)
			if err != nil {
				logrus.Errorf("Error reading TLS client hello: %v", err)
				_ = c.Close()
				return
			}
			if tlsConn.Host() == "" {
				logrus.Warnf("Cannot support non-SNI enabled clients")
				_ = tlsConn.Close()
				return
			}

			connectReq := &http.Request{
				Method: http.MethodConnect,
				URL: &url.URL{
					Opaque: tlsConn.Host(),
					Host:   net.JoinHostPort(tlsConn.Host(), "443"),
				},
				Host:       tlsConn.Host(),
				Header:     make(http.Header),
				RemoteAddr: c.RemoteAddr().String(),
			}
			resp := dumbResponseWriter{tlsConn}
			s.proxy.ServeHTTP(resp, connectReq)
		}(c)
	}
}
