/*
 * Copyright 2025 Holger de Carne
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package httpserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"reflect"
	"sync"
	"time"

	"github.com/rs/cors"
	"github.com/tdrn-org/go-tlsconf/tlsserver"
	"github.com/tdrn-org/idpstub/internal/trace"
	"go.opentelemetry.io/otel"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Handler interface {
	HandleFunc(pattern string, handler http.HandlerFunc)
}

const serverFailureMessage = "http server failure"

// Instance serves the registered handlers on a single listener. The
// listener is bound on Listen (or implicitly on Serve) so the effective
// address is known before serving starts.
type Instance struct {
	Addr            string
	AccessLog       bool
	AccessPolicy    AccessPolicy
	AllowOriginFunc func(*http.Request, string) (bool, []string)
	AllowedMethods  []string
	listener        net.Listener
	listenerAddr    string
	mux             *http.ServeMux
	baseURL         *url.URL
	logger          *slog.Logger
	tracer          oteltrace.Tracer
	httpServer      *http.Server
	stoppedWG       sync.WaitGroup
}

func (s *Instance) Listen() error {
	if s.listener != nil {
		return nil
	}
	serverHost, _, err := net.SplitHostPort(s.Addr)
	if err != nil {
		return fmt.Errorf("failed to decode server address %s (cause: %w)", s.Addr, err)
	}
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on address %s (cause: %w)", s.Addr, err)
	}
	listenerAddr := listener.Addr().String()
	_, listenerPort, err := net.SplitHostPort(listenerAddr)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to decode listener address %s (cause: %w)", listenerAddr, err)
	}
	s.listener = listener
	s.listenerAddr = net.JoinHostPort(serverHost, listenerPort)
	return nil
}

func (s *Instance) MustListen() *Instance {
	err := s.Listen()
	if err != nil {
		slog.Error(serverFailureMessage, slog.String("server", s.Addr), slog.Any("err", err))
		panic(err)
	}
	return s
}

func (s *Instance) ListenerAddr() string {
	return s.listenerAddr
}

func (s *Instance) HandleFunc(pattern string, handler http.HandlerFunc) {
	if s.mux == nil {
		s.mux = http.NewServeMux()
	}
	slog.Debug("http server pattern", slog.String("server", s.Addr), slog.String("pattern", pattern))
	s.mux.HandleFunc(pattern, handler)
}

func (s *Instance) BaseURL() *url.URL {
	return s.baseURL
}

func (s *Instance) prepareServe(scheme string) (http.Handler, error) {
	err := s.Listen()
	if err != nil {
		return nil, err
	}
	if s.mux == nil {
		s.mux = http.NewServeMux()
	}
	baseURL, err := url.Parse(scheme + "://" + s.listenerAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL (cause: %w)", err)
	}
	s.baseURL = baseURL
	s.logger = slog.With(slog.Any("baseURL", s.baseURL))
	s.tracer = otel.Tracer(reflect.TypeFor[Instance]().PkgPath())
	corsOptions := cors.Options{
		AllowOriginVaryRequestFunc: s.AllowOriginFunc,
		AllowedMethods:             s.AllowedMethods,
	}
	handler := cors.New(corsOptions).Handler(AccessPolicyHandler(s, s.AccessPolicy))
	return handler, nil
}

func (s *Instance) runServe(serve func() error) {
	s.stoppedWG.Add(1)
	go func() {
		defer s.stoppedWG.Done()
		s.logger.Info("http server started")
		err := serve()
		if !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error(serverFailureMessage, slog.Any("err", err))
		} else {
			s.logger.Info("http server stopped")
		}
	}()
}

func (s *Instance) Serve() error {
	handler, err := s.prepareServe("http")
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.runServe(func() error {
		return s.httpServer.Serve(s.listener)
	})
	return nil
}

// ServeTLS serves https using the given certificate files. Without any
// files an ephemeral certificate for the listener address is generated.
func (s *Instance) ServeTLS(certFile string, keyFile string) error {
	handler, err := s.prepareServe("https")
	if err != nil {
		return err
	}
	var certificate *tls.Certificate
	if certFile == "" && keyFile == "" {
		s.logger.Info("using ephemeral certificate")
		certificate, err = tlsserver.GenerateEphemeralCertificate(s.listenerAddr, tlsserver.CertificateAlgorithmDefault)
	} else {
		var loaded tls.Certificate
		loaded, err = tls.LoadX509KeyPair(certFile, keyFile)
		certificate = &loaded
	}
	if err != nil {
		return fmt.Errorf("failed to prepare server certificate (cause: %w)", err)
	}
	s.httpServer = &http.Server{
		Addr:              s.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{*certificate},
			MinVersion:   tls.VersionTLS12,
		},
	}
	s.runServe(func() error {
		return s.httpServer.ServeTLS(s.listener, "", "")
	})
	return nil
}

func (s *Instance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	traceCtx, span := s.tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
	defer span.End()
	traceR := r.WithContext(traceCtx)

	if !s.AccessLog {
		s.mux.ServeHTTP(w, traceR)
		return
	}
	start := time.Now()
	wrappedW := &wrappedResponseWriter{wrapped: w, statusCode: http.StatusOK}
	s.mux.ServeHTTP(wrappedW, traceR)
	s.logger.Info("http access",
		slog.String("remote", trace.GetHttpRequestRemoteIP(r)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("proto", r.Proto),
		slog.Int("status", wrappedW.statusCode),
		slog.Int("bytes", wrappedW.written),
		slog.Duration("duration", time.Since(start)))
}

// Shutdown stops accepting new connections and waits for active requests
// to complete or the context to expire.
func (s *Instance) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return s.closeListener()
	}
	err := s.httpServer.Shutdown(ctx)
	s.WaitStopped()
	return err
}

func (s *Instance) Close() error {
	if s.httpServer == nil {
		return s.closeListener()
	}
	return s.httpServer.Close()
}

func (s *Instance) closeListener() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Instance) WaitStopped() {
	s.stoppedWG.Wait()
}

type wrappedResponseWriter struct {
	wrapped    http.ResponseWriter
	written    int
	statusCode int
}

func (w *wrappedResponseWriter) Header() http.Header {
	return w.wrapped.Header()
}

func (w *wrappedResponseWriter) Write(b []byte) (int, error) {
	written, err := w.wrapped.Write(b)
	w.written += written
	return written, err
}

func (w *wrappedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.wrapped.WriteHeader(statusCode)
}

func (w *wrappedResponseWriter) Unwrap() http.ResponseWriter {
	return w.wrapped
}
