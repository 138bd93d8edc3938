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

package idpstub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecthomas/kong"
	"github.com/tdrn-org/idpstub/httpserver"
	"github.com/tdrn-org/idpstub/internal/buildinfo"
	"github.com/tdrn-org/idpstub/internal/server"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
	"golang.org/x/sync/singleflight"
)

const shutdownTimeout time.Duration = 5 * time.Second

var ErrNotRunning = errors.New("provider not running")

type TestUser = userstore.TestUser

type TestUserOverride = userstore.Override

type OIDCTokens = server.Tokens

// IssueOptions carries the optional request parameters of a direct token
// issue.
type IssueOptions struct {
	Nonce string
}

// Run executes the command line given by args.
func Run(ctx context.Context, args []string) error {
	return runCmdLine(ctx, args, os.Stdout)
}

func runCmdLine(ctx context.Context, args []string, stdout io.Writer) error {
	cmdLine := &cmdLine{ctx: ctx}
	cmdParser, err := kong.New(cmdLine, cmdLineVars, kong.Name(buildinfo.Cmd()), kong.Writers(stdout, os.Stderr))
	if err != nil {
		return err
	}
	cmd, err := cmdParser.Parse(args)
	if err != nil {
		return err
	}
	return cmd.Run()
}

// Start loads the given configuration file and starts a provider for it.
func Start(ctx context.Context, path string) (*Provider, error) {
	config, err := LoadConfig(path, false)
	if err != nil {
		return nil, err
	}
	p := NewProvider(config)
	err = p.EnsureStarted(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func MustStart(ctx context.Context, path string) *Provider {
	p, err := Start(ctx, path)
	if err != nil {
		panic(err)
	}
	return p
}

// Provider is an OpenID Connect provider stub. It is created stopped and
// started lazily by EnsureStarted (or any operation requiring a running
// instance). The current test user survives Stop.
type Provider struct {
	config     *Config
	users      *userstore.Context
	lifecycle  sync.Mutex
	startGroup singleflight.Group
	instance   atomic.Pointer[instance]
}

type instance struct {
	httpServer   *httpserver.Instance
	oidcProvider *server.Provider
}

// NewProvider creates a stopped provider. A nil config selects the
// built-in defaults.
func NewProvider(config *Config) *Provider {
	if config == nil {
		config = NewDefaultConfig()
	}
	return &Provider{
		config: config,
		users:  userstore.NewContext(config.toDefaultUser(), slog.Default()),
	}
}

// EnsureStarted starts the provider unless it is already running.
// Concurrent callers share a single start.
func (p *Provider) EnsureStarted(ctx context.Context) error {
	if p.instance.Load() != nil {
		return nil
	}
	_, err, _ := p.startGroup.Do("start", func() (any, error) {
		p.lifecycle.Lock()
		defer p.lifecycle.Unlock()
		if p.instance.Load() != nil {
			return nil, nil
		}
		started, err := p.start(ctx)
		if err != nil {
			return nil, err
		}
		p.instance.Store(started)
		return nil, nil
	})
	return err
}

func (p *Provider) start(ctx context.Context) (*instance, error) {
	err := ctx.Err()
	if err != nil {
		return nil, err
	}
	httpServer, err := p.config.toHttpServer()
	if err != nil {
		return nil, err
	}
	err = httpServer.Listen()
	if err != nil {
		return nil, err
	}
	started, err := p.startListening(httpServer)
	if err != nil {
		closeErr := httpServer.Close()
		return nil, errors.Join(err, closeErr)
	}
	slog.Info("provider started", slog.String("issuer", started.oidcProvider.IssuerURL().String()))
	return started, nil
}

func (p *Provider) startListening(httpServer *httpserver.Instance) (*instance, error) {
	issuerURL, err := p.config.issuerURL(httpServer.ListenerAddr())
	if err != nil {
		return nil, err
	}
	oidcProvider, err := p.config.toProviderConfig(issuerURL).NewProvider(p.users)
	if err != nil {
		return nil, err
	}
	oidcProvider.Mount(httpServer)
	switch p.config.Server.Protocol {
	case ServerProtocolHttp:
		err = httpServer.Serve()
	case ServerProtocolHttps:
		err = httpServer.ServeTLS(p.config.Server.CertFile, p.config.Server.KeyFile)
	default:
		err = fmt.Errorf("unexpected server protocol: %s", p.config.Server.Protocol)
	}
	if err != nil {
		return nil, err
	}
	started := &instance{
		httpServer:   httpServer,
		oidcProvider: oidcProvider,
	}
	return started, nil
}

// Stop shuts the listener down and discards keys and issued codes. In-flight
// requests are allowed to complete. Stopping a stopped provider is a no-op.
func (p *Provider) Stop(ctx context.Context) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	stopping := p.instance.Swap(nil)
	if stopping == nil {
		return nil
	}
	slog.Info("stopping provider", slog.String("issuer", stopping.oidcProvider.IssuerURL().String()))
	shutdownCtx, cancelShutdown := context.WithTimeout(ctx, shutdownTimeout)
	defer cancelShutdown()
	return errors.Join(stopping.httpServer.Shutdown(shutdownCtx), stopping.oidcProvider.Close())
}

// Running reports whether the provider is currently started.
func (p *Provider) Running() bool {
	return p.instance.Load() != nil
}

// SetUser merges the override onto the default test user and makes the
// result the current user. Codes issued before are not affected.
func (p *Provider) SetUser(override *TestUserOverride) *TestUser {
	return p.users.Set(override)
}

func (p *Provider) ResetUser() {
	p.users.Reset()
}

func (p *Provider) CurrentUser() *TestUser {
	return p.users.Current()
}

// IssueTokens issues tokens for the current user with the override applied,
// exactly as the token endpoint would. The provider is started if needed.
func (p *Provider) IssueTokens(ctx context.Context, override *TestUserOverride, options *IssueOptions) (*OIDCTokens, error) {
	err := p.EnsureStarted(ctx)
	if err != nil {
		return nil, err
	}
	running := p.instance.Load()
	if running == nil {
		return nil, ErrNotRunning
	}
	nonce := ""
	if options != nil {
		nonce = options.Nonce
	}
	user := p.users.Current().Merge(override)
	return running.oidcProvider.IssueTokens(user, nonce)
}

// IssuerURL returns the issuer of the running provider or nil if stopped.
func (p *Provider) IssuerURL() *url.URL {
	running := p.instance.Load()
	if running == nil {
		return nil
	}
	return running.oidcProvider.IssuerURL()
}

func (p *Provider) ClientID() string {
	return p.config.OAuth2.ClientID
}

func (p *Provider) ClientSecret() string {
	return p.config.OAuth2.ClientSecret
}

func (p *Provider) Audience() string {
	return p.config.OAuth2.Audience
}

// run blocks until SIGINT or context cancellation and stops the provider.
func (p *Provider) run(ctx context.Context) error {
	sigintCtx, stopNotify := signal.NotifyContext(ctx, os.Interrupt)
	defer stopNotify()
	slog.Info("startup complete; running", slog.Any("issuer", p.IssuerURL()))
	<-sigintCtx.Done()
	slog.Info("initiating shutdown")
	err := p.Stop(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	slog.Info("shutdown complete; exiting")
	return nil
}
