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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/tdrn-org/go-conf"
	"github.com/tdrn-org/go-conf/service/loglevel"
	"github.com/tdrn-org/idpstub/internal/buildinfo"
)

var cmdLineVars = kong.Vars{
	"config_default": "",
	"version":        buildinfo.FullVersion(),
}

type cmdLine struct {
	Silent   bool             `short:"s" help:"Enable silent mode (log level error)"`
	Quiet    bool             `short:"q" help:"Enable quiet mode (log level warn)"`
	Verbose  bool             `short:"v" help:"Enable verbose output (log level info)"`
	Debug    bool             `short:"d" help:"Enable debug output (log level debug)"`
	Version  kong.VersionFlag `help:"Show version information"`
	RunCmd   runCmd           `cmd:"" name:"run" default:"withargs" help:"Run the provider until interrupted"`
	TokenCmd tokenCmd         `cmd:"" name:"token" help:"Issue a token pair for the configured user and print it"`
	ctx      context.Context
}

type configArgs struct {
	Config string `short:"c" help:"The configuration file to use (built-in defaults if empty)" default:"${config_default}"`
	Strict bool   `help:"Reject unknown configuration keys"`
}

func (args *configArgs) loadConfig() (*Config, error) {
	path := strings.TrimSpace(args.Config)
	if path == "" {
		return NewDefaultConfig(), nil
	}
	return LoadConfig(path, args.Strict)
}

func (args *cmdLine) applyGlobalArgs(config *Config) {
	if args.Debug {
		config.Logging.Level = slog.LevelDebug.String()
	} else if args.Verbose {
		config.Logging.Level = slog.LevelInfo.String()
	} else if args.Quiet {
		config.Logging.Level = slog.LevelWarn.String()
	} else if args.Silent {
		config.Logging.Level = slog.LevelError.String()
	}
}

// prepare loads the configuration and sets up logging and tracing. The
// returned function flushes the trace exporter.
func (args *cmdLine) prepare(configArgs *configArgs) (*Config, func(), error) {
	config, err := configArgs.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	args.applyGlobalArgs(config)
	initLogging(config)
	shutdownTelemetry, err := config.toTelemetryConfig().Apply(args.ctx)
	if err != nil {
		return nil, nil, err
	}
	done := func() {
		err := shutdownTelemetry(context.WithoutCancel(args.ctx))
		if err != nil {
			slog.Warn("tracing shutdown failure", slog.Any("err", err))
		}
	}
	return config, done, nil
}

func initLogging(config *Config) {
	logLevel, _ := conf.LookupService[loglevel.LogLevelService]()
	logger, err := config.toLogConfig().GetLogger(logLevel.LevelVar())
	if err != nil {
		slog.Warn("failed to setup logging; using default", slog.Any("err", err))
		return
	}
	slog.SetDefault(logger)
}

type runCmd struct {
	ConfigArgs configArgs `embed:""`
}

func (cmd *runCmd) Run(args *cmdLine) error {
	config, done, err := args.prepare(&cmd.ConfigArgs)
	if err != nil {
		return err
	}
	defer done()
	slog.Info("starting", slog.String("version", buildinfo.FullVersion()))
	slog.Debug(buildinfo.Extended())
	p := NewProvider(config)
	err = p.EnsureStarted(args.ctx)
	if err != nil {
		return err
	}
	return p.run(args.ctx)
}

type tokenCmd struct {
	ConfigArgs configArgs `embed:""`
	Nonce      string     `help:"Nonce to embed into the ID token"`
	Sub        string     `help:"Subject overriding the configured user"`
	Email      string     `help:"Email overriding the configured user"`
	Name       string     `help:"Name overriding the configured user"`
	Groups     []string   `name:"group" help:"Group replacing the configured groups (repeatable)"`
}

func (cmd *tokenCmd) Run(args *cmdLine, kctx *kong.Context) error {
	config, done, err := args.prepare(&cmd.ConfigArgs)
	if err != nil {
		return err
	}
	defer done()
	p := NewProvider(config)
	defer func() {
		err := p.Stop(context.WithoutCancel(args.ctx))
		if err != nil {
			slog.Warn("provider shutdown failure", slog.Any("err", err))
		}
	}()
	override := &TestUserOverride{
		Subject: cmd.Sub,
		Email:   cmd.Email,
		Name:    cmd.Name,
		Groups:  cmd.Groups,
	}
	tokens, err := p.IssueTokens(args.ctx, override, &IssueOptions{Nonce: cmd.Nonce})
	if err != nil {
		return err
	}
	output := struct {
		Issuer string `json:"issuer"`
		*OIDCTokens
	}{
		Issuer:     p.IssuerURL().String(),
		OIDCTokens: tokens,
	}
	encoder := json.NewEncoder(kctx.Stdout)
	encoder.SetIndent("", "  ")
	err = encoder.Encode(output)
	if err != nil {
		return fmt.Errorf("failed to write tokens (cause: %w)", err)
	}
	return nil
}
