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
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-jose/go-jose/v4"
	"github.com/tdrn-org/go-log"
	"github.com/tdrn-org/idpstub/httpserver"
	"github.com/tdrn-org/idpstub/internal/server"
	"github.com/tdrn-org/idpstub/internal/server/userstore"
	"github.com/tdrn-org/idpstub/internal/telemetry"
)

type Config struct {
	Logging struct {
		Level          string `toml:"level"`
		Target         string `toml:"target"`
		Color          int    `toml:"color"`
		FileName       string `toml:"file_name"`
		FileSizeLimit  int64  `toml:"file_size_limit"`
		SyslogNetwork  string `toml:"syslog_network"`
		SyslogAddress  string `toml:"syslog_address"`
		SyslogEncoding string `toml:"syslog_encoding"`
		SyslogFacility int    `toml:"syslog_facility"`
	} `toml:"logging"`
	Server struct {
		Address         string         `toml:"address"`
		Protocol        ServerProtocol `toml:"protocol"`
		AccessLog       bool           `toml:"access_log"`
		CertFile        string         `toml:"cert_file"`
		KeyFile         string         `toml:"key_file"`
		PublicURL       URLSpec        `toml:"public_url"`
		BasePath        string         `toml:"base_path"`
		AllowedNetworks []string       `toml:"allowed_networks"`
		AllowedOrigins  []string       `toml:"allowed_origins"`
	} `toml:"server"`
	OAuth2 struct {
		ClientID            string              `toml:"client_id"`
		ClientSecret        string              `toml:"client_secret"`
		Audience            string              `toml:"audience"`
		Scope               string              `toml:"scope"`
		SigningKeyID        string              `toml:"signing_key_id"`
		SigningKeyAlgorithm SigningKeyAlgorithm `toml:"signing_key_algorithm"`
	} `toml:"oauth2"`
	User struct {
		Subject string         `toml:"sub"`
		Email   string         `toml:"email"`
		Name    string         `toml:"name"`
		Groups  []string       `toml:"groups"`
		Claims  map[string]any `toml:"claims"`
	} `toml:"user"`
	Tracing struct {
		Enabled       bool            `toml:"enabled"`
		ServiceName   string          `toml:"service_name"`
		Domain        string          `toml:"domain"`
		EndpointURL   URLSpec         `toml:"endpoint_url"`
		Protocol      TracingProtocol `toml:"protocol"`
		BatchTimeout  DurationSpec    `toml:"batch_timeout"`
		ExportTimeout DurationSpec    `toml:"export_timeout"`
	} `toml:"tracing"`
}

//go:embed config_defaults.toml
var configDefaultsData string

// NewDefaultConfig returns the built-in configuration: a plain http
// listener on a random localhost port with the default test user.
func NewDefaultConfig() *Config {
	config := &Config{}
	_, err := toml.Decode(configDefaultsData, config)
	if err != nil {
		panic(fmt.Errorf("failed to decode config defaults (cause: %w)", err))
	}
	return config
}

func LoadConfig(path string, strict bool) (*Config, error) {
	slog.Info("loading config", slog.String("path", path))
	config := NewDefaultConfig()
	meta, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config '%s' (cause: %w)", path, err)
	}
	strictViolation := false
	for _, key := range meta.Undecoded() {
		strictViolation = true
		slog.Warn("unexpected configuration key", slog.String("path", path), slog.Any("key", key))
	}
	if strict && strictViolation {
		return nil, fmt.Errorf("config contains unexpected keys")
	}
	err = config.toDefaultUser().Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid user in config '%s' (cause: %w)", path, err)
	}
	return config, nil
}

func (c *Config) toLogConfig() *log.Config {
	target := log.Target(c.Logging.Target)
	color := log.Color(c.Logging.Color)
	if c.Logging.Target == "" {
		target = log.TargetStdout
		color = log.ColorAuto
	}
	return &log.Config{
		Level:          c.Logging.Level,
		AddSource:      false,
		Target:         target,
		Color:          color,
		FileName:       c.Logging.FileName,
		FileSizeLimit:  c.Logging.FileSizeLimit,
		SyslogNetwork:  c.Logging.SyslogNetwork,
		SyslogAddress:  c.Logging.SyslogAddress,
		SyslogEncoding: c.Logging.SyslogEncoding,
		SyslogFacility: c.Logging.SyslogFacility,
	}
}

func (c *Config) toTelemetryConfig() *telemetry.Config {
	var endpointURL *url.URL
	if c.Tracing.EndpointURL.String() != "" {
		endpointURL = &c.Tracing.EndpointURL.URL
	}
	return &telemetry.Config{
		Enabled:       c.Tracing.Enabled,
		ServiceName:   c.Tracing.ServiceName,
		Domain:        c.Tracing.Domain,
		EndpointURL:   endpointURL,
		Protocol:      string(c.Tracing.Protocol),
		BatchTimeout:  c.Tracing.BatchTimeout.Duration,
		ExportTimeout: c.Tracing.ExportTimeout.Duration,
	}
}

// toDefaultUser overlays the configured user onto the built-in default
// user. Unset fields keep their default value.
func (c *Config) toDefaultUser() *userstore.TestUser {
	override := &userstore.Override{
		Subject: c.User.Subject,
		Email:   c.User.Email,
		Name:    c.User.Name,
		Groups:  c.User.Groups,
		Claims:  c.User.Claims,
	}
	return userstore.DefaultTestUser().Merge(override)
}

func (c *Config) toHttpServer() (*httpserver.Instance, error) {
	networks, err := httpserver.ParseNetworks(c.Server.AllowedNetworks...)
	if err != nil {
		return nil, err
	}
	httpServer := &httpserver.Instance{
		Addr:            c.Server.Address,
		AccessLog:       c.Server.AccessLog,
		AccessPolicy:    httpserver.AllowNetworks(networks),
		AllowOriginFunc: allowOriginFunc(c.Server.AllowedOrigins),
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
	}
	return httpServer, nil
}

func allowOriginFunc(allowedOrigins []string) func(*http.Request, string) (bool, []string) {
	if len(allowedOrigins) == 0 {
		return nil
	}
	return func(_ *http.Request, origin string) (bool, []string) {
		return slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin), nil
	}
}

func (c *Config) basePath() string {
	basePath := strings.TrimSuffix(strings.TrimSpace(c.Server.BasePath), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return basePath
}

func (c *Config) issuerURL(listenerAddr string) (*url.URL, error) {
	rawIssuerURL := c.Server.PublicURL.String()
	if rawIssuerURL == "" {
		rawIssuerURL = string(c.Server.Protocol) + "://" + listenerAddr
	}
	issuerURL, err := url.Parse(strings.TrimSuffix(rawIssuerURL, "/") + c.basePath())
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URL '%s' (cause: %w)", rawIssuerURL, err)
	}
	return issuerURL, nil
}

func (c *Config) toProviderConfig(issuerURL *url.URL) *server.ProviderConfig {
	return &server.ProviderConfig{
		IssuerURL:           issuerURL,
		ClientID:            c.OAuth2.ClientID,
		ClientSecret:        c.OAuth2.ClientSecret,
		Audience:            c.OAuth2.Audience,
		Scope:               c.OAuth2.Scope,
		SigningKeyID:        c.OAuth2.SigningKeyID,
		SigningKeyAlgorithm: jose.SignatureAlgorithm(c.OAuth2.SigningKeyAlgorithm),
	}
}

func notAStringErr(value any) error {
	return fmt.Errorf("value %v is not a string type", value)
}

// unmarshalEnum decodes a TOML string restricted to the given values.
func unmarshalEnum[T ~string](value any, kind string, values ...T) (T, error) {
	var unknown T
	s, ok := value.(string)
	if !ok {
		return unknown, notAStringErr(value)
	}
	for _, v := range values {
		if string(v) == s {
			return v, nil
		}
	}
	return unknown, fmt.Errorf("unknown %s: '%s'", kind, s)
}

type ServerProtocol string

const (
	ServerProtocolHttp  ServerProtocol = "http"
	ServerProtocolHttps ServerProtocol = "https"
)

func (p *ServerProtocol) Value() string {
	return string(*p)
}

func (p *ServerProtocol) MarshalTOML() ([]byte, error) {
	return []byte(`"` + p.Value() + `"`), nil
}

func (p *ServerProtocol) UnmarshalTOML(value any) error {
	protocol, err := unmarshalEnum(value, "server protocol", ServerProtocolHttp, ServerProtocolHttps)
	if err != nil {
		return err
	}
	*p = protocol
	return nil
}

type SigningKeyAlgorithm string

const (
	SigningKeyAlgorithmRS256 SigningKeyAlgorithm = "RS256"
	SigningKeyAlgorithmES256 SigningKeyAlgorithm = "ES256"
	SigningKeyAlgorithmPS256 SigningKeyAlgorithm = "PS256"
)

func (a *SigningKeyAlgorithm) Value() string {
	return string(*a)
}

func (a *SigningKeyAlgorithm) MarshalTOML() ([]byte, error) {
	return []byte(`"` + a.Value() + `"`), nil
}

func (a *SigningKeyAlgorithm) UnmarshalTOML(value any) error {
	algorithm, err := unmarshalEnum(value, "signing key algorithm", SigningKeyAlgorithmRS256, SigningKeyAlgorithmES256, SigningKeyAlgorithmPS256)
	if err != nil {
		return err
	}
	*a = algorithm
	return nil
}

type TracingProtocol string

const (
	TracingProtocolHttp TracingProtocol = telemetry.ProtocolHTTP
	TracingProtocolGRPC TracingProtocol = telemetry.ProtocolGRPC
)

func (p *TracingProtocol) Value() string {
	return string(*p)
}

func (p *TracingProtocol) MarshalTOML() ([]byte, error) {
	return []byte(`"` + p.Value() + `"`), nil
}

func (p *TracingProtocol) UnmarshalTOML(value any) error {
	protocol, err := unmarshalEnum(value, "tracing protocol", TracingProtocolHttp, TracingProtocolGRPC)
	if err != nil {
		return err
	}
	*p = protocol
	return nil
}

type DurationSpec struct {
	time.Duration
}

func (d *DurationSpec) Value() string {
	return d.String()
}

func (d *DurationSpec) MarshalTOML() ([]byte, error) {
	return []byte(`"` + d.Value() + `"`), nil
}

func (d *DurationSpec) UnmarshalTOML(value any) error {
	durationString, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	parsedDuration, err := time.ParseDuration(durationString)
	if err != nil {
		return fmt.Errorf("invalid duration: '%s' (cause: %w)", durationString, err)
	}
	d.Duration = parsedDuration
	return nil
}

type URLSpec struct {
	url.URL
}

func (u *URLSpec) Value() string {
	return u.String()
}

func (u *URLSpec) MarshalTOML() ([]byte, error) {
	return []byte(`"` + u.Value() + `"`), nil
}

func (u *URLSpec) UnmarshalTOML(value any) error {
	urlString, ok := value.(string)
	if !ok {
		return notAStringErr(value)
	}
	parsedURL, err := url.Parse(urlString)
	if err != nil {
		return fmt.Errorf("invalid URL: '%s' (cause: %w)", urlString, err)
	}
	u.URL = *parsedURL
	return nil
}
