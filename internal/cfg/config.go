// Package cfg loads and validates the automerge configuration document.
package cfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/itchyny/gojq"
	"github.com/pelletier/go-toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvAccessToken is the environment variable that provides the GitHub
// token when the configuration document does not contain one.
const EnvAccessToken = "GITHUB_TOKEN"

// Format is the serialization format of a configuration document.
type Format string

const (
	FormatJSON Format = "json"
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// FormatFromPath returns the configuration format derived from the file
// extension of path. Files without a known extension are read as JSON with
// comments.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

var mergeMethods = map[string]struct{}{
	"merge":  {},
	"squash": {},
	"rebase": {},
}

type Config struct {
	AccessToken string   `json:"access_token" toml:"access_token" yaml:"access_token"`
	GithubUser  string   `json:"github_user" toml:"github_user" yaml:"github_user"`
	Owner       string   `json:"owner" toml:"owner" yaml:"owner"`
	Repos       []string `json:"repos" toml:"repos" yaml:"repos"`
	// Filters are regular expressions, a pull request is processed when
	// its title matches one of them.
	Filters     []string `json:"filters" toml:"filters" yaml:"filters"`
	Force       bool     `json:"force" toml:"force" yaml:"force"`
	ApproveAll  bool     `json:"approve_all" toml:"approve_all" yaml:"approve_all"`
	DryRun      bool     `json:"dry_run" toml:"dry_run" yaml:"dry_run"`
	FilterQuery string   `json:"filter_query" toml:"filter_query" yaml:"filter_query"`
	// PlanToolUsers restricts the authors whose comments are interpreted as
	// plan tool output. When empty every author except GithubUser is
	// accepted.
	PlanToolUsers []string `json:"plan_tool_users" toml:"plan_tool_users" yaml:"plan_tool_users"`
	PlanComment   string   `json:"plan_comment" toml:"plan_comment" yaml:"plan_comment"`
	UnlockComment string   `json:"unlock_comment" toml:"unlock_comment" yaml:"unlock_comment"`
	MergeMethod   string   `json:"merge_method" toml:"merge_method" yaml:"merge_method"`
	// SettleTimeout is a duration string as accepted by
	// time.ParseDuration.
	SettleTimeout         string `json:"settle_timeout" toml:"settle_timeout" yaml:"settle_timeout"`
	LockFile              string `json:"lock_file" toml:"lock_file" yaml:"lock_file"`
	MetricsPushgatewayURL string `json:"metrics_pushgateway_url" toml:"metrics_pushgateway_url" yaml:"metrics_pushgateway_url"`
	LogFormat             string `json:"log_format" toml:"log_format" yaml:"log_format"`
	LogLevel              string `json:"log_level" toml:"log_level" yaml:"log_level"`
	LogTimeKey            string `json:"log_time_key" toml:"log_time_key" yaml:"log_time_key"`
	LogFile               string `json:"log_file" toml:"log_file" yaml:"log_file"`
}

// Default returns a configuration that contains the default values of all
// optional settings.
func Default() *Config {
	return &Config{
		PlanComment:   "atlantis plan",
		UnlockComment: "atlantis unlock",
		MergeMethod:   "squash",
		SettleTimeout: "4m",
		LockFile:      filepath.Join(os.TempDir(), "automerge.lock"),
		LogFormat:     "logfmt",
		LogLevel:      "info",
		LogTimeKey:    "time",
	}
}

// Load decodes a configuration document in the given format.
// Settings that are not set in the document are set to their default
// values. If the document has no access_token, it is read from the
// GITHUB_TOKEN environment variable.
// The returned config is not validated.
func Load(reader io.Reader, format Format) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatTOML:
		err = toml.Unmarshal(data, &result)
	case FormatYAML:
		err = yaml.Unmarshal(data, &result)
	case FormatJSON:
		err = json.Unmarshal(jsonc.ToJSON(data), &result)
	default:
		return nil, fmt.Errorf("unsupported config format: %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decoding %s config failed: %w", format, err)
	}

	if err := mergo.Merge(&result, Default()); err != nil {
		return nil, fmt.Errorf("applying default config values failed: %w", err)
	}

	if result.AccessToken == "" {
		result.AccessToken = os.Getenv(EnvAccessToken)
	}

	return &result, nil
}

// Validate returns an error if a required setting is missing or a setting
// has an invalid value. The error message names the offending key.
func (c *Config) Validate() error {
	var errs []error

	if c.AccessToken == "" {
		errs = append(errs, fmt.Errorf("access_token: must be set in the config or via the %s environment variable", EnvAccessToken))
	}

	if c.GithubUser == "" {
		errs = append(errs, errors.New("github_user: must be set"))
	}

	if c.Owner == "" {
		errs = append(errs, errors.New("owner: must be set"))
	}

	if len(c.Repos) == 0 {
		errs = append(errs, errors.New("repos: must contain at least one repository"))
	}
	for i, repo := range c.Repos {
		if repo == "" {
			errs = append(errs, fmt.Errorf("repos[%d]: is empty", i))
		}
	}

	if len(c.Filters) == 0 {
		errs = append(errs, errors.New("filters: must contain at least one regular expression"))
	}
	for i, f := range c.Filters {
		if _, err := regexp.Compile(f); err != nil {
			errs = append(errs, fmt.Errorf("filters[%d]: %w", i, err))
		}
	}

	if c.FilterQuery != "" {
		if _, err := gojq.Parse(c.FilterQuery); err != nil {
			errs = append(errs, fmt.Errorf("filter_query: parsing jq query failed: %w", err))
		}
	}

	if _, exists := mergeMethods[c.MergeMethod]; !exists {
		errs = append(errs, fmt.Errorf("merge_method: unsupported value %q, must be one of merge, squash, rebase", c.MergeMethod))
	}

	if c.PlanComment == "" {
		errs = append(errs, errors.New("plan_comment: must not be empty"))
	}

	if d, err := time.ParseDuration(c.SettleTimeout); err != nil {
		errs = append(errs, fmt.Errorf("settle_timeout: %w", err))
	} else if d <= 0 {
		errs = append(errs, fmt.Errorf("settle_timeout: must be positive, is %s", d))
	}

	if c.MetricsPushgatewayURL != "" {
		if _, err := url.ParseRequestURI(c.MetricsPushgatewayURL); err != nil {
			errs = append(errs, fmt.Errorf("metrics_pushgateway_url: %w", err))
		}
	}

	return errors.Join(errs...)
}

// SettleTimeoutDuration returns the parsed SettleTimeout value.
// It must only be called on validated configs.
func (c *Config) SettleTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.SettleTimeout)
	if err != nil {
		panic(fmt.Sprintf("settle_timeout %q is invalid: %s", c.SettleTimeout, err))
	}

	return d
}
