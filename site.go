package titanfs

import (
	"io"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/jackc/pgx/v5/pgxpool"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/waf"
	"gopkg.in/yaml.v3"

	"gitlab.com/titanfs/titanfs/counter"
	"gitlab.com/titanfs/titanfs/files"
	"gitlab.com/titanfs/titanfs/microversions"
	"gitlab.com/titanfs/titanfs/versions"
)

// Build contains build information about the binary.
type Build struct {
	Version        string `json:"version,omitempty"`
	BuildTimestamp string `json:"buildTimestamp,omitempty"`
	Revision       string `json:"revision,omitempty"`
}

// Site is a single file-service site, with its own database schema.
type Site struct {
	waf.Site `yaml:",inline"`

	Build *Build `json:"build,omitempty" yaml:"-"`

	Schema string `json:"schema,omitempty" yaml:"schema,omitempty"`
	Title  string `json:"title,omitempty"  yaml:"title,omitempty"`

	Files         *files.Service         `json:"-" yaml:"-"`
	Versions      *versions.Service      `json:"-" yaml:"-"`
	Microversions *microversions.Service `json:"-" yaml:"-"`
	Counter       *counter.Counter       `json:"-" yaml:"-"`
	DBPool        *pgxpool.Pool          `json:"-" yaml:"-"`
}

// Decode implements kong.MapperValue to decode a site given as YAML or JSON.
func (s *Site) Decode(ctx *kong.DecodeContext) error {
	var value string
	err := ctx.Scan.PopValueInto("value", &value)
	if err != nil {
		return errors.WithStack(err)
	}
	decoder := yaml.NewDecoder(strings.NewReader(value))
	decoder.KnownFields(true)
	err = decoder.Decode(s)
	if err != nil {
		var yamlErr *yaml.TypeError
		if errors.As(err, &yamlErr) {
			e := "error"
			if len(yamlErr.Errors) > 1 {
				e = "errors"
			}
			return errors.Errorf("yaml: unmarshal %s: %s", e, strings.Join(yamlErr.Errors, "; "))
		} else if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.WithStack(err)
	}
	return nil
}
