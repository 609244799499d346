package swap

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Sentinel is a row that must exist in the restored data with a value the
// named decoder accepts
type Sentinel struct {
	TableSuffix string `yaml:"tableSuffix" json:"tableSuffix"`
	KeyColumn   string `yaml:"keyColumn" json:"keyColumn"`
	ValueColumn string `yaml:"valueColumn" json:"valueColumn"`
	Key         string `yaml:"key" json:"key"`
	Decoder     string `yaml:"decoder" json:"decoder"` // "url", "json" or "nonempty"
}

// Profile describes what a plausible restored dataset looks like
type Profile struct {
	CoreSuffixes []string  `yaml:"coreSuffixes" json:"coreSuffixes"`
	MinCore      int       `yaml:"minCore" json:"minCore"`
	Sentinel     *Sentinel `yaml:"sentinel" json:"sentinel,omitempty"`
}

// DefaultProfile matches the host application's core tables
func DefaultProfile() *Profile {
	return &Profile{
		CoreSuffixes: []string{"options", "users", "usermeta", "posts", "postmeta"},
		MinCore:      3,
		Sentinel: &Sentinel{
			TableSuffix: "options",
			KeyColumn:   "option_name",
			ValueColumn: "option_value",
			Key:         "siteurl",
			Decoder:     "url",
		},
	}
}

// LoadProfile parses a YAML profile. An empty path yields the default.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read verify profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse verify profile YAML: %w", err)
	}
	if len(p.CoreSuffixes) == 0 {
		return nil, fmt.Errorf("verify profile %s lists no core tables", path)
	}
	if p.MinCore <= 0 || p.MinCore > len(p.CoreSuffixes) {
		p.MinCore = len(p.CoreSuffixes)
	}
	if p.Sentinel != nil {
		if p.Sentinel.Decoder == "" {
			p.Sentinel.Decoder = "nonempty"
		}
		if _, ok := decoders[p.Sentinel.Decoder]; !ok {
			return nil, fmt.Errorf("unknown sentinel decoder %q", p.Sentinel.Decoder)
		}
	}
	return &p, nil
}

// Match maps each core suffix to the table that carries it. When several
// tables share a suffix the shortest name wins.
func (p *Profile) Match(tables []string) map[string]string {
	sorted := append([]string(nil), tables...)
	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i]) != len(sorted[j]) {
			return len(sorted[i]) < len(sorted[j])
		}
		return sorted[i] < sorted[j]
	})

	out := map[string]string{}
	for _, suffix := range p.CoreSuffixes {
		for _, t := range sorted {
			if t == suffix || strings.HasSuffix(t, "_"+suffix) {
				out[suffix] = t
				break
			}
		}
	}
	return out
}

// CheckTables fails when too few core tables are present
func (p *Profile) CheckTables(tables []string) error {
	found := p.Match(tables)
	if len(found) < p.MinCore {
		return &IntegrityError{Reason: fmt.Sprintf("found %d of %d required core tables (%s)",
			len(found), p.MinCore, strings.Join(p.CoreSuffixes, ", "))}
	}
	return nil
}

var decoders = map[string]func(string) error{
	"url": func(v string) error {
		u, err := url.Parse(v)
		if err != nil {
			return err
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%q is not an absolute URL", v)
		}
		return nil
	},
	"json": func(v string) error {
		if !json.Valid([]byte(v)) {
			return fmt.Errorf("value is not valid JSON")
		}
		return nil
	},
	"nonempty": func(v string) error {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("value is empty")
		}
		return nil
	},
}
