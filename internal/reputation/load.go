package reputation

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Source names one list file.
type Source struct {
	Name string
	Path string
}

// ParseSources parses "tor=/lists/tor.json,vpn=/lists/vpn.txt".
func ParseSources(raw string) ([]Source, error) {
	var out []Source
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, path, ok := strings.Cut(item, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("reputation: invalid list source %q (want name=path)", item)
		}
		out = append(out, Source{Name: name, Path: path})
	}
	return out, nil
}

// LoadFile reads one list. The format follows the extension: .json is an
// array of strings, .yaml/.yml a sequence of strings, anything else one entry
// per line with # comments. Entries that are not IPv4 are skipped.
func LoadFile(src Source) (*List, error) {
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return nil, fmt.Errorf("reputation: read %s: %w", src.Path, err)
	}

	var entries []string
	switch strings.ToLower(filepath.Ext(src.Path)) {
	case ".json":
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("reputation: parse %s: %w", src.Path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("reputation: parse %s: %w", src.Path, err)
		}
	default:
		sc := bufio.NewScanner(bytes.NewReader(data))
		for sc.Scan() {
			line := sc.Text()
			if i := strings.IndexByte(line, '#'); i >= 0 {
				line = line[:i]
			}
			if line = strings.TrimSpace(line); line != "" {
				entries = append(entries, line)
			}
		}
		if err := sc.Err(); err != nil {
			return nil, fmt.Errorf("reputation: scan %s: %w", src.Path, err)
		}
	}

	l := NewList()
	skipped := 0
	for _, e := range entries {
		if !l.Add(src.Name, e) {
			skipped++
		}
	}
	if skipped > 0 {
		log.Debug().Str("list", src.Name).Int("skipped", skipped).Msg("non-IPv4 reputation entries ignored")
	}
	return l, nil
}

// Load reads every source into one List. A source that cannot be read
// contributes nothing; the remaining sources still apply.
func Load(sources []Source) *List {
	merged := NewList()
	for _, src := range sources {
		l, err := LoadFile(src)
		if err != nil {
			log.Warn().Err(err).Str("list", src.Name).Msg("reputation list unavailable, treating as empty")
			continue
		}
		merged.Merge(l)
	}
	return merged
}
