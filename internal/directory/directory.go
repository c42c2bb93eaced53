// Package directory loads the set of game servers luawatch may poll.
package directory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kiranshivaraju/luawatch/pkg/models"
)

var ErrServerNotFound = errors.New("server not found")

// Source supplies the current server list.
type Source interface {
	Load(ctx context.Context) ([]models.MonitoredServer, error)
}

// FileSource reads servers from a YAML file. ${VAR} references in the file
// are expanded from the environment so daemon tokens can stay out of it.
type FileSource struct {
	Path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

type fileFormat struct {
	Servers serverList `yaml:"servers"`
}

func (f *FileSource) Load(_ context.Context) ([]models.MonitoredServer, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read server directory: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes and validates a server directory document.
func Parse(data []byte) ([]models.MonitoredServer, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse server directory: %w", err)
	}

	seen := make(map[string]bool, len(doc.Servers.Items))
	for i, s := range doc.Servers.Items {
		if strings.TrimSpace(s.ID) == "" {
			return nil, fmt.Errorf("server #%d: id is required", i+1)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("server %s: duplicate id", s.ID)
		}
		seen[s.ID] = true
	}

	if doc.Servers.Items == nil {
		return []models.MonitoredServer{}, nil
	}
	return doc.Servers.Items, nil
}

// serverList accepts either:
//  1. list form:
//     servers:
//     - id: "12"
//     name: DarkRP
//  2. mapping form keyed by id:
//     servers:
//     "12": {name: DarkRP}
type serverList struct {
	Items []models.MonitoredServer
}

func (l *serverList) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.SequenceNode:
		var items []models.MonitoredServer
		if err := value.Decode(&items); err != nil {
			return err
		}
		l.Items = items
		return nil
	case yaml.MappingNode:
		items := make([]models.MonitoredServer, 0, len(value.Content)/2)
		for i := 0; i+1 < len(value.Content); i += 2 {
			id := strings.TrimSpace(value.Content[i].Value)
			var s models.MonitoredServer
			if err := value.Content[i+1].Decode(&s); err != nil {
				return err
			}
			if s.ID == "" {
				s.ID = id
			}
			items = append(items, s)
		}
		l.Items = items
		return nil
	default:
		return fmt.Errorf("servers must be a list or a mapping, line %d", value.Line)
	}
}

// Eligible filters servers down to those that should be polled.
func Eligible(servers []models.MonitoredServer) []models.MonitoredServer {
	out := make([]models.MonitoredServer, 0, len(servers))
	for _, s := range servers {
		if s.Eligible() {
			out = append(out, s)
		}
	}
	return out
}

// Find returns the server whose ID or UUID equals id.
func Find(servers []models.MonitoredServer, id string) (models.MonitoredServer, error) {
	for _, s := range servers {
		if s.ID == id || (s.UUID != "" && s.UUID == id) {
			return s, nil
		}
	}
	return models.MonitoredServer{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
}

// Static is a Source backed by a fixed list, for tests and single-server runs.
type Static []models.MonitoredServer

func (s Static) Load(context.Context) ([]models.MonitoredServer, error) {
	out := make([]models.MonitoredServer, len(s))
	copy(out, s)
	return out, nil
}

var (
	_ Source = (*FileSource)(nil)
	_ Source = Static(nil)
)
