package graphsource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aescanero/handoff/pkg/domain"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// Format is a graph file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatHCL  Format = "hcl"
	FormatJSON Format = "json"
)

// FormatFromPath picks a format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".hcl":
		return FormatHCL, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("graphsource: unsupported file extension %q", filepath.Ext(path))
	}
}

// graphFile is the YAML and JSON document shape.
type graphFile struct {
	Nodes []domain.GraphNode `yaml:"nodes" json:"nodes"`
}

// hclGraphFile is the HCL document shape.
type hclGraphFile struct {
	Nodes []*hclNode `hcl:"node,block"`
}

type hclNode struct {
	ID        string   `hcl:"id,label"`
	Title     string   `hcl:"title,optional"`
	Agent     string   `hcl:"agent,optional"`
	DependsOn []string `hcl:"depends_on,optional"`
	Priority  string   `hcl:"priority,optional"`
}

// Decode parses data in the given format. filename is only used in
// diagnostics.
func Decode(data []byte, format Format, filename string) ([]domain.GraphNode, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("graphsource: %s is empty", filename)
	}

	switch format {
	case FormatYAML:
		return decodeYAML(data, filename)
	case FormatHCL:
		return decodeHCL(data, filename)
	case FormatJSON:
		return decodeJSON(data, filename)
	default:
		return nil, fmt.Errorf("graphsource: unknown format %q", format)
	}
}

func decodeYAML(data []byte, filename string) ([]domain.GraphNode, error) {
	var file graphFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("graphsource: decode %s: %w", filename, err)
	}
	return file.Nodes, nil
}

func decodeJSON(data []byte, filename string) ([]domain.GraphNode, error) {
	trimmed := bytes.TrimSpace(data)
	if trimmed[0] == '[' {
		var nodes []domain.GraphNode
		if err := json.Unmarshal(trimmed, &nodes); err != nil {
			return nil, fmt.Errorf("graphsource: decode %s: %w", filename, err)
		}
		return nodes, nil
	}

	var file graphFile
	if err := json.Unmarshal(trimmed, &file); err != nil {
		return nil, fmt.Errorf("graphsource: decode %s: %w", filename, err)
	}
	return file.Nodes, nil
}

func decodeHCL(data []byte, filename string) ([]domain.GraphNode, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("graphsource: parse %s: %w", filename, diags)
	}

	var parsed hclGraphFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("graphsource: decode %s: %w", filename, diags)
	}

	nodes := make([]domain.GraphNode, 0, len(parsed.Nodes))
	for _, n := range parsed.Nodes {
		nodes = append(nodes, domain.GraphNode{
			ID:        n.ID,
			Title:     n.Title,
			AgentID:   n.Agent,
			DependsOn: n.DependsOn,
			Priority:  domain.Priority(n.Priority),
		})
	}
	return nodes, nil
}

// LoadFile reads and decodes one graph file.
func LoadFile(path string) ([]domain.GraphNode, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graphsource: read %s: %w", path, err)
	}
	return Decode(data, format, path)
}

// Load reads a file, or every supported file under a directory in lexical
// path order, and returns the merged nodes.
func Load(path string) ([]domain.GraphNode, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("graphsource: stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return LoadFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if _, err := FormatFromPath(p); err == nil {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("graphsource: walk %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("graphsource: no graph files found in %s", path)
	}
	sort.Strings(files)

	var nodes []domain.GraphNode
	for _, f := range files {
		loaded, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, loaded...)
	}
	return nodes, nil
}
